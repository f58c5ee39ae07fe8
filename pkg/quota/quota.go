// Package quota converts raw token consumption into the user-facing
// coin balance and enforces the per-session ceiling.
package quota

import (
	"fmt"
	"sync"

	"github.com/vango-go/pitchline/pkg/core"
)

// Config is the deployment-global quota shape.
type Config struct {
	MaxTokens int64
	MaxCoins  int64
}

// Validate enforces MAX_TOKENS >= MAX_COINS >= 1.
func (c Config) Validate() error {
	if c.MaxCoins < 1 {
		return core.NewConfigurationError(fmt.Sprintf("MAX_COINS must be >= 1, got %d", c.MaxCoins))
	}
	if c.MaxTokens < c.MaxCoins {
		return core.NewConfigurationError(fmt.Sprintf("MAX_TOKENS (%d) must be >= MAX_COINS (%d)", c.MaxTokens, c.MaxCoins))
	}
	return nil
}

// Usage is one quota snapshot. Coin values are fractional and are
// rounded only for display, never before comparison against the cap.
type Usage struct {
	TokensUsed      int64   `json:"tokens_used"`
	MaxTokens       int64   `json:"max_tokens"`
	TokensRemaining int64   `json:"tokens_remaining"`
	CoinsUsed       float64 `json:"coins_used"`
	CoinsRemaining  float64 `json:"coins_remaining"`
	MaxCoins        int64   `json:"max_coins"`
	TokensPerCoin   float64 `json:"tokens_per_coin"`
}

// Exhausted reports whether the token ceiling has been reached.
func (u Usage) Exhausted() bool {
	return u.TokensRemaining <= 0
}

// Tracker performs token-to-coin conversion for one deployment.
type Tracker struct {
	cfg Config
}

// New validates the configuration and builds a tracker.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg}, nil
}

// TokensPerCoin returns the fixed conversion rate.
func (t *Tracker) TokensPerCoin() float64 {
	return float64(t.cfg.MaxTokens) / float64(t.cfg.MaxCoins)
}

// UsageFor computes the full snapshot for a cumulative token count.
func (t *Tracker) UsageFor(tokensUsed int64) Usage {
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	perCoin := t.TokensPerCoin()
	coinsUsed := float64(tokensUsed) / perCoin
	coinsRemaining := float64(t.cfg.MaxCoins) - coinsUsed
	if coinsRemaining < 0 {
		coinsRemaining = 0
	}
	tokensRemaining := t.cfg.MaxTokens - tokensUsed
	if tokensRemaining < 0 {
		tokensRemaining = 0
	}
	return Usage{
		TokensUsed:      tokensUsed,
		MaxTokens:       t.cfg.MaxTokens,
		TokensRemaining: tokensRemaining,
		CoinsUsed:       coinsUsed,
		CoinsRemaining:  coinsRemaining,
		MaxCoins:        t.cfg.MaxCoins,
		TokensPerCoin:   perCoin,
	}
}

// Meter accumulates one session's token consumption. It is safe for
// concurrent use, though the per-session turn lock already serializes
// callers in practice.
type Meter struct {
	tracker *Tracker

	mu         sync.Mutex
	tokensUsed int64
	signaled   bool
}

// NewMeter seeds a meter with a session's committed token count.
// A meter seeded at or past the ceiling never re-emits the exhaustion
// signal; the session should already have been closed.
func (t *Tracker) NewMeter(tokensUsed int64) *Meter {
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	m := &Meter{tracker: t, tokensUsed: tokensUsed}
	m.signaled = t.UsageFor(tokensUsed).Exhausted()
	return m
}

// ReconcileTo adopts the durable store's committed token count as
// authoritative, replacing the meter's running value. It is the only
// charge path: the writer commits the turn's delta durably, then
// reconciles the meter to the post-commit count, so the two tiers
// never diverge by more than one unflushed turn. The second return is
// true exactly once per session: on the update that first drives
// tokens_remaining to zero. Overage updates after exhaustion do not
// re-emit.
func (m *Meter) ReconcileTo(committed int64) (Usage, bool) {
	if committed < 0 {
		committed = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokensUsed = committed
	u := m.tracker.UsageFor(m.tokensUsed)

	exhaustedNow := false
	if u.Exhausted() && !m.signaled {
		m.signaled = true
		exhaustedNow = true
	}
	return u, exhaustedNow
}

// Snapshot returns the current usage without applying a delta.
func (m *Meter) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.UsageFor(m.tokensUsed)
}

// TokensUsed returns the cumulative committed count.
func (m *Meter) TokensUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensUsed
}
