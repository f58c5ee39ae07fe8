package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vango-go/pitchline/pkg/core"
)

// SessionState is the ephemeral per-session blob. It mirrors the
// durable session row's token count at lower latency and carries the
// resumption cursor. Rebuildable from durable rows at any time.
type SessionState struct {
	SessionID     uuid.UUID   `json:"session_id"`
	UserID        uuid.UUID   `json:"user_id"`
	SessionType   SessionType `json:"session_type"`
	TokensUsed    int64       `json:"tokens_used"`
	LastTurnIndex int         `json:"last_turn_index"`
	Exhausted     bool        `json:"exhausted"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// CachedTurn is one entry in the session's rolling turn buffer.
type CachedTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CacheConfig shapes the ephemeral tier.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int

	// SessionTTL bounds the lifetime of all per-session keys.
	SessionTTL time.Duration
	// TurnLockTTL bounds how long a crashed turn can hold its session.
	TurnLockTTL time.Duration
}

// Cache is the ephemeral memory tier, shared by all sessions through
// go-redis's internal connection pool.
type Cache struct {
	rdb    *redis.Client
	cfg    CacheConfig
	logger *slog.Logger
}

// NewCache connects to the cache tier and verifies the connection.
func NewCache(ctx context.Context, cfg CacheConfig, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.TurnLockTTL <= 0 {
		cfg.TurnLockTTL = time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Cache{rdb: rdb, cfg: cfg, logger: logger}, nil
}

// Close releases the cache connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping checks the cache tier is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func stateKey(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}

func turnsKey(sessionID uuid.UUID) string {
	return "session:" + sessionID.String() + ":turns"
}

func lockKey(sessionID uuid.UUID) string {
	return "session:" + sessionID.String() + ":lock"
}

// PutState stores the session blob and refreshes its TTL.
func (c *Cache) PutState(ctx context.Context, state SessionState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := c.rdb.Set(ctx, stateKey(state.SessionID), data, c.cfg.SessionTTL).Err(); err != nil {
		return core.NewPersistenceError("cache put state", err)
	}
	return nil
}

// GetState loads the session blob. A miss is a valid state: the cache
// may have been evicted and is rebuilt from durable rows.
func (c *Cache) GetState(ctx context.Context, sessionID uuid.UUID) (SessionState, bool, error) {
	data, err := c.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, core.NewPersistenceError("cache get state", err)
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt blob is treated as an eviction; durable rows rebuild it.
		c.logger.Warn("dropping corrupt session state", "session_id", sessionID, "error", err)
		return SessionState{}, false, nil
	}
	return state, true, nil
}

// AppendTurns pushes turns onto the session's rolling buffer.
func (c *Cache) AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...CachedTurn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, data)
	}
	key := turnsKey(sessionID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, c.cfg.SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewPersistenceError("cache append turns", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest buffered turns, oldest
// first. Zero limit returns the whole buffer.
func (c *Cache) RecentTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]CachedTurn, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := c.rdb.LRange(ctx, turnsKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, core.NewPersistenceError("cache recent turns", err)
	}
	out := make([]CachedTurn, 0, len(raw))
	for _, item := range raw {
		var t CachedTurn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Drop removes all per-session keys on clean session end.
func (c *Cache) Drop(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.rdb.Del(ctx, stateKey(sessionID), turnsKey(sessionID), lockKey(sessionID)).Err(); err != nil {
		return core.NewPersistenceError("cache drop session", err)
	}
	return nil
}

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireTurnLock takes the per-session serialization point. A second
// turn-start for a session already mid-pipeline is rejected (ok=false).
// The TTL bounds how long a crashed holder can wedge the session; the
// returned release function only deletes the lock it still owns.
func (c *Cache) AcquireTurnLock(ctx context.Context, sessionID uuid.UUID) (release func(context.Context), ok bool, err error) {
	token := uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, lockKey(sessionID), token, c.cfg.TurnLockTTL).Result()
	if err != nil {
		return nil, false, core.NewPersistenceError("acquire turn lock", err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) {
		if err := releaseLockScript.Run(ctx, c.rdb, []string{lockKey(sessionID)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("release turn lock", "session_id", sessionID, "error", err)
		}
	}
	return release, true, nil
}
