// Package session coordinates live conversation sessions: lifecycle,
// per-session quota meters, the per-turn serialization lock, and
// reconciliation between the cache tier and durable storage.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-go/pitchline/pkg/agent"
	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/quota"
)

// Store is the durable tier the manager needs.
type Store interface {
	CreateSession(ctx context.Context, userID uuid.UUID, sessionType memory.SessionType) (memory.Session, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (memory.Session, bool, error)
	EndSession(ctx context.Context, sessionID uuid.UUID, summary, outcome string, tokenCount int64) (memory.Session, error)
	SessionTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]memory.ConversationTurn, error)
}

// Cache is the short-term tier the manager needs.
type Cache interface {
	PutState(ctx context.Context, state memory.SessionState) error
	GetState(ctx context.Context, sessionID uuid.UUID) (memory.SessionState, bool, error)
	AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...memory.CachedTurn) error
	Drop(ctx context.Context, sessionID uuid.UUID) error
	AcquireTurnLock(ctx context.Context, sessionID uuid.UUID) (release func(context.Context), ok bool, err error)
}

// UsageReporter receives final session usage for billing. Reporting is
// best-effort; a failure never blocks session close.
type UsageReporter interface {
	ReportSession(ctx context.Context, s memory.Session) error
}

// Manager owns session lifecycle. One Handle exists per live session;
// the Redis turn lock serializes turns across processes, so two
// gateways resuming the same session cannot interleave pipelines.
type Manager struct {
	Store    Store
	Cache    Cache
	Tracker  *quota.Tracker
	Pipeline *agent.Pipeline
	Reporter UsageReporter
	Logger   *slog.Logger

	// RehydrateWindow bounds how many durable turns are copied back
	// into the cache on resume.
	RehydrateWindow int
}

// Handle is one live session.
type Handle struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	SessionType memory.SessionType
	NewUser     bool

	mgr   *Manager
	meter *quota.Meter

	mu    sync.Mutex
	ended bool
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Text         string
	TurnIndex    int
	Usage        quota.Usage
	ExhaustedNow bool
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Start resolves the caller's identity, creates a durable session row,
// and seeds the cache. The returned result carries the scripted
// greeting, already persisted as the session's first turn.
func (m *Manager) Start(ctx context.Context, sessionType memory.SessionType, identity agent.IdentitySignal) (*Handle, TurnResult, error) {
	if !sessionType.Valid() {
		return nil, TurnResult{}, core.NewInvalidRequestError(fmt.Sprintf("unknown session type %q", sessionType))
	}

	resolved, err := m.Pipeline.Identity.Resolve(ctx, identity)
	if err != nil {
		return nil, TurnResult{}, err
	}

	sess, err := m.Store.CreateSession(ctx, resolved.User.ID, sessionType)
	if err != nil {
		return nil, TurnResult{}, err
	}

	h := &Handle{
		ID:          sess.ID,
		UserID:      resolved.User.ID,
		SessionType: sessionType,
		NewUser:     resolved.NewUser,
		mgr:         m,
		meter:       m.Tracker.NewMeter(0),
	}

	// The greeting is scripted and free, but it is still a stored
	// turn: resumes and summaries must see it.
	st := agent.TurnState{
		SessionID:   sess.ID,
		SessionType: sessionType,
		UserID:      resolved.User.ID,
		NewUser:     resolved.NewUser,
		Response:    agent.Greeting(resolved),
	}
	st, err = m.Pipeline.Writer.Run(ctx, st, h.meter)
	if err != nil {
		return nil, TurnResult{}, err
	}

	m.logger().Info("session started",
		"session_id", sess.ID,
		"user_id", resolved.User.ID,
		"session_type", sessionType,
		"new_user", resolved.NewUser)

	return h, TurnResult{Text: st.Response, TurnIndex: st.TurnIndex, Usage: h.meter.Snapshot()}, nil
}

// Resume reattaches to an existing session. The durable token count is
// authoritative: a client claiming fewer tokens than the store has
// committed resumes at the committed count, never the claimed one. An
// ended session cannot be resumed.
func (m *Manager) Resume(ctx context.Context, sessionID uuid.UUID, claimedTokens int64) (*Handle, error) {
	sess, ok, err := m.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unknown session %s", sessionID))
	}
	if sess.Ended() {
		return nil, core.NewSessionEndedError(sessionID.String())
	}

	if claimedTokens != sess.TokenCount {
		m.logger().Warn("resume token count mismatch, durable count wins",
			"session_id", sessionID,
			"claimed", claimedTokens,
			"committed", sess.TokenCount)
	}

	meter := m.Tracker.NewMeter(sess.TokenCount)

	if _, ok, err := m.Cache.GetState(ctx, sessionID); err != nil || !ok {
		if err != nil {
			m.logger().Warn("cache state read failed on resume", "session_id", sessionID, "error", err)
		}
		m.rehydrate(ctx, sess, meter.Snapshot())
	}

	m.logger().Info("session resumed",
		"session_id", sessionID,
		"user_id", sess.UserID,
		"tokens_used", sess.TokenCount)

	return &Handle{
		ID:          sess.ID,
		UserID:      sess.UserID,
		SessionType: sess.Type,
		mgr:         m,
		meter:       meter,
	}, nil
}

// rehydrate rebuilds the cache tier from durable rows after an
// eviction. Failures are logged; the durable tier alone can serve the
// session.
func (m *Manager) rehydrate(ctx context.Context, sess memory.Session, usage quota.Usage) {
	window := m.RehydrateWindow
	if window <= 0 {
		window = 20
	}

	turns, err := m.Store.SessionTurns(ctx, sess.ID, window)
	if err != nil {
		m.logger().Warn("turn rehydration read failed", "session_id", sess.ID, "error", err)
		return
	}

	lastIndex := 0
	cached := make([]memory.CachedTurn, 0, len(turns))
	for _, t := range turns {
		cached = append(cached, memory.CachedTurn{Role: t.Role, Content: t.Content})
		if t.TurnIndex > lastIndex {
			lastIndex = t.TurnIndex
		}
	}
	if len(cached) > 0 {
		if err := m.Cache.AppendTurns(ctx, sess.ID, cached...); err != nil {
			m.logger().Warn("turn rehydration write failed", "session_id", sess.ID, "error", err)
		}
	}

	state := memory.SessionState{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		SessionType:   sess.Type,
		TokensUsed:    usage.TokensUsed,
		LastTurnIndex: lastIndex,
		Exhausted:     usage.Exhausted(),
	}
	if err := m.Cache.PutState(ctx, state); err != nil {
		m.logger().Warn("state rehydration write failed", "session_id", sess.ID, "error", err)
	}
}

// Usage returns the session's current quota snapshot.
func (h *Handle) Usage() quota.Usage {
	return h.meter.Snapshot()
}

// Turn runs one full pipeline execution for an inbound utterance. The
// session's turn lock is held for the duration, so a session processes
// at most one turn at a time regardless of how many connections hold a
// handle. When the turn drives the quota to zero the session is closed
// before Turn returns, and the result's ExhaustedNow flag is set.
func (h *Handle) Turn(ctx context.Context, utterance string) (TurnResult, error) {
	h.mu.Lock()
	ended := h.ended
	h.mu.Unlock()
	if ended {
		return TurnResult{}, core.NewSessionEndedError(h.ID.String())
	}
	if h.meter.Snapshot().Exhausted() {
		return TurnResult{}, core.NewQuotaExhaustedError(h.ID.String())
	}

	release, ok, err := h.mgr.Cache.AcquireTurnLock(ctx, h.ID)
	if err != nil {
		return TurnResult{}, err
	}
	if !ok {
		return TurnResult{}, core.NewInvalidRequestError("a turn is already in progress for this session")
	}
	defer release(ctx)

	st := agent.TurnState{
		SessionID:   h.ID,
		SessionType: h.SessionType,
		UserID:      h.UserID,
		Utterance:   utterance,
	}
	st, err = h.mgr.Pipeline.RunTurn(ctx, st, h.meter)
	if err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		Text:         st.Response,
		TurnIndex:    st.TurnIndex,
		Usage:        st.Usage,
		ExhaustedNow: st.ExhaustedNow,
	}

	if st.ExhaustedNow {
		if err := h.End(ctx, "", "token_limit_reached"); err != nil {
			h.mgr.logger().Error("session close after exhaustion failed", "session_id", h.ID, "error", err)
		}
	}
	return result, nil
}

// End closes the session: durable row first, then cache teardown and
// the billing report. Idempotent; a second End is a no-op.
func (h *Handle) End(ctx context.Context, summary, outcome string) error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return nil
	}
	h.ended = true
	h.mu.Unlock()

	sess, err := h.mgr.Store.EndSession(ctx, h.ID, summary, outcome, h.meter.TokensUsed())
	if err != nil {
		return err
	}

	if err := h.mgr.Cache.Drop(ctx, h.ID); err != nil {
		h.mgr.logger().Warn("cache teardown failed", "session_id", h.ID, "error", err)
	}

	if h.mgr.Reporter != nil {
		if err := h.mgr.Reporter.ReportSession(ctx, sess); err != nil {
			h.mgr.logger().Warn("usage report failed", "session_id", h.ID, "error", err)
		}
	}

	h.mgr.logger().Info("session ended",
		"session_id", h.ID,
		"user_id", h.UserID,
		"token_count", sess.TokenCount,
		"outcome", outcome)
	return nil
}
