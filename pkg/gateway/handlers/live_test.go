package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/pitchline/pkg/agent"
	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/gateway/config"
	"github.com/vango-go/pitchline/pkg/gateway/live/sessions"
	"github.com/vango-go/pitchline/pkg/gateway/ratelimit"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/quota"
	"github.com/vango-go/pitchline/pkg/session"
)

type fakeStore struct {
	sessions map[uuid.UUID]*memory.Session
	turns    map[uuid.UUID][]memory.ConversationTurn
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[uuid.UUID]*memory.Session{},
		turns:    map[uuid.UUID][]memory.ConversationTurn{},
	}
}

func (s *fakeStore) CreateSession(ctx context.Context, userID uuid.UUID, sessionType memory.SessionType) (memory.Session, error) {
	sess := memory.Session{ID: uuid.New(), UserID: userID, Type: sessionType, StartedAt: time.Now()}
	s.sessions[sess.ID] = &sess
	return sess, nil
}

func (s *fakeStore) GetSession(ctx context.Context, sessionID uuid.UUID) (memory.Session, bool, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return memory.Session{}, false, nil
	}
	return *sess, true, nil
}

func (s *fakeStore) EndSession(ctx context.Context, sessionID uuid.UUID, summary, outcome string, tokenCount int64) (memory.Session, error) {
	sess := s.sessions[sessionID]
	if sess.EndedAt == nil {
		now := time.Now()
		sess.EndedAt = &now
		sess.Summary = summary
		sess.Outcome = outcome
		if tokenCount > sess.TokenCount {
			sess.TokenCount = tokenCount
		}
	}
	return *sess, nil
}

func (s *fakeStore) SessionTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]memory.ConversationTurn, error) {
	return s.turns[sessionID], nil
}

func (s *fakeStore) AppendExchange(ctx context.Context, sessionID uuid.UUID, records []memory.TurnRecord, tokenDelta int64) (int, int64, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.EndedAt != nil {
		return 0, 0, core.NewSessionEndedError(sessionID.String())
	}
	first := len(s.turns[sessionID]) + 1
	for i, rec := range records {
		s.turns[sessionID] = append(s.turns[sessionID], memory.ConversationTurn{
			SessionID: sessionID,
			TurnIndex: first + i,
			Role:      rec.Role,
			Content:   rec.Content,
		})
	}
	sess.TokenCount += tokenDelta
	return first, sess.TokenCount, nil
}

func (s *fakeStore) UpdateUser(ctx context.Context, userID uuid.UUID, fields memory.UserFields) error {
	return nil
}

func (s *fakeStore) MergeProfile(ctx context.Context, userID uuid.UUID, update memory.ProfileUpdate) error {
	return nil
}

func (s *fakeStore) GetProfile(ctx context.Context, userID uuid.UUID) (memory.UserProfile, bool, error) {
	return memory.UserProfile{}, false, nil
}

func (s *fakeStore) UpsertInsight(ctx context.Context, userID uuid.UUID, update memory.InsightUpdate, sessionID *uuid.UUID) error {
	return nil
}

func (s *fakeStore) UserContext(ctx context.Context, userID uuid.UUID, insightLimit, sessionLimit int) (memory.UserContext, error) {
	return memory.UserContext{}, nil
}

type fakeCache struct {
	states map[uuid.UUID]memory.SessionState
	turns  map[uuid.UUID][]memory.CachedTurn
	locked map[uuid.UUID]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		states: map[uuid.UUID]memory.SessionState{},
		turns:  map[uuid.UUID][]memory.CachedTurn{},
		locked: map[uuid.UUID]bool{},
	}
}

func (c *fakeCache) PutState(ctx context.Context, state memory.SessionState) error {
	c.states[state.SessionID] = state
	return nil
}

func (c *fakeCache) GetState(ctx context.Context, sessionID uuid.UUID) (memory.SessionState, bool, error) {
	state, ok := c.states[sessionID]
	return state, ok, nil
}

func (c *fakeCache) AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...memory.CachedTurn) error {
	c.turns[sessionID] = append(c.turns[sessionID], turns...)
	return nil
}

func (c *fakeCache) RecentTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]memory.CachedTurn, error) {
	return c.turns[sessionID], nil
}

func (c *fakeCache) Drop(ctx context.Context, sessionID uuid.UUID) error {
	delete(c.states, sessionID)
	delete(c.turns, sessionID)
	return nil
}

func (c *fakeCache) AcquireTurnLock(ctx context.Context, sessionID uuid.UUID) (func(context.Context), bool, error) {
	if c.locked[sessionID] {
		return nil, false, nil
	}
	c.locked[sessionID] = true
	return func(context.Context) { c.locked[sessionID] = false }, true, nil
}

type fakeDirectory struct{}

func (fakeDirectory) GetOrCreateUser(ctx context.Context, phone, name string) (memory.User, bool, error) {
	return memory.User{ID: uuid.New(), Name: name, PhoneLastFour: phone[len(phone)-4:]}, true, nil
}

type fakeGenerator struct {
	text   string
	tokens int64
}

func (g *fakeGenerator) Generate(ctx context.Context, req agent.GenerationRequest) (agent.GenerationResult, error) {
	return agent.GenerationResult{Text: g.text, TokensUsed: g.tokens}, nil
}

type liveHarness struct {
	server  *httptest.Server
	store   *fakeStore
	cache   *fakeCache
	tracker *sessions.Tracker
	manager *session.Manager
}

type harnessOpts struct {
	genText   string
	genTokens int64
	maxWS     int
}

func newLiveHarness(t *testing.T, opts harnessOpts) (*liveHarness, string) {
	t.Helper()

	store := newFakeStore()
	cache := newFakeCache()
	qt, err := quota.New(quota.Config{MaxTokens: 1000, MaxCoins: 4})
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}

	mgr := &session.Manager{
		Store:   store,
		Cache:   cache,
		Tracker: qt,
		Pipeline: &agent.Pipeline{
			Identity:  &agent.IdentityNode{Users: fakeDirectory{}},
			Retriever: &agent.MemoryRetriever{Store: store, Cache: cache, RetryBackoff: time.Millisecond},
			Responder: &agent.Responder{Model: &fakeGenerator{text: opts.genText, tokens: opts.genTokens}, RetryBackoff: time.Millisecond},
			Extractor: &agent.ProfileExtractor{},
			Writer:    &agent.MemoryWriter{Store: store, Cache: cache},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	tracker := sessions.NewTracker()
	cfg := config.Config{
		AuthMode:                config.AuthModeDisabled,
		LiveMaxJSONMessageBytes: 64 << 10,
		LiveWSWriteTimeout:      5 * time.Second,
		LiveHandshakeTimeout:    5 * time.Second,
		LiveTurnTimeout:         10 * time.Second,
		LiveMaxSessionDuration:  time.Minute,
		LimitMaxWSSessions:      opts.maxWS,
	}

	handler := LiveHandler{
		Config:       cfg,
		Manager:      mgr,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Limiter:      ratelimit.New(ratelimit.Config{MaxConcurrentWSSessions: opts.maxWS}),
		LiveSessions: tracker,
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live"
	return &liveHarness{server: srv, store: store, cache: cache, tracker: tracker, manager: mgr}, url
}

func baseHello() map[string]any {
	return map[string]any{
		"type":             "hello",
		"protocol_version": "1",
		"session_type":     "discovery",
		"identity":         map[string]any{"phone": "9876543210", "name": "Priya"},
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return out
}

func msgType(msg map[string]any) string {
	v, _ := msg["type"].(string)
	return v
}

func TestLiveHandler_HelloStartsSessionAndGreets(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 260})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, baseHello())

	initMsg := mustReadJSON(t, conn, 2*time.Second)
	if msgType(initMsg) != "session_init" {
		t.Fatalf("first frame type = %q, want session_init", msgType(initMsg))
	}
	if initMsg["session_type"] != "discovery" {
		t.Fatalf("session_type = %v", initMsg["session_type"])
	}
	if newUser, _ := initMsg["new_user"].(bool); !newUser {
		t.Fatalf("expected new_user=true")
	}

	greeting := mustReadJSON(t, conn, 2*time.Second)
	if msgType(greeting) != "assistant_text" {
		t.Fatalf("second frame type = %q, want assistant_text", msgType(greeting))
	}
	if text, _ := greeting["text"].(string); !strings.Contains(text, "3210") {
		t.Fatalf("greeting %q should reference the phone's last four digits", text)
	}

	usage := mustReadJSON(t, conn, 2*time.Second)
	if msgType(usage) != "token_usage" {
		t.Fatalf("third frame type = %q, want token_usage", msgType(usage))
	}
	if used, _ := usage["tokens_used"].(float64); used != 0 {
		t.Fatalf("greeting charged %v tokens", used)
	}
}

func TestLiveHandler_UtteranceProducesReplyAndUsage(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 260})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, baseHello())
	mustReadJSON(t, conn, 2*time.Second) // session_init
	mustReadJSON(t, conn, 2*time.Second) // greeting
	mustReadJSON(t, conn, 2*time.Second) // token_usage

	mustWriteJSON(t, conn, map[string]any{"type": "utterance", "text": "I order twice a week"})

	reply := mustReadJSON(t, conn, 2*time.Second)
	if msgType(reply) != "assistant_text" {
		t.Fatalf("frame type = %q, want assistant_text", msgType(reply))
	}
	if reply["text"] != "noted" {
		t.Fatalf("text = %v", reply["text"])
	}

	usage := mustReadJSON(t, conn, 2*time.Second)
	if msgType(usage) != "token_usage" {
		t.Fatalf("frame type = %q, want token_usage", msgType(usage))
	}
	if used, _ := usage["tokens_used"].(float64); used != 260 {
		t.Fatalf("tokens_used = %v, want 260", used)
	}
	if coins, _ := usage["coins_used"].(float64); coins != 1.04 {
		t.Fatalf("coins_used = %v, want 1.04", coins)
	}
}

func TestLiveHandler_HandshakeUnsupportedVersion(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{})
	conn := mustDialWS(t, url)

	hello := baseHello()
	hello["protocol_version"] = "2"
	mustWriteJSON(t, conn, hello)

	errMsg := mustReadJSON(t, conn, 2*time.Second)
	if msgType(errMsg) != "error" {
		t.Fatalf("frame type = %q, want error", msgType(errMsg))
	}
	if errMsg["code"] != "unsupported" {
		t.Fatalf("code = %v, want unsupported", errMsg["code"])
	}
	if closeFlag, _ := errMsg["close"].(bool); !closeFlag {
		t.Fatalf("handshake error should close the connection")
	}
}

func TestLiveHandler_FirstFrameMustBeHandshake(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, map[string]any{"type": "utterance", "text": "hi"})

	errMsg := mustReadJSON(t, conn, 2*time.Second)
	if msgType(errMsg) != "error" {
		t.Fatalf("frame type = %q, want error", msgType(errMsg))
	}
	if errMsg["code"] != "bad_request" {
		t.Fatalf("code = %v, want bad_request", errMsg["code"])
	}
}

func TestLiveHandler_ResumeRestoresCommittedUsage(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 300})

	conn := mustDialWS(t, url)
	mustWriteJSON(t, conn, baseHello())
	initMsg := mustReadJSON(t, conn, 2*time.Second)
	sessionID, _ := initMsg["session_id"].(string)
	mustReadJSON(t, conn, 2*time.Second) // greeting
	mustReadJSON(t, conn, 2*time.Second) // token_usage

	mustWriteJSON(t, conn, map[string]any{"type": "utterance", "text": "hello"})
	mustReadJSON(t, conn, 2*time.Second) // assistant_text
	mustReadJSON(t, conn, 2*time.Second) // token_usage
	_ = conn.Close()

	conn2 := mustDialWS(t, url)
	// The claimed count is lower than committed; the durable count wins.
	mustWriteJSON(t, conn2, map[string]any{
		"type":             "session_resume",
		"protocol_version": "1",
		"session_id":       sessionID,
		"tokens_used":      100,
	})

	init2 := mustReadJSON(t, conn2, 2*time.Second)
	if msgType(init2) != "session_init" {
		t.Fatalf("frame type = %q, want session_init", msgType(init2))
	}
	if resumed, _ := init2["resumed"].(bool); !resumed {
		t.Fatalf("expected resumed=true")
	}

	usage := mustReadJSON(t, conn2, 2*time.Second)
	if used, _ := usage["tokens_used"].(float64); used != 300 {
		t.Fatalf("tokens_used = %v, want committed 300", used)
	}
}

func TestLiveHandler_ResumeUnknownSession(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, map[string]any{
		"type":             "session_resume",
		"protocol_version": "1",
		"session_id":       uuid.NewString(),
		"tokens_used":      0,
	})

	errMsg := mustReadJSON(t, conn, 2*time.Second)
	if msgType(errMsg) != "error" {
		t.Fatalf("frame type = %q, want error", msgType(errMsg))
	}
	if errMsg["code"] != "bad_request" {
		t.Fatalf("code = %v, want bad_request", errMsg["code"])
	}
}

func TestLiveHandler_ControlEndsSession(t *testing.T) {
	h, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 10})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, baseHello())
	initMsg := mustReadJSON(t, conn, 2*time.Second)
	sessionID, _ := initMsg["session_id"].(string)
	mustReadJSON(t, conn, 2*time.Second)
	mustReadJSON(t, conn, 2*time.Second)

	mustWriteJSON(t, conn, map[string]any{"type": "control", "op": "end_session"})

	ended := mustReadJSON(t, conn, 2*time.Second)
	if msgType(ended) != "session_ended" {
		t.Fatalf("frame type = %q, want session_ended", msgType(ended))
	}
	if ended["outcome"] != "caller_ended" {
		t.Fatalf("outcome = %v, want caller_ended", ended["outcome"])
	}

	id := uuid.MustParse(sessionID)
	if h.store.sessions[id].EndedAt == nil {
		t.Fatalf("session row not marked ended")
	}
}

func TestLiveHandler_QuotaExhaustionClosesConnection(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{genText: "long pitch", genTokens: 1200})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, baseHello())
	mustReadJSON(t, conn, 2*time.Second)
	mustReadJSON(t, conn, 2*time.Second)
	mustReadJSON(t, conn, 2*time.Second)

	mustWriteJSON(t, conn, map[string]any{"type": "utterance", "text": "tell me everything"})

	reply := mustReadJSON(t, conn, 2*time.Second)
	if msgType(reply) != "assistant_text" {
		t.Fatalf("frame type = %q, want assistant_text before the limit notice", msgType(reply))
	}
	usage := mustReadJSON(t, conn, 2*time.Second)
	if remaining, _ := usage["tokens_remaining"].(float64); remaining != 0 {
		t.Fatalf("tokens_remaining = %v, want 0", remaining)
	}
	limitMsg := mustReadJSON(t, conn, 2*time.Second)
	if msgType(limitMsg) != "token_limit_exceeded" {
		t.Fatalf("frame type = %q, want token_limit_exceeded", msgType(limitMsg))
	}
	ended := mustReadJSON(t, conn, 2*time.Second)
	if msgType(ended) != "session_ended" {
		t.Fatalf("frame type = %q, want session_ended", msgType(ended))
	}
	if ended["outcome"] != "token_limit_reached" {
		t.Fatalf("outcome = %v, want token_limit_reached", ended["outcome"])
	}
}

func TestLiveHandler_WSSessionCap(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 10, maxWS: 1})

	conn1 := mustDialWS(t, url)
	mustWriteJSON(t, conn1, baseHello())
	mustReadJSON(t, conn1, 2*time.Second)

	conn2 := mustDialWS(t, url)
	errMsg := mustReadJSON(t, conn2, 2*time.Second)
	if msgType(errMsg) != "error" {
		t.Fatalf("frame type = %q, want error", msgType(errMsg))
	}
	if errMsg["code"] != "rate_limited" {
		t.Fatalf("code = %v, want rate_limited", errMsg["code"])
	}
}

func TestLiveHandler_TrackerCancelClosesConnection(t *testing.T) {
	h, url := newLiveHarness(t, harnessOpts{genText: "noted", genTokens: 10})
	conn := mustDialWS(t, url)

	mustWriteJSON(t, conn, baseHello())
	mustReadJSON(t, conn, 2*time.Second)
	mustReadJSON(t, conn, 2*time.Second)
	mustReadJSON(t, conn, 2*time.Second)

	if h.tracker.Count() != 1 {
		t.Fatalf("tracker count = %d, want 1", h.tracker.Count())
	}

	h.tracker.CancelAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.tracker.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tracker count = %d after cancel, want 0", h.tracker.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveHandler_DisallowedOriginRejected(t *testing.T) {
	_, url := newLiveHarness(t, harnessOpts{})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}
}
