package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/pitchline/pkg/agent"
	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/gateway/auth"
	"github.com/vango-go/pitchline/pkg/gateway/config"
	"github.com/vango-go/pitchline/pkg/gateway/live/protocol"
	"github.com/vango-go/pitchline/pkg/gateway/live/sessions"
	"github.com/vango-go/pitchline/pkg/gateway/metrics"
	"github.com/vango-go/pitchline/pkg/gateway/ratelimit"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/session"
)

// LiveHandler serves /v1/live: one WebSocket per conversation session.
// The first frame must be hello or session_resume; after that the
// connection alternates caller utterances and assistant replies until
// the caller hangs up, the quota runs out, or the gateway drains.
type LiveHandler struct {
	Config       config.Config
	Manager      *session.Manager
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	LiveSessions *sessions.Tracker
}

// wsWriter serializes writes to the connection. The read loop, the ping
// ticker, and the drain callback all write concurrently.
type wsWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}

func (w *wsWriter) Close(code int, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), time.Now().Add(2*time.Second))
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.LiveHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}
	out := &wsWriter{conn: conn, timeout: h.Config.LiveWSWriteTimeout}

	// Per-principal cap on long-lived connections.
	if h.Limiter != nil && h.Config.LimitMaxWSSessions > 0 {
		principal := "anonymous"
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			principal = ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
		}
		dec := h.Limiter.AcquireWSSession(principal, time.Now())
		if !dec.Allowed {
			h.writeError(out, "rate_limited", "too many active live sessions", "", true, true)
			return
		}
		defer dec.Permit.Release()
	}

	handle, resumed, ok := h.handshake(r.Context(), conn, out)
	if !ok {
		return
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	metrics.SessionsStarted.WithLabelValues(string(handle.SessionType), boolLabel(resumed)).Inc()

	ctx, cancel := context.WithTimeout(r.Context(), h.Config.LiveMaxSessionDuration)
	defer cancel()

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(handle.ID.String(), sessions.Handle{
			Cancel: func() {
				cancel()
				_ = conn.Close()
			},
			Drain: func(reason string) error {
				err := out.WriteJSON(protocol.ServerError{
					Type:      "error",
					Code:      "draining",
					Message:   "gateway is shutting down; resume the session shortly",
					Retryable: true,
					Close:     true,
				})
				out.Close(websocket.CloseGoingAway, reason)
				return err
			},
		})
	}
	defer unregister()

	// Close the socket when the session deadline or a drain cancel
	// fires while the read loop is blocked.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	h.readLoop(ctx, conn, out, handle)
}

// handshake reads the first frame and attaches a session handle, either
// by starting a fresh session or resuming a prior one.
func (h LiveHandler) handshake(ctx context.Context, conn *websocket.Conn, out *wsWriter) (*session.Handle, bool, bool) {
	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeError(out, "bad_request", "failed to read first frame", "", false, true)
		return nil, false, false
	}
	if messageType != websocket.TextMessage {
		h.writeError(out, "bad_request", "first frame must be hello or session_resume", "", false, true)
		return nil, false, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeDecodeError(out, err, true)
		return nil, false, false
	}

	switch msg := decoded.(type) {
	case protocol.ClientHello:
		if err := protocol.ValidateHello(msg); err != nil {
			h.writeDecodeError(out, err, true)
			return nil, false, false
		}
		handle, first, err := h.Manager.Start(ctx, memory.SessionType(msg.SessionType), agent.IdentitySignal{
			Token: msg.Identity.Token,
			Phone: msg.Identity.Phone,
			Name:  msg.Identity.Name,
		})
		if err != nil {
			h.logger().Warn("session start failed", "error", err, "hello", msg.RedactedForLog())
			h.writeCoreError(out, err, true)
			return nil, false, false
		}
		h.sendInit(out, handle, false)
		_ = out.WriteJSON(protocol.ServerAssistantText{
			Type:      "assistant_text",
			TurnIndex: first.TurnIndex,
			Text:      first.Text,
		})
		h.sendUsage(out, handle)
		return handle, false, true

	case protocol.ClientSessionResume:
		sessionID, parseErr := uuid.Parse(strings.TrimSpace(msg.SessionID))
		if parseErr != nil {
			h.writeError(out, "bad_request", "invalid session_id", "session_id", false, true)
			return nil, false, false
		}
		handle, err := h.Manager.Resume(ctx, sessionID, msg.TokensUsed)
		if err != nil {
			h.writeCoreError(out, err, true)
			return nil, false, false
		}
		h.sendInit(out, handle, true)
		h.sendUsage(out, handle)
		return handle, true, true

	default:
		h.writeError(out, "bad_request", "first frame must be hello or session_resume", "type", false, true)
		return nil, false, false
	}
}

func (h LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, out *wsWriter, handle *session.Handle) {
	pingInterval := h.Config.LiveWSPingInterval
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-ticker.C:
					_ = out.Ping()
				case <-done:
					return
				}
			}
		}()
	}

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			h.writeError(out, "bad_request", "only text frames are supported", "", false, false)
			continue
		}

		decoded, err := protocol.DecodeClientMessage(frame)
		if err != nil {
			h.writeDecodeError(out, err, false)
			continue
		}

		switch msg := decoded.(type) {
		case protocol.ClientUtterance:
			if h.turn(ctx, out, handle, msg.Text) {
				return
			}
		case protocol.ClientControl:
			// Decode guarantees op == "end_session".
			if err := handle.End(ctx, "", "caller_ended"); err != nil {
				h.writeCoreError(out, err, false)
				continue
			}
			metrics.SessionsEnded.WithLabelValues("caller_ended").Inc()
			_ = out.WriteJSON(protocol.ServerSessionEnded{
				Type:      "session_ended",
				SessionID: handle.ID.String(),
				Outcome:   "caller_ended",
			})
			out.Close(websocket.CloseNormalClosure, "session ended")
			return
		default:
			h.writeError(out, "bad_request", "unexpected message after handshake", "type", false, false)
		}
	}
}

// turn runs one utterance through the pipeline and reports the reply.
// Returns true when the connection should close.
func (h LiveHandler) turn(ctx context.Context, out *wsWriter, handle *session.Handle, text string) (closed bool) {
	turnCtx := ctx
	if h.Config.LiveTurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, h.Config.LiveTurnTimeout)
		defer cancel()
	}

	start := time.Now()
	before := handle.Usage().TokensUsed
	result, err := handle.Turn(turnCtx, text)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(string(handle.SessionType), "error").Inc()
		if core.IsType(err, core.ErrQuotaExhausted) {
			h.closeExhausted(ctx, out, handle)
			return true
		}
		h.writeCoreError(out, err, core.IsType(err, core.ErrSessionEnded))
		return core.IsType(err, core.ErrSessionEnded)
	}

	metrics.TurnsTotal.WithLabelValues(string(handle.SessionType), "ok").Inc()
	metrics.TurnDuration.WithLabelValues(string(handle.SessionType)).Observe(time.Since(start).Seconds())
	if delta := result.Usage.TokensUsed - before; delta > 0 {
		metrics.TokensCharged.Add(float64(delta))
	}

	_ = out.WriteJSON(protocol.ServerAssistantText{
		Type:      "assistant_text",
		TurnIndex: result.TurnIndex,
		Text:      result.Text,
	})
	h.sendUsage(out, handle)

	if result.ExhaustedNow {
		// Turn already closed the session; tell the caller and hang up.
		metrics.QuotaExhaustions.Inc()
		metrics.SessionsEnded.WithLabelValues("token_limit_reached").Inc()
		_ = out.WriteJSON(protocol.ServerTokenLimitExceeded{
			Type:    "token_limit_exceeded",
			Message: "the session token quota has been used up",
		})
		_ = out.WriteJSON(protocol.ServerSessionEnded{
			Type:      "session_ended",
			SessionID: handle.ID.String(),
			Outcome:   "token_limit_reached",
		})
		out.Close(websocket.CloseNormalClosure, "token limit reached")
		return true
	}
	return false
}

// closeExhausted handles an utterance arriving on an already-exhausted
// session: the quota signal fired on a previous turn or connection.
func (h LiveHandler) closeExhausted(ctx context.Context, out *wsWriter, handle *session.Handle) {
	if err := handle.End(ctx, "", "token_limit_reached"); err != nil {
		h.logger().Warn("close after exhaustion failed", "session_id", handle.ID, "error", err)
	}
	_ = out.WriteJSON(protocol.ServerTokenLimitExceeded{
		Type:    "token_limit_exceeded",
		Message: "the session token quota has been used up",
	})
	_ = out.WriteJSON(protocol.ServerSessionEnded{
		Type:      "session_ended",
		SessionID: handle.ID.String(),
		Outcome:   "token_limit_reached",
	})
	out.Close(websocket.CloseNormalClosure, "token limit reached")
}

func (h LiveHandler) sendInit(out *wsWriter, handle *session.Handle, resumed bool) {
	_ = out.WriteJSON(protocol.ServerSessionInit{
		Type:            "session_init",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       handle.ID.String(),
		SessionType:     string(handle.SessionType),
		Resumed:         resumed,
		NewUser:         handle.NewUser,
	})
}

func (h LiveHandler) sendUsage(out *wsWriter, handle *session.Handle) {
	u := handle.Usage()
	_ = out.WriteJSON(protocol.ServerTokenUsage{
		Type:            "token_usage",
		TokensUsed:      u.TokensUsed,
		MaxTokens:       u.MaxTokens,
		TokensRemaining: u.TokensRemaining,
		CoinsUsed:       u.CoinsUsed,
		CoinsRemaining:  u.CoinsRemaining,
		MaxCoins:        u.MaxCoins,
		TokensPerCoin:   u.TokensPerCoin,
	})
}

// writeCoreError maps a pipeline or session error onto the wire.
func (h LiveHandler) writeCoreError(out *wsWriter, err error, close bool) {
	var ce *core.Error
	if !errors.As(err, &ce) {
		h.writeError(out, "internal", "internal error", "", false, close)
		return
	}

	switch ce.Type {
	case core.ErrIdentity:
		h.writeError(out, "identity_unresolved", ce.Message, ce.Param, false, close)
	case core.ErrGeneration:
		h.writeError(out, "generation_failed", "could not produce a reply, please try again", "", true, close)
	case core.ErrSessionEnded:
		h.writeError(out, "session_ended", ce.Message, "", false, close)
	case core.ErrPersistence:
		h.writeError(out, "storage_unavailable", "temporary storage failure, please retry", "", true, close)
	case core.ErrInvalidRequest:
		h.writeError(out, "bad_request", ce.Message, ce.Param, false, close)
	default:
		h.writeError(out, "internal", "internal error", "", false, close)
	}
}

func (h LiveHandler) writeDecodeError(out *wsWriter, err error, close bool) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		h.writeError(out, de.Code, de.Message, de.Param, false, close)
		return
	}
	h.writeError(out, "bad_request", "invalid frame", "", false, close)
}

func (h LiveHandler) writeError(out *wsWriter, code, message, param string, retryable, close bool) {
	_ = out.WriteJSON(protocol.ServerError{
		Type:      "error",
		Code:      code,
		Message:   message,
		Param:     param,
		Retryable: retryable,
		Close:     close,
	})
	if close {
		out.Close(websocket.ClosePolicyViolation, message)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
