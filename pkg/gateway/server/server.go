package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/pitchline/pkg/gateway/config"
	"github.com/vango-go/pitchline/pkg/gateway/handlers"
	"github.com/vango-go/pitchline/pkg/gateway/live/sessions"
	"github.com/vango-go/pitchline/pkg/gateway/mw"
	"github.com/vango-go/pitchline/pkg/gateway/ratelimit"
	"github.com/vango-go/pitchline/pkg/session"
)

// Deps carries the wired backends the server routes requests into.
// Probes are optional; a nil probe reports ready.
type Deps struct {
	Manager   *session.Manager
	PingDB    func(r *http.Request) error
	PingCache func(r *http.Request) error
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps    Deps
	limiter *ratelimit.Limiter
	live    *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.LimitMaxWSSessions,
		}),
		live: sessions.NewTracker(),
	}

	s.routes()
	return s
}

// LiveSessions exposes the connection tracker so shutdown can drain
// open WebSockets before the listener closes.
func (s *Server) LiveSessions() *sessions.Tracker {
	return s.live
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		PingDB:    s.deps.PingDB,
		PingCache: s.deps.PingCache,
	})
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Manager:      s.deps.Manager,
		Logger:       s.logger,
		Limiter:      s.limiter,
		LiveSessions: s.live,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.cfg, s.logger, h)
	h = mw.RequestID(h)
	return h
}
