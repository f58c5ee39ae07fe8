package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/pitchline/pkg/agent"
	"github.com/vango-go/pitchline/pkg/billing"
	"github.com/vango-go/pitchline/pkg/gateway/config"
	gatewayserver "github.com/vango-go/pitchline/pkg/gateway/server"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/quota"
	"github.com/vango-go/pitchline/pkg/session"
)

// backends holds everything the gateway talks to. Close order matters:
// the cache goes first so in-flight turn locks expire naturally.
type backends struct {
	store   *memory.Postgres
	cache   *memory.Cache
	manager *session.Manager
}

func (b *backends) Close() {
	if b.cache != nil {
		_ = b.cache.Close()
	}
	if b.store != nil {
		b.store.Close()
	}
}

type gatewayDeps struct {
	loadConfig    func() (config.Config, error)
	buildBackends func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:    config.LoadFromEnv,
		buildBackends: buildBackends,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	store, err := memory.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	cache, err := memory.NewCache(ctx, memory.CacheConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		SessionTTL:  cfg.SessionTTL,
		TurnLockTTL: cfg.TurnLockTTL,
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	model, err := agent.NewGemini(ctx, agent.GeminiConfig{
		APIKey:      cfg.GeminiAPIKey,
		Model:       cfg.GeminiModel,
		Temperature: float32(cfg.GeminiTemperature),
	})
	if err != nil {
		cache.Close()
		store.Close()
		return nil, fmt.Errorf("init model client: %w", err)
	}

	tracker, err := quota.New(quota.Config{
		MaxTokens: cfg.MaxTokens,
		MaxCoins:  cfg.MaxCoins,
	})
	if err != nil {
		cache.Close()
		store.Close()
		return nil, fmt.Errorf("init quota tracker: %w", err)
	}

	var reporter session.UsageReporter
	if cfg.StripeAPIKey != "" {
		r, err := billing.NewStripeReporter(cfg.StripeAPIKey, logger)
		if err != nil {
			cache.Close()
			store.Close()
			return nil, fmt.Errorf("init billing reporter: %w", err)
		}
		reporter = r
	}

	pipeline := &agent.Pipeline{
		Identity: &agent.IdentityNode{Users: store, Logger: logger},
		Retriever: &agent.MemoryRetriever{
			Store:         store,
			Cache:         cache,
			HistoryWindow: cfg.HistoryWindow,
			Logger:        logger,
		},
		Responder: &agent.Responder{
			Model:        model,
			MaxAttempts:  uint64(cfg.GenerationAttempts),
			RetryBackoff: cfg.GenerationRetryDelay,
			Logger:       logger,
		},
		Extractor: &agent.ProfileExtractor{Model: model, Logger: logger},
		Writer:    &agent.MemoryWriter{Store: store, Cache: cache, Logger: logger},
		Logger:    logger,
	}

	manager := &session.Manager{
		Store:           store,
		Cache:           cache,
		Tracker:         tracker,
		Pipeline:        pipeline,
		Reporter:        reporter,
		Logger:          logger,
		RehydrateWindow: cfg.RehydrateTurns,
	}

	return &backends{store: store, cache: cache, manager: manager}, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildBackends == nil {
		return errors.New("missing buildBackends dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	be, err := deps.buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	gw := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Manager: be.manager,
		PingDB: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return be.store.Ping(pingCtx)
		},
		PingCache: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return be.cache.Ping(pingCtx)
		},
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"max_tokens", cfg.MaxTokens,
		"max_coins", cfg.MaxCoins,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Warn live callers, give them the grace period to finish their
	// turn and disconnect, then cut whoever is left.
	notified := gw.LiveSessions().DrainAll("server is shutting down")
	logger.Info("draining live sessions", "notified", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.LiveSessions().Wait(waitCtx) {
		logger.Warn("grace period expired, closing remaining sessions", "open", gw.LiveSessions().Count())
		gw.LiveSessions().CancelAll()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "pitchline: load .env: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "pitchline: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
