package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Session quota. MaxTokens is the hard per-session ceiling; the
	// client-facing coin scale divides it into MaxCoins units.
	MaxTokens int64
	MaxCoins  int64

	// Durable tier.
	DatabaseURL    string
	MigrateOnStart bool

	// Cache tier.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SessionTTL     time.Duration
	TurnLockTTL    time.Duration
	HistoryWindow  int
	RehydrateTurns int

	// Generation.
	GeminiAPIKey         string
	GeminiModel          string
	GeminiTemperature    float64
	GenerationAttempts   int
	GenerationRetryDelay time.Duration

	// Billing. Empty key disables usage reporting.
	StripeAPIKey string

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveHandshakeTimeout    time.Duration
	LiveTurnTimeout         time.Duration
	LiveMaxSessionDuration  time.Duration

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxWSSessions         int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("PITCHLINE_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("PITCHLINE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("PITCHLINE_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:         make(map[string]struct{}),
		MaxTokens:                  envInt64Or("PITCHLINE_MAX_TOKENS", 50000),
		MaxCoins:                   envInt64Or("PITCHLINE_MAX_COINS", 100),
		DatabaseURL:                envOr("PITCHLINE_DATABASE_URL", ""),
		MigrateOnStart:             envBoolOr("PITCHLINE_MIGRATE_ON_START", true),
		RedisAddr:                  envOr("PITCHLINE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:              envOr("PITCHLINE_REDIS_PASSWORD", ""),
		RedisDB:                    envIntOr("PITCHLINE_REDIS_DB", 0),
		SessionTTL:                 envDurationOr("PITCHLINE_SESSION_TTL", 24*time.Hour),
		TurnLockTTL:                envDurationOr("PITCHLINE_TURN_LOCK_TTL", time.Minute),
		HistoryWindow:              envIntOr("PITCHLINE_HISTORY_WINDOW", 20),
		RehydrateTurns:             envIntOr("PITCHLINE_REHYDRATE_TURNS", 20),
		GeminiAPIKey:               envOr("PITCHLINE_GEMINI_API_KEY", ""),
		GeminiModel:                envOr("PITCHLINE_GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTemperature:          envFloat64Or("PITCHLINE_GEMINI_TEMPERATURE", 0.7),
		GenerationAttempts:         envIntOr("PITCHLINE_GENERATION_ATTEMPTS", 3),
		GenerationRetryDelay:       envDurationOr("PITCHLINE_GENERATION_RETRY_DELAY", 500*time.Millisecond),
		StripeAPIKey:               envOr("PITCHLINE_STRIPE_API_KEY", ""),
		LiveMaxJSONMessageBytes:    envInt64Or("PITCHLINE_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:         envDurationOr("PITCHLINE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("PITCHLINE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:       envDurationOr("PITCHLINE_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveTurnTimeout:            envDurationOr("PITCHLINE_LIVE_TURN_TIMEOUT", 30*time.Second),
		LiveMaxSessionDuration:     envDurationOr("PITCHLINE_LIVE_MAX_DURATION", 2*time.Hour),
		LimitRPS:                   envFloat64Or("PITCHLINE_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("PITCHLINE_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests: envIntOr("PITCHLINE_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxWSSessions:         envIntOr("PITCHLINE_MAX_WS_SESSIONS", 8),
		ReadHeaderTimeout:          envDurationOr("PITCHLINE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("PITCHLINE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("PITCHLINE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("PITCHLINE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("PITCHLINE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("PITCHLINE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxCoins < 1 {
		return Config{}, fmt.Errorf("PITCHLINE_MAX_COINS must be >= 1")
	}
	if cfg.MaxTokens < cfg.MaxCoins {
		return Config{}, fmt.Errorf("PITCHLINE_MAX_TOKENS must be >= PITCHLINE_MAX_COINS")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("PITCHLINE_DATABASE_URL must be set")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("PITCHLINE_REDIS_ADDR must not be empty")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_REDIS_DB must be >= 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_SESSION_TTL must be > 0")
	}
	if cfg.TurnLockTTL < 5*time.Second || cfg.TurnLockTTL > 5*time.Minute {
		return Config{}, fmt.Errorf("PITCHLINE_TURN_LOCK_TTL must be between 5s and 5m")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_HISTORY_WINDOW must be > 0")
	}
	if cfg.RehydrateTurns <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_REHYDRATE_TURNS must be > 0")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("PITCHLINE_GEMINI_API_KEY must be set")
	}
	if cfg.GeminiTemperature < 0 || cfg.GeminiTemperature > 2 {
		return Config{}, fmt.Errorf("PITCHLINE_GEMINI_TEMPERATURE must be in [0, 2]")
	}
	if cfg.GenerationAttempts < 1 {
		return Config{}, fmt.Errorf("PITCHLINE_GENERATION_ATTEMPTS must be >= 1")
	}
	if cfg.GenerationRetryDelay <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_GENERATION_RETRY_DELAY must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveTurnTimeout < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_TURN_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxWSSessions < 0 {
		return Config{}, fmt.Errorf("PITCHLINE_MAX_WS_SESSIONS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("PITCHLINE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("PITCHLINE_API_KEYS must be set when PITCHLINE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
