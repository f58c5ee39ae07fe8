package config

import (
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"PITCHLINE_ADDR",
	"PITCHLINE_AUTH_MODE",
	"PITCHLINE_API_KEYS",
	"PITCHLINE_TRUST_PROXY_HEADERS",
	"PITCHLINE_CORS_ORIGINS",
	"PITCHLINE_MAX_TOKENS",
	"PITCHLINE_MAX_COINS",
	"PITCHLINE_DATABASE_URL",
	"PITCHLINE_MIGRATE_ON_START",
	"PITCHLINE_REDIS_ADDR",
	"PITCHLINE_REDIS_PASSWORD",
	"PITCHLINE_REDIS_DB",
	"PITCHLINE_SESSION_TTL",
	"PITCHLINE_TURN_LOCK_TTL",
	"PITCHLINE_HISTORY_WINDOW",
	"PITCHLINE_REHYDRATE_TURNS",
	"PITCHLINE_GEMINI_API_KEY",
	"PITCHLINE_GEMINI_MODEL",
	"PITCHLINE_GEMINI_TEMPERATURE",
	"PITCHLINE_GENERATION_ATTEMPTS",
	"PITCHLINE_GENERATION_RETRY_DELAY",
	"PITCHLINE_STRIPE_API_KEY",
	"PITCHLINE_LIVE_MAX_JSON_MESSAGE_BYTES",
	"PITCHLINE_LIVE_WS_PING_INTERVAL",
	"PITCHLINE_LIVE_WS_WRITE_TIMEOUT",
	"PITCHLINE_LIVE_HANDSHAKE_TIMEOUT",
	"PITCHLINE_LIVE_TURN_TIMEOUT",
	"PITCHLINE_LIVE_MAX_DURATION",
	"PITCHLINE_RATE_LIMIT_RPS",
	"PITCHLINE_RATE_LIMIT_BURST",
	"PITCHLINE_MAX_CONCURRENT_REQUESTS",
	"PITCHLINE_MAX_WS_SESSIONS",
	"PITCHLINE_READ_HEADER_TIMEOUT",
	"PITCHLINE_READ_TIMEOUT",
	"PITCHLINE_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PITCHLINE_DATABASE_URL", "postgres://localhost:5432/pitchline")
	t.Setenv("PITCHLINE_GEMINI_API_KEY", "test-key")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("PITCHLINE_API_KEYS", "pl_sk_test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.TrustProxyHeaders != false {
		t.Fatalf("TrustProxyHeaders = %v, want false", cfg.TrustProxyHeaders)
	}
	if cfg.MaxTokens != 50000 {
		t.Fatalf("MaxTokens = %d, want 50000", cfg.MaxTokens)
	}
	if cfg.MaxCoins != 100 {
		t.Fatalf("MaxCoins = %d, want 100", cfg.MaxCoins)
	}
	if !cfg.MigrateOnStart {
		t.Fatalf("MigrateOnStart = false, want true")
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
	if cfg.TurnLockTTL != time.Minute {
		t.Fatalf("TurnLockTTL = %v, want 1m", cfg.TurnLockTTL)
	}
	if cfg.HistoryWindow != 20 {
		t.Fatalf("HistoryWindow = %d, want 20", cfg.HistoryWindow)
	}
	if cfg.GeminiModel != "gemini-2.0-flash" {
		t.Fatalf("GeminiModel = %q", cfg.GeminiModel)
	}
	if cfg.GeminiTemperature != 0.7 {
		t.Fatalf("GeminiTemperature = %v, want 0.7", cfg.GeminiTemperature)
	}
	if cfg.GenerationAttempts != 3 {
		t.Fatalf("GenerationAttempts = %d, want 3", cfg.GenerationAttempts)
	}
	if cfg.GenerationRetryDelay != 500*time.Millisecond {
		t.Fatalf("GenerationRetryDelay = %v, want 500ms", cfg.GenerationRetryDelay)
	}
	if cfg.StripeAPIKey != "" {
		t.Fatalf("StripeAPIKey = %q, want empty", cfg.StripeAPIKey)
	}
	if cfg.LiveMaxJSONMessageBytes != 64*1024 {
		t.Fatalf("LiveMaxJSONMessageBytes = %d, want 65536", cfg.LiveMaxJSONMessageBytes)
	}
	if cfg.LiveWSPingInterval != 20*time.Second {
		t.Fatalf("LiveWSPingInterval = %v, want 20s", cfg.LiveWSPingInterval)
	}
	if cfg.LiveWSWriteTimeout != 5*time.Second {
		t.Fatalf("LiveWSWriteTimeout = %v, want 5s", cfg.LiveWSWriteTimeout)
	}
	if cfg.LiveHandshakeTimeout != 5*time.Second {
		t.Fatalf("LiveHandshakeTimeout = %v, want 5s", cfg.LiveHandshakeTimeout)
	}
	if cfg.LiveTurnTimeout != 30*time.Second {
		t.Fatalf("LiveTurnTimeout = %v, want 30s", cfg.LiveTurnTimeout)
	}
	if cfg.LiveMaxSessionDuration != 2*time.Hour {
		t.Fatalf("LiveMaxSessionDuration = %v, want 2h", cfg.LiveMaxSessionDuration)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("PITCHLINE_ADDR", ":9090")
	t.Setenv("PITCHLINE_AUTH_MODE", "optional")
	t.Setenv("PITCHLINE_API_KEYS", "k1,k2")
	t.Setenv("PITCHLINE_TRUST_PROXY_HEADERS", "true")
	t.Setenv("PITCHLINE_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("PITCHLINE_MAX_TOKENS", "1000")
	t.Setenv("PITCHLINE_MAX_COINS", "4")
	t.Setenv("PITCHLINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PITCHLINE_REDIS_DB", "3")
	t.Setenv("PITCHLINE_SESSION_TTL", "12h")
	t.Setenv("PITCHLINE_TURN_LOCK_TTL", "45s")
	t.Setenv("PITCHLINE_HISTORY_WINDOW", "30")
	t.Setenv("PITCHLINE_GEMINI_MODEL", "gemini-2.0-pro")
	t.Setenv("PITCHLINE_GEMINI_TEMPERATURE", "0.2")
	t.Setenv("PITCHLINE_GENERATION_ATTEMPTS", "5")
	t.Setenv("PITCHLINE_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("PITCHLINE_LIVE_TURN_TIMEOUT", "31s")
	t.Setenv("PITCHLINE_RATE_LIMIT_RPS", "3.5")
	t.Setenv("PITCHLINE_RATE_LIMIT_BURST", "8")
	t.Setenv("PITCHLINE_SHUTDOWN_GRACE_PERIOD", "31s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.AuthMode != AuthModeOptional {
		t.Fatalf("Addr/AuthMode = %q/%q", cfg.Addr, cfg.AuthMode)
	}
	if cfg.MaxTokens != 1000 || cfg.MaxCoins != 4 {
		t.Fatalf("quota = %d/%d, want 1000/4", cfg.MaxTokens, cfg.MaxCoins)
	}
	if cfg.RedisAddr != "redis.internal:6380" || cfg.RedisDB != 3 {
		t.Fatalf("redis = %q/%d", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.SessionTTL != 12*time.Hour || cfg.TurnLockTTL != 45*time.Second {
		t.Fatalf("ttls = %v/%v", cfg.SessionTTL, cfg.TurnLockTTL)
	}
	if cfg.HistoryWindow != 30 {
		t.Fatalf("HistoryWindow = %d, want 30", cfg.HistoryWindow)
	}
	if cfg.GeminiModel != "gemini-2.0-pro" || cfg.GeminiTemperature != 0.2 || cfg.GenerationAttempts != 5 {
		t.Fatalf("generation config mismatch: %q/%v/%d", cfg.GeminiModel, cfg.GeminiTemperature, cfg.GenerationAttempts)
	}
	if cfg.StripeAPIKey != "sk_test_123" {
		t.Fatalf("StripeAPIKey = %q", cfg.StripeAPIKey)
	}
	if cfg.LiveTurnTimeout != 31*time.Second {
		t.Fatalf("LiveTurnTimeout = %v, want 31s", cfg.LiveTurnTimeout)
	}
	if cfg.LimitRPS != 3.5 || cfg.LimitBurst != 8 {
		t.Fatalf("rate limits mismatch: %v/%d", cfg.LimitRPS, cfg.LimitBurst)
	}
	if cfg.ShutdownGracePeriod != 31*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 31s", cfg.ShutdownGracePeriod)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys len=%d, want 2", len(cfg.APIKeys))
	}
	if _, ok := cfg.APIKeys["k1"]; !ok {
		t.Fatalf("expected API key k1")
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins len=%d, want 2", len(cfg.CORSAllowedOrigins))
	}
	if !cfg.TrustProxyHeaders {
		t.Fatalf("TrustProxyHeaders = false, want true")
	}
}

func TestLoadFromEnv_RequiredAuthNeedsAPIKeys(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("PITCHLINE_AUTH_MODE", "required")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "PITCHLINE_API_KEYS") {
		t.Fatalf("error = %v, expected PITCHLINE_API_KEYS in message", err)
	}
}

func TestLoadFromEnv_ParsesCSVOrigins(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("PITCHLINE_AUTH_MODE", "optional")
	t.Setenv("PITCHLINE_CORS_ORIGINS", "https://one.example, https://two.example,,")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins len=%d, want 2", len(cfg.CORSAllowedOrigins))
	}
	if _, ok := cfg.CORSAllowedOrigins["https://two.example"]; !ok {
		t.Fatalf("missing https://two.example")
	}
}

func TestLoadFromEnv_InvalidBounds(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name: "missing database url",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":    "optional",
				"PITCHLINE_DATABASE_URL": "",
			},
			errSubstr: "PITCHLINE_DATABASE_URL",
		},
		{
			name: "coins exceed tokens",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":  "optional",
				"PITCHLINE_MAX_TOKENS": "10",
				"PITCHLINE_MAX_COINS":  "100",
			},
			errSubstr: "PITCHLINE_MAX_TOKENS must be >=",
		},
		{
			name: "zero coins",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE": "optional",
				"PITCHLINE_MAX_COINS": "0",
			},
			errSubstr: "PITCHLINE_MAX_COINS",
		},
		{
			name: "turn lock ttl too short",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":     "optional",
				"PITCHLINE_TURN_LOCK_TTL": "1s",
			},
			errSubstr: "PITCHLINE_TURN_LOCK_TTL",
		},
		{
			name: "turn lock ttl too long",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":     "optional",
				"PITCHLINE_TURN_LOCK_TTL": "10m",
			},
			errSubstr: "PITCHLINE_TURN_LOCK_TTL",
		},
		{
			name: "invalid temperature",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":          "optional",
				"PITCHLINE_GEMINI_TEMPERATURE": "3.5",
			},
			errSubstr: "PITCHLINE_GEMINI_TEMPERATURE",
		},
		{
			name: "zero generation attempts",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":           "optional",
				"PITCHLINE_GENERATION_ATTEMPTS": "0",
			},
			errSubstr: "PITCHLINE_GENERATION_ATTEMPTS",
		},
		{
			name: "invalid shutdown grace period",
			env: map[string]string{
				"PITCHLINE_AUTH_MODE":             "optional",
				"PITCHLINE_SHUTDOWN_GRACE_PERIOD": "0s",
			},
			errSubstr: "PITCHLINE_SHUTDOWN_GRACE_PERIOD",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			setRequiredEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}
