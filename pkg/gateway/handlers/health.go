package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/pitchline/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config

	// Probes are live dependency checks (Postgres, Redis). Nil probes
	// are skipped so tests can construct the handler bare.
	PingDB    func(r *http.Request) error
	PingCache func(r *http.Request) error
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		BillingEnabled bool     `json:"billing_enabled"`
		LimitsEnabled  bool     `json:"limits_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.MaxTokens <= 0 {
		issues = append(issues, "max tokens must be > 0")
	}
	if h.Config.MaxCoins <= 0 {
		issues = append(issues, "max coins must be > 0")
	}
	if h.Config.MaxCoins > h.Config.MaxTokens {
		issues = append(issues, "max coins must be <= max tokens")
	}
	if h.Config.DatabaseURL == "" {
		issues = append(issues, "database url is not configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "model api key is not configured")
	}
	if h.Config.LiveTurnTimeout <= 0 {
		issues = append(issues, "turn timeout must be > 0")
	}
	if h.Config.LiveMaxSessionDuration <= 0 {
		issues = append(issues, "max session duration must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	if h.PingDB != nil {
		if err := h.PingDB(r); err != nil {
			issues = append(issues, "database unreachable: "+err.Error())
		}
	}
	if h.PingCache != nil {
		if err := h.PingCache(r); err != nil {
			issues = append(issues, "cache unreachable: "+err.Error())
		}
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0 ||
		h.Config.LimitMaxWSSessions > 0

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		BillingEnabled: h.Config.StripeAPIKey != "",
		LimitsEnabled:  limitsEnabled,
		Issues:         issues,
	})
}
