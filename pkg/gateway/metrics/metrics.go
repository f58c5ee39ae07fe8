// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitchline_active_sessions",
			Help: "Number of live WebSocket sessions currently open",
		},
	)

	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchline_sessions_started_total",
			Help: "Sessions started, by session type and whether resumed",
		},
		[]string{"session_type", "resumed"},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchline_sessions_ended_total",
			Help: "Sessions ended, by outcome",
		},
		[]string{"outcome"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchline_turns_total",
			Help: "Completed turns, by session type and result",
		},
		[]string{"session_type", "result"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pitchline_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"session_type"},
	)

	TokensCharged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitchline_tokens_charged_total",
			Help: "Provider tokens charged against session quotas",
		},
	)

	QuotaExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitchline_quota_exhaustions_total",
			Help: "Sessions closed because the token quota ran out",
		},
	)
)
