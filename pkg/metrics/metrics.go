package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure|banned|locked).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// BansIssued counts bans created, labelled by kind (user|ip) and permanence.
	BansIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_bans_issued_total",
			Help: "Total number of bans recorded in the ledger",
		},
		[]string{"kind", "permanent"},
	)

	// AppealsReviewed counts appeal review decisions (approved|rejected|more_info_requested).
	AppealsReviewed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_appeals_reviewed_total",
			Help: "Total number of appeal review decisions",
		},
		[]string{"decision"},
	)

	// SessionsEvicted counts sessions removed by the per-role limit enforcement.
	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sessions_evicted_total",
			Help: "Sessions evicted by session-limit enforcement",
		},
	)

	// ActiveSessions tracks device sessions that are neither revoked nor evicted.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Number of active device sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
