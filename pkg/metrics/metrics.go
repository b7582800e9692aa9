package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live collaborative sessions held in memory.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosession_active_sessions",
			Help: "Number of live collaborative sessions",
		},
	)

	// SessionsCreated counts sessions created through the API or by joining an unknown id.
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosession_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	// SessionsDeleted counts sessions removed because they became empty or idle (reason=empty|idle).
	SessionsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosession_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
		[]string{"reason"},
	)

	// Mutations counts state machine operations by operation and outcome (ok|not_found|forbidden|invalid|error).
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosession_mutations_total",
			Help: "Total number of session mutations",
		},
		[]string{"operation", "result"},
	)

	// Participants tracks the total number of participants across live sessions.
	Participants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosession_participants",
			Help: "Number of participants across live sessions",
		},
	)

	// StreamSubscribers tracks open websocket subscriptions.
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosession_stream_subscribers",
			Help: "Number of open session stream subscriptions",
		},
	)

	// SnapshotFlushes records persistence flushes by result (success|failure).
	SnapshotFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosession_snapshot_flushes_total",
			Help: "Total number of session snapshot flushes",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosession_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
