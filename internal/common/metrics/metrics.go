// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	// SpawnsTotal counts sandbox spawns by backend and outcome.
	SpawnsTotal *prometheus.CounterVec

	// TimeoutsTotal counts startup and turn timeouts.
	TimeoutsTotal *prometheus.CounterVec

	// MountRejectionsTotal counts spawns aborted by mount policy.
	MountRejectionsTotal prometheus.Counter

	// IPCRequestsTotal counts handled IPC requests by type and result.
	IPCRequestsTotal *prometheus.CounterVec

	// ActiveSandboxes tracks the number of RUNNING sandboxes.
	ActiveSandboxes prometheus.Gauge

	// TurnDuration observes wall-clock time per sandbox run.
	TurnDuration prometheus.Histogram
}

// New registers the orchestrator collectors with reg. A nil registerer
// yields collectors registered nowhere, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SpawnsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "burrow_sandbox_spawns_total",
			Help: "Total number of sandbox spawn attempts.",
		}, []string{"backend", "outcome"}),

		TimeoutsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "burrow_sandbox_timeouts_total",
			Help: "Total number of sandbox timeouts by kind.",
		}, []string{"kind"}),

		MountRejectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "burrow_mount_rejections_total",
			Help: "Total number of spawns aborted by mount policy.",
		}),

		IPCRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "burrow_ipc_requests_total",
			Help: "Total number of IPC requests answered.",
		}, []string{"type", "result"}),

		ActiveSandboxes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "burrow_active_sandboxes",
			Help: "Number of sandboxes currently running.",
		}),

		TurnDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "burrow_sandbox_run_duration_seconds",
			Help:    "Histogram of sandbox run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}
