// Package metrics holds the Prometheus collectors shared by workers, the job
// dispatcher and the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Workers ────────────────────────────────────────────────────────────────

	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "worker",
		Name:      "ticks_total",
		Help:      "Periodic worker ticks, labelled by worker and outcome.",
	}, []string{"worker", "status"})

	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostflow",
		Subsystem: "worker",
		Name:      "running",
		Help:      "Workers currently in the running state.",
	})

	WorkerStopTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "worker",
		Name:      "stop_timeouts_total",
		Help:      "Workers that did not acknowledge a stop in time.",
	}, []string{"worker"})

	// ─── Jobs ───────────────────────────────────────────────────────────────────

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Jobs accepted by Enqueue.",
	}, []string{"type"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Jobs dispatched, labelled by type and terminal status.",
	}, []string{"type", "status"})

	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hostflow",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job handler execution time in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"type"})

	// ─── Events ─────────────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published on the local bus.",
	}, []string{"event"})

	EventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostflow",
		Subsystem: "events",
		Name:      "handler_failures_total",
		Help:      "Event handler invocations that failed and aborted a publish.",
	}, []string{"event"})
)
