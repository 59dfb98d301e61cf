// Package metrics registers the Prometheus collectors for the queue
// and the request executor. Collectors are package-level and registered
// with the default registry via promauto, exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingTasks is a gauge for the current size of the pending set.
	PendingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrelay_pending_tasks",
			Help: "Current number of tasks in the pending set.",
		},
	)

	// ActiveTasks is a gauge for the current size of the active set.
	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrelay_active_tasks",
			Help: "Current number of tasks handed to the execution facility.",
		},
	)

	// TasksEnqueued is a counter for admitted tasks.
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrelay_tasks_enqueued_total",
			Help: "Total number of tasks admitted to the queue.",
		},
	)

	// TasksRejected is a counter for enqueue attempts rejected by backpressure.
	TasksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrelay_tasks_rejected_total",
			Help: "Total number of enqueue attempts rejected because the queue was full.",
		},
	)

	// Attempts is a counter for executed request attempts, by outcome.
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrelay_attempts_total",
			Help: "Total number of request attempts, labelled by outcome.",
		},
		[]string{"outcome"},
	)

	// TasksCompleted is a counter for tasks reaching a terminal status.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrelay_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status, labelled by status.",
		},
		[]string{"status"},
	)

	// AttemptDurationSeconds is a histogram for request attempt durations.
	AttemptDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskrelay_attempt_duration_seconds",
			Help:    "Duration of request attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Attempt outcome label values.
const (
	OutcomeSuccess      = "success"
	OutcomeRetry        = "retry"
	OutcomeConnectivity = "connectivity"
	OutcomeFailure      = "failure"
)
