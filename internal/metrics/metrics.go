// Package metrics holds the process-wide Prometheus collectors.
// These are the only package-level mutable values in the codebase;
// everything else is injected through the Runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsTotal counts governor admission decisions by outcome
	// (granted, system_saturated, user_saturated, db_saturated).
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkwell_admissions_total",
		Help: "Governor admission decisions by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks queue entries by status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inkwell_queue_depth",
		Help: "Queue entries by status.",
	}, []string{"status"})

	// TasksProcessedTotal counts finished pipeline runs by terminal status.
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkwell_tasks_processed_total",
		Help: "Finished pipeline runs by terminal status.",
	}, []string{"status"})

	// StageDuration observes wall-clock seconds per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inkwell_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	// AICallsTotal counts model invocations by outcome (ok, error,
	// invalid, reused).
	AICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkwell_ai_calls_total",
		Help: "Model invocations by outcome.",
	}, []string{"outcome"})

	// LogEntriesDroppedTotal counts log entries lost to persistence backpressure.
	LogEntriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkwell_log_entries_dropped_total",
		Help: "Task log entries dropped because the persist buffer was full.",
	})

	// WSConnections tracks live log stream subscribers.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inkwell_ws_connections",
		Help: "Live WebSocket log subscribers.",
	})
)
