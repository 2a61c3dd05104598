// Package metrics defines Calcifer's Prometheus collectors and the HTTP
// server that exposes them for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors, registered against the default registry by
// promauto at package initialization like the teacher's alert-exporter
// metrics.
var (
	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcifer_reconcile_outcomes_total",
		Help: "Total number of reconcile cycles by outcome",
	}, []string{"outcome"})

	ReconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calcifer_reconcile_duration_seconds",
		Help:    "Time spent in a single reconcile(deviceId) call",
		Buckets: prometheus.DefBuckets,
	})

	DispatchCommandsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_dispatch_commands_sent_total",
		Help: "Total number of outbound commands published by the dispatcher",
	})

	DispatchDebouncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_dispatch_debounced_total",
		Help: "Total number of DesiredStateCalculated events coalesced into a pending timer",
	})

	DispatchSkippedUnhealthyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_dispatch_skipped_unhealthy_total",
		Help: "Total number of dispatches skipped because infrastructure was unhealthy",
	})

	DispatchSkippedConvergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_dispatch_skipped_converged_total",
		Help: "Total number of dispatches skipped because the twin had already converged",
	})

	OverridesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_overrides_expired_total",
		Help: "Total number of overrides removed by the expiration sweeper",
	})

	IdempotencyDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_idempotency_dropped_total",
		Help: "Total number of inbound feedback messages dropped as duplicates",
	})

	WorkerPoolOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_logic_worker_pool_overflow_total",
		Help: "Total number of reconcile tasks run synchronously on the submitting goroutine because the worker pool was saturated",
	})

	InfrastructureHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calcifer_infrastructure_healthy",
		Help: "1 if the named infrastructure component is currently healthy, else 0",
	}, []string{"component"})

	TwinOrphansSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_twin_orphans_swept_total",
		Help: "Total number of active-OUTPUT index entries removed by the daily orphan sweep",
	})

	TwinStaleDevicesFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcifer_twin_stale_devices_flagged_total",
		Help: "Total number of devices flagged by the staleness sweep for having no recorded activity within the configured staleness window",
	})
)

// Recorder adapts the package collectors to internal/dispatch.Recorder,
// so the dispatcher's counters flow straight into Prometheus.
type Recorder struct{}

// NewRecorder returns a Recorder. There is no per-instance state: every
// method writes to the shared package-level collectors.
func NewRecorder() Recorder { return Recorder{} }

func (Recorder) Debounced()        { DispatchDebouncedTotal.Inc() }
func (Recorder) SkippedUnhealthy() { DispatchSkippedUnhealthyTotal.Inc() }
func (Recorder) SkippedConverged() { DispatchSkippedConvergedTotal.Inc() }
func (Recorder) Sent()             { DispatchCommandsSentTotal.Inc() }

// ObserveReconcile records the outcome and wall-clock duration of a single
// reconcile(deviceId) call.
func ObserveReconcile(outcome string, duration time.Duration) {
	ReconcileOutcomesTotal.WithLabelValues(outcome).Inc()
	ReconcileDurationSeconds.Observe(duration.Seconds())
}

// ReconcileRecorder adapts the package-level reconcile collectors to
// internal/reconcile.OutcomeRecorder.
type ReconcileRecorder struct{}

// NewReconcileRecorder returns a ReconcileRecorder. There is no per-instance
// state: every call writes to the shared package-level collectors.
func NewReconcileRecorder() ReconcileRecorder { return ReconcileRecorder{} }

func (ReconcileRecorder) ObserveReconcile(outcome string, duration time.Duration) {
	ObserveReconcile(outcome, duration)
}

// IdempotencyRecorder adapts IdempotencyDroppedTotal to
// internal/messaging.DropRecorder.
type IdempotencyRecorder struct{}

// NewIdempotencyRecorder returns an IdempotencyRecorder. There is no
// per-instance state: every call writes to the shared package-level
// collector.
func NewIdempotencyRecorder() IdempotencyRecorder { return IdempotencyRecorder{} }

func (IdempotencyRecorder) DroppedDuplicate() { IdempotencyDroppedTotal.Inc() }

// SetComponentHealthy records a component's health-transition state for the
// calcifer_infrastructure_healthy gauge.
func SetComponentHealthy(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	InfrastructureHealthy.WithLabelValues(component).Set(value)
}
