// Package observability holds the bot's Prometheus metrics and the HTTP
// server that exposes them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "groupkeeper"

// Metrics holds every collector the core updates.
type Metrics struct {
	// Deletion engine
	DeletionsScheduled *prometheus.CounterVec
	DeletionsExecuted  *prometheus.CounterVec
	DeletionsRequeued  *prometheus.CounterVec
	DeletionQueueDepth prometheus.Gauge
	DeletionsFailed    prometheus.Gauge
	DeletionLag        prometheus.Histogram

	// Broadcasts
	BroadcastsSent *prometheus.CounterVec
	BroadcastLag   *prometheus.GaugeVec

	// Drift
	DriftDetected  *prometheus.CounterVec
	DriftLastGap   prometheus.Gauge
	RecoveryTime   prometheus.Histogram
	DrainProcessed prometheus.Counter

	// Statistics recovery
	StatsRecoveredRows prometheus.Counter
	StatsDowntime      prometheus.Gauge

	// Platform
	PlatformErrors *prometheus.CounterVec
	BreakerState   prometheus.Gauge
	UpdatesDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg.
// A nil reg gets a private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initDeletionMetrics(factory)
	m.initBroadcastMetrics(factory)
	m.initDriftMetrics(factory)
	m.initPlatformMetrics(factory)
	return m
}

func (m *Metrics) initDeletionMetrics(factory promauto.Factory) {
	m.DeletionsScheduled = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "scheduled_total",
		Help:      "Deletion tasks accepted, by message type",
	}, []string{"type"})

	m.DeletionsExecuted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "executed_total",
		Help:      "Deletion attempts by outcome",
	}, []string{"outcome"})

	m.DeletionsRequeued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "requeued_total",
		Help:      "Deletion tasks pushed back after a transient error",
	}, []string{"kind"})

	m.DeletionQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "queue_depth",
		Help:      "Pending deletion tasks",
	})

	m.DeletionsFailed = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "failed_registry_size",
		Help:      "Entries in the failed deletion registry",
	})

	m.DeletionLag = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "deletion",
		Name:      "lag_seconds",
		Help:      "Delay between a task's fire time and its execution",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})
}

func (m *Metrics) initBroadcastMetrics(factory promauto.Factory) {
	m.BroadcastsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "broadcast",
		Name:      "sent_total",
		Help:      "Broadcast sends by trigger and outcome",
	}, []string{"trigger", "status"})

	m.BroadcastLag = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "broadcast",
		Name:      "lag_seconds",
		Help:      "How far past its next grid point a broadcast is",
	}, []string{"broadcast"})
}

func (m *Metrics) initDriftMetrics(factory promauto.Factory) {
	m.DriftDetected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "drift",
		Name:      "detected_total",
		Help:      "Clock gaps detected, by loop",
	}, []string{"loop"})

	m.DriftLastGap = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "drift",
		Name:      "last_gap_seconds",
		Help:      "Size of the last detected gap",
	})

	m.RecoveryTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "drift",
		Name:      "recovery_duration_seconds",
		Help:      "Time spent in drift recovery",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	m.DrainProcessed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "drift",
		Name:      "drained_tasks_total",
		Help:      "Past-due deletion tasks executed by the emergency drain",
	})

	m.StatsRecoveredRows = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "stats",
		Name:      "recovered_rows_total",
		Help:      "Estimated counter rows written after downtime",
	})

	m.StatsDowntime = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "stats",
		Name:      "last_downtime_seconds",
		Help:      "Downtime measured at the last startup",
	})
}

func (m *Metrics) initPlatformMetrics(factory promauto.Factory) {
	m.PlatformErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "platform",
		Name:      "errors_total",
		Help:      "Platform call failures by operation and kind",
	}, []string{"op", "kind"})

	m.BreakerState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "platform",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	m.UpdatesDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "platform",
		Name:      "updates_dropped_total",
		Help:      "Inbound updates discarded because the handler queue was full",
	})
}
