package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// cyclesTotal tracks finished cycles by outcome (success, file, fetch, publish, fatal)
	cyclesTotal *prometheus.CounterVec

	// cycleDuration tracks wall time of a full cycle
	cycleDuration prometheus.Histogram

	// rowsRejectedTotal tracks skipped input rows by reason
	rowsRejectedTotal *prometheus.CounterVec

	// entitiesPublishedTotal tracks platform writes by entity type
	entitiesPublishedTotal *prometheus.CounterVec

	// removalsTotal tracks keys dropped from a full source
	removalsTotal prometheus.Counter

	// platformErrorsTotal tracks platform API errors by type
	platformErrorsTotal *prometheus.CounterVec

	// snapshotSize tracks the number of keys in the persisted snapshot
	snapshotSize prometheus.Gauge

	// lastSuccess is the unix time of the last persisted cycle
	lastSuccess prometheus.Gauge
)

// InitMetrics registers all Prometheus metrics of the connector.
// This should be called once at application startup
func InitMetrics() {
	metricsOnce.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioc_connector_cycles_total",
				Help: "Total number of connector cycles by outcome",
			},
			[]string{"outcome"},
		)

		cycleDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ioc_connector_cycle_duration_seconds",
				Help:    "Duration of connector cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
		)

		rowsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioc_connector_rows_rejected_total",
				Help: "Total number of skipped input rows by reason",
			},
			[]string{"reason"},
		)

		entitiesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioc_connector_entities_published_total",
				Help: "Total number of entities written to the platform by type",
			},
			[]string{"type"},
		)

		removalsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ioc_connector_removals_total",
				Help: "Total number of keys that disappeared from a full source",
			},
		)

		platformErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioc_connector_platform_errors_total",
				Help: "Total number of platform API errors by error type",
			},
			[]string{"error_type"},
		)

		snapshotSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioc_connector_snapshot_keys",
				Help: "Number of IOC keys in the persisted snapshot",
			},
		)

		lastSuccess = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioc_connector_last_success_timestamp_seconds",
				Help: "Unix time of the last cycle whose state was persisted",
			},
		)
	})
}

// RecordCycle records a finished cycle.
// outcome: "success", "file", "fetch", "publish", "fatal"
func RecordCycle(outcome string, duration time.Duration) {
	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(outcome).Inc()
	}
	if cycleDuration != nil {
		cycleDuration.Observe(duration.Seconds())
	}
}

// RecordRowRejected records a skipped row.
// reason: "unknown_ioc_type", "malformed_row"
func RecordRowRejected(reason string) {
	if rowsRejectedTotal != nil {
		rowsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// RecordEntitiesPublished adds n platform writes of entityType.
func RecordEntitiesPublished(entityType string, n int) {
	if entitiesPublishedTotal != nil && n > 0 {
		entitiesPublishedTotal.WithLabelValues(entityType).Add(float64(n))
	}
}

// RecordRemovals adds n keys that left a full source.
func RecordRemovals(n int) {
	if removalsTotal != nil && n > 0 {
		removalsTotal.Add(float64(n))
	}
}

// RecordPlatformError records a platform API error by type
// errorType: "timeout", "auth", "rate_limit", "server_error", "connection", "circuit_open"
func RecordPlatformError(errorType string) {
	if platformErrorsTotal != nil {
		platformErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// RecordPersisted records a successful state save.
func RecordPersisted(at time.Time, keys int) {
	if snapshotSize != nil {
		snapshotSize.Set(float64(keys))
	}
	if lastSuccess != nil {
		lastSuccess.Set(float64(at.Unix()))
	}
}

// CycleTimer is a helper for timing cycles
type CycleTimer struct {
	start time.Time
}

// StartTimer creates a new timer for measuring a cycle
func StartTimer() *CycleTimer {
	return &CycleTimer{start: time.Now()}
}

// Elapsed returns the time since the timer started
func (t *CycleTimer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}
