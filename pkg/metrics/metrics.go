package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Document metrics
	BlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "holon_blocks_total",
			Help: "Total number of live (non-tombstoned) blocks in the document",
		},
	)

	FractionalRebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "holon_fractional_rebalances_total",
			Help: "Total number of times a sibling list's sort keys were redistributed after hitting the key length bound",
		},
	)

	// Cache metrics
	CacheRowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "holon_cache_rows_total",
			Help: "Total number of rows in the queryable cache by table",
		},
		[]string{"table"},
	)

	CDCEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holon_cdc_events_total",
			Help: "Total number of change-data-capture events emitted by the cache ingestion loop, by table",
		},
		[]string{"table"},
	)

	CacheIngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "holon_cache_ingest_duration_seconds",
			Help:    "Time taken to ingest one CRDT change event into the cache",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Operation log metrics
	OperationLogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "holon_operation_log_depth",
			Help: "Number of entries currently retained in the operation log",
		},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holon_operations_total",
			Help: "Total number of operations dispatched, by entity and name",
		},
		[]string{"entity", "name"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "holon_operation_duration_seconds",
			Help:    "Time taken to dispatch and record one operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Sync fabric metrics
	SyncQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "holon_sync_queue_depth",
			Help: "Number of operation log entries awaiting sync, by provider",
		},
		[]string{"provider"},
	)

	SyncAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holon_sync_applied_total",
			Help: "Total number of operations successfully applied to an external provider",
		},
		[]string{"provider"},
	)

	SyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holon_sync_failures_total",
			Help: "Total number of operations that failed to apply to an external provider, by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	SyncPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "holon_sync_poll_duration_seconds",
			Help:    "Time taken for a provider's FetchAll poll cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(BlocksTotal)
	prometheus.MustRegister(FractionalRebalancesTotal)
	prometheus.MustRegister(CacheRowsTotal)
	prometheus.MustRegister(CDCEventsTotal)
	prometheus.MustRegister(CacheIngestDuration)
	prometheus.MustRegister(OperationLogDepth)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(SyncQueueDepth)
	prometheus.MustRegister(SyncAppliedTotal)
	prometheus.MustRegister(SyncFailuresTotal)
	prometheus.MustRegister(SyncPollDuration)
}

// Handler returns the Prometheus HTTP handler for a caller that wants to
// expose the registry itself; the engine does not start an HTTP server
// to serve it.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
