/*
Package metrics provides Prometheus metrics collection and exposition for Holon.

The metrics package defines and registers in-process Prometheus instruments
covering the block store, the cache's CDC ingestion loop, the operation log,
and the external-system sync fabric. The package only registers metrics and
exposes an HTTP handler for a caller to mount; it never starts its own
listener.

# Core Components

Block and Cache Metrics:
  - BlocksTotal: live (non-tombstoned) block count
  - FractionalRebalancesTotal: sibling sort-key redistributions
  - CacheRowsTotal, CDCEventsTotal, CacheIngestDuration: cache mirror health

Operation Metrics:
  - OperationLogDepth: entries currently retained in the undo/redo log
  - OperationsTotal, OperationDuration: dispatch volume and latency

Sync Fabric Metrics:
  - SyncQueueDepth: entries awaiting sync, by provider
  - SyncAppliedTotal, SyncFailuresTotal, SyncPollDuration: provider health

Collector:
  - Polls a StatsSource (implemented by pkg/engine.Engine) on an interval
    and updates the gauge-shaped metrics above; counters and histograms
    are updated directly at their call sites instead.

Timer Helper:
  - Convenience wrapper for timing operations; start a timer, observe
    duration to a histogram or histogram vector.

# Usage

	timer := metrics.NewTimer()
	err := dispatch(op)
	metrics.OperationDuration.WithLabelValues(op.Name).Observe(timer.Duration().Seconds())
	metrics.OperationsTotal.WithLabelValues(op.Entity, op.Name).Inc()

	collector := metrics.NewCollector(engine)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
