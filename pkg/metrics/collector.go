package metrics

import "time"

// Stats is the set of point-in-time readings the Collector polls from a
// StatsSource. Polling a small struct, rather than this package
// importing pkg/engine directly, keeps pkg/engine free to import
// pkg/metrics without a cycle.
type Stats struct {
	BlocksTotal       int
	CacheRows         map[string]int
	OperationLogDepth int
	SyncQueueDepth    map[string]int
}

// StatsSource is polled by the Collector; the Engine Facade implements it.
type StatsSource interface {
	Stats() Stats
}

// Collector periodically polls a StatsSource and updates this package's
// gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()

	BlocksTotal.Set(float64(stats.BlocksTotal))
	OperationLogDepth.Set(float64(stats.OperationLogDepth))

	for table, count := range stats.CacheRows {
		CacheRowsTotal.WithLabelValues(table).Set(float64(count))
	}
	for provider, depth := range stats.SyncQueueDepth {
		SyncQueueDepth.WithLabelValues(provider).Set(float64(depth))
	}
}
