package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStatsSource struct {
	stats Stats
}

func (f *fakeStatsSource) Stats() Stats { return f.stats }

// TestCollectorCollectUpdatesGauges tests that collect() reads the
// StatsSource once and applies every field to its gauge.
func TestCollectorCollectUpdatesGauges(t *testing.T) {
	source := &fakeStatsSource{stats: Stats{
		BlocksTotal:       7,
		CacheRows:         map[string]int{"blocks": 7, "external_entities": 3},
		OperationLogDepth: 12,
		SyncQueueDepth:    map[string]int{"todoist": 2},
	}}

	c := NewCollector(source)
	c.collect()

	if got := testutil.ToFloat64(BlocksTotal); got != 7 {
		t.Errorf("BlocksTotal = %v, want 7", got)
	}
	if got := testutil.ToFloat64(OperationLogDepth); got != 12 {
		t.Errorf("OperationLogDepth = %v, want 12", got)
	}
	if got := testutil.ToFloat64(CacheRowsTotal.WithLabelValues("blocks")); got != 7 {
		t.Errorf("CacheRowsTotal{blocks} = %v, want 7", got)
	}
	if got := testutil.ToFloat64(SyncQueueDepth.WithLabelValues("todoist")); got != 2 {
		t.Errorf("SyncQueueDepth{todoist} = %v, want 2", got)
	}
}

// TestCollectorStartStopDoesNotPanic tests the background polling loop
// can be started and stopped without racing or panicking.
func TestCollectorStartStopDoesNotPanic(t *testing.T) {
	source := &fakeStatsSource{stats: Stats{CacheRows: map[string]int{}, SyncQueueDepth: map[string]int{}}}
	c := NewCollector(source)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
