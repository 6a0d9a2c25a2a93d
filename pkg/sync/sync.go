// Package sync implements the External-System Sync Fabric: a
// Datasource abstraction per external entity type, a Provider loop that
// polls the remote system and broadcasts diffs, and a Sync Worker that drains the operation log's pending_sync
// commands, groups them per entity, compacts redundant runs, and
// applies them through the Datasource with idempotency and
// partial-batch-failure handling.
package sync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightscape/holon/pkg/broadcast"
	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/metrics"
	"github.com/nightscape/holon/pkg/oplog"
	"github.com/nightscape/holon/pkg/types"
)

// EntityDiff describes one remote-side change a Provider observed,
// delivered to the cache's external-entity ingestion path.
type EntityDiff struct {
	EntityID      string
	ParentBlockID string
	Fields        map[string]any
	Deleted       bool
	ObservedAt    int64
}

// Datasource is the boundary between the sync fabric and one external
// system's API for one entity type. Real implementations call the
// provider's HTTP/SDK surface; tests and offline use substitute a
// deterministic fake.
type Datasource interface {
	// Name identifies the provider, used as the TargetSystem suffix and
	// as the log field on every sync-related log line.
	Name() string

	// FetchAll returns the provider's current view of every entity,
	// used both for the Provider's poll loop and for Sync Worker refetch
	// after a partial-batch failure.
	FetchAll(ctx context.Context) ([]EntityDiff, error)

	// Apply sends one command to the provider, tagged with an
	// idempotency key so retries after a dropped response never double
	// apply. It returns holonerr.Rejected if the provider accepted the
	// request but refused the change, and holonerr.NetworkError if the
	// request could not be completed at all.
	Apply(ctx context.Context, idempotencyKey string, op types.SerializedOperation) error

	// OrderMutable reports whether this provider lets Holon reorder its
	// entities locally (move / set_field(sort_key)); providers that
	// impose their own order reject those operations.
	OrderMutable() bool
}

// Provider runs a Datasource's poll loop and republishes diffs on a
// broadcast channel, following the teacher's ticker + stopCh background
// loop shape (pkg/scheduler, pkg/reconciler).
type Provider struct {
	ds           Datasource
	pollInterval time.Duration
	diffs        *broadcast.Broker[EntityDiff]
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewProvider wraps ds with a poll loop that runs every pollInterval.
func NewProvider(ds Datasource, pollInterval time.Duration) *Provider {
	return &Provider{
		ds:           ds,
		pollInterval: pollInterval,
		diffs:        broadcast.NewBroker[EntityDiff](256),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the poll loop.
func (p *Provider) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop ends the poll loop.
func (p *Provider) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Provider) run() {
	defer p.wg.Done()
	logger := log.WithProvider(p.ds.Name())
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.poll(*logger)
	for {
		select {
		case <-ticker.C:
			p.poll(*logger)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Provider) poll(logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncPollDuration, p.ds.Name())

	diffs, err := p.ds.FetchAll(context.Background())
	if err != nil {
		logger.Warn().Err(err).Msg("poll failed")
		return
	}
	for _, d := range diffs {
		p.diffs.Publish(d)
	}
}

// Watch subscribes to this provider's diff stream.
func (p *Provider) Watch() broadcast.Subscriber[EntityDiff] {
	return p.diffs.Subscribe()
}

func (p *Provider) Unwatch(sub broadcast.Subscriber[EntityDiff]) {
	p.diffs.Unsubscribe(sub)
}

// Worker drains pending_sync entries from the operation log and applies
// them to the right Datasource, one entity at a time so a failure on one
// entity never blocks progress on another.
type Worker struct {
	log         *oplog.Log
	datasources map[string]Datasource // provider name -> datasource
	interval    time.Duration
	onRefetch   func(provider string, diffs []EntityDiff)
	stopCh      chan struct{}
	wg          sync.WaitGroup

	mu       sync.Mutex
	halted   map[string]bool // entity id -> a rejected command stopped its queue
	attempts map[int64]uint  // entry id -> consecutive transport failures
}

const (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second
)

// NewWorker builds a Worker over the given datasources, keyed by
// Datasource.Name(), draining the log every interval.
func NewWorker(log *oplog.Log, datasources []Datasource, interval time.Duration) *Worker {
	byName := make(map[string]Datasource, len(datasources))
	for _, ds := range datasources {
		byName[ds.Name()] = ds
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{
		log:         log,
		datasources: byName,
		interval:    interval,
		stopCh:      make(chan struct{}),
		halted:      make(map[string]bool),
		attempts:    make(map[int64]uint),
	}
}

// OnRefetch sets the callback invoked with a provider's canonical state
// after a rejected command forced a refetch, so the Engine Facade can
// overwrite the cache's rows with what the remote actually holds.
func (w *Worker) OnRefetch(fn func(provider string, diffs []EntityDiff)) {
	w.onRefetch = fn
}

// Start begins the drain loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.stopCh:
			return
		}
	}
}

// drain groups pending entries by entity, compacts each group, and
// applies the compacted commands in order. An entity whose batch was
// rejected partway is halted: the worker refetches that entity's
// current remote state, skips the rest of its queue (later commands may
// have depended on the failed one), and leaves it halted on subsequent
// cycles; other entities' batches continue unaffected. Entries not yet
// past their sync_eligible_at debounce window are left for a later
// cycle.
func (w *Worker) drain() {
	logger := log.WithComponent("sync")
	now := time.Now()

	var due []*types.LogEntry
	for _, e := range w.log.PendingSync() {
		if e.SyncEligibleAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	if len(due) == 0 {
		return
	}

	for entityID, entries := range groupByEntity(due) {
		if w.isHalted(entityID) {
			continue
		}
		compacted, superseded := compact(entries)
		w.applyEntityBatch(*logger, entityID, compacted, superseded)
	}
}

func (w *Worker) isHalted(entityID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted[entityID]
}

func (w *Worker) halt(entityID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.halted[entityID] = true
}

func (w *Worker) applyEntityBatch(logger zerolog.Logger, entityID string, entries []*types.LogEntry, superseded map[int64][]int64) {
	for _, entry := range entries {
		provider := providerName(entry.TargetSystem)
		ds, ok := w.datasources[provider]
		if !ok {
			_ = w.log.SetStatus(entry.ID, types.StatusFailed, "no datasource registered for provider "+provider)
			metrics.SyncFailuresTotal.WithLabelValues(provider, "no_datasource").Inc()
			continue
		}

		_ = w.log.SetStatus(entry.ID, types.StatusSyncing, "")
		err := ds.Apply(context.Background(), entry.IdempotencyKey, entry.Operation)
		if err == nil {
			_ = w.log.SetStatus(entry.ID, types.StatusSynced, "")
			// A synced survivor settles the update_content run it
			// collapsed: the skipped writes are subsumed by it.
			for _, id := range superseded[entry.ID] {
				_ = w.log.SetStatus(id, types.StatusSynced, "")
			}
			w.clearAttempts(entry.ID)
			metrics.SyncAppliedTotal.WithLabelValues(provider).Inc()
			continue
		}

		var netErr *holonerr.NetworkError
		if errors.As(err, &netErr) {
			// Transport failure: the command may not have reached the
			// remote at all. Leave it pending with exponential backoff;
			// the idempotency key makes the eventual retry safe.
			delay := w.nextBackoff(entry.ID)
			_ = w.log.SetStatus(entry.ID, types.StatusPendingSync, err.Error())
			w.log.Defer(entry.ID, time.Now().Add(delay))
			metrics.SyncFailuresTotal.WithLabelValues(provider, "network").Inc()
			logger.Warn().Err(err).Str("entity_id", entityID).Dur("retry_in", delay).Msg("transport failure, will retry")
			return
		}

		var rejected *holonerr.Rejected
		reason := "other"
		if errors.As(err, &rejected) {
			reason = "rejected"
		}
		_ = w.log.SetStatus(entry.ID, types.StatusFailed, err.Error())
		for _, id := range superseded[entry.ID] {
			_ = w.log.SetStatus(id, types.StatusCancelled, "superseded by rejected update")
		}
		metrics.SyncFailuresTotal.WithLabelValues(provider, reason).Inc()

		// The remote refused the command. Later commands for this entity
		// may have depended on it, so stop its queue for good and
		// overwrite the cache with the remote's canonical state.
		w.halt(entityID)
		diffs, fetchErr := ds.FetchAll(context.Background())
		if fetchErr != nil {
			logger.Warn().Err(fetchErr).Str("entity_id", entityID).Msg("refetch after rejected command also failed")
			return
		}
		if w.onRefetch != nil {
			w.onRefetch(provider, diffs)
		}
		return
	}
}

func (w *Worker) nextBackoff(entryID int64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	attempt := w.attempts[entryID]
	w.attempts[entryID] = attempt + 1

	delay := backoffBase << attempt
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	return delay
}

func (w *Worker) clearAttempts(entryID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, entryID)
}

func providerName(target types.TargetSystem) string {
	s := string(target)
	const prefix = "external/"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func groupByEntity(entries []*types.LogEntry) map[string][]*types.LogEntry {
	grouped := make(map[string][]*types.LogEntry)
	for _, e := range entries {
		grouped[e.EntityID] = append(grouped[e.EntityID], e)
	}
	return grouped
}

// compact collapses consecutive update_content entries for the same
// entity into the last one, so a long offline editing session sends one
// content write instead of replaying every keystroke-sized save.
// Structural entries, and update_content runs separated by one, are
// left untouched. The second return value maps each surviving entry to
// the ids it collapsed, so the caller can settle their statuses once
// the survivor's fate is known.
func compact(entries []*types.LogEntry) ([]*types.LogEntry, map[int64][]int64) {
	sorted := append([]*types.LogEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	superseded := make(map[int64][]int64)
	var out []*types.LogEntry
	for i := 0; i < len(sorted); i++ {
		entry := sorted[i]
		if entry.Operation.Name != "update_content" {
			out = append(out, entry)
			continue
		}
		j := i
		for j+1 < len(sorted) && sorted[j+1].Operation.Name == "update_content" {
			j++
		}
		survivor := sorted[j]
		for k := i; k < j; k++ {
			superseded[survivor.ID] = append(superseded[survivor.ID], sorted[k].ID)
		}
		out = append(out, survivor)
		i = j
	}
	return out, superseded
}
