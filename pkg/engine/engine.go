// Package engine provides the Engine Facade: the single object that
// binds the CRDT Block Store, the Queryable Cache, the Operation
// Registry & Dispatcher, the Operation Log, and the External-System Sync
// Fabric into one cohesive API, following the teacher's Manager pattern
// of one top-level struct wiring every subsystem together and exposing a
// small public surface over them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/crdt"
	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/metrics"
	"github.com/nightscape/holon/pkg/oplog"
	"github.com/nightscape/holon/pkg/p2p"
	"github.com/nightscape/holon/pkg/registry"
	"github.com/nightscape/holon/pkg/storage"
	"github.com/nightscape/holon/pkg/sync"
	"github.com/nightscape/holon/pkg/types"
)

// Engine is the facade over every Holon subsystem for one document.
type Engine struct {
	cfg       Config
	store     *crdt.Store
	cache     *cache.Cache
	boltdb    *storage.BoltStore
	oplog     *oplog.Log
	registry  *registry.Registry
	workers   []*sync.Worker
	providers []*sync.Provider
	p2p       p2p.Adapter
	p2pCancel context.CancelFunc
	bgCancel  context.CancelFunc
	metrics   *metrics.Collector

	mu        stdsync.Mutex
	collapsed map[string]bool // local-only UI state, never synced or replicated
}

// New constructs an Engine over cfg, opening its durable stores and
// registering the built-in block operations. Callers own the returned
// Engine's lifecycle and must call Dispose when done with it.
func New(cfg Config) (*Engine, error) {
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}

	boltdb, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	store := crdt.New(cfg.ReplicaID)
	if err := restoreBlocks(boltdb, store); err != nil {
		boltdb.Close()
		return nil, err
	}

	c, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"), store)
	if err != nil {
		boltdb.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	maxEntries := cfg.OperationLogMaxSize
	if maxEntries <= 0 {
		maxEntries = oplog.DefaultMaxEntries
	}
	opLog, err := oplog.New(boltdb, maxEntries)
	if err != nil {
		c.Close()
		boltdb.Close()
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	opLog.SetDebounce(cfg.SyncDebounceWindow)

	e := &Engine{
		cfg:       cfg,
		store:     store,
		cache:     c,
		boltdb:    boltdb,
		oplog:     opLog,
		registry:  registry.New(),
		p2p:       p2p.NewLoopback(cfg.ReplicaID),
		collapsed: make(map[string]bool),
	}
	e.registry.RegisterExistenceChecker(entityBlocks, func(id string) bool {
		_, err := e.store.Get(id)
		return err == nil
	})
	e.registerBuiltinOperations()

	e.metrics = metrics.NewCollector(e)
	e.metrics.Start()

	c.Start()
	bgCtx, bgCancel := context.WithCancel(context.Background())
	e.bgCancel = bgCancel
	go e.forwardPersistence()
	go e.compactTombstones(bgCtx)
	e.startP2PForwarding()

	return e, nil
}

// restoreBlocks replays every persisted block snapshot into a fresh
// in-memory Store on startup, so the CRDT state survives a restart.
// Blocks are applied in parent-before-child order (bbolt iterates its
// blocks bucket by key, which is block id, not tree position) by
// repeatedly sweeping the pending set for blocks whose parent has
// already been restored; anything left over after the parent graph
// stops yielding progress is reparented to root rather than dropped.
func restoreBlocks(boltdb *storage.BoltStore, store *crdt.Store) error {
	blocks, err := boltdb.ListBlocks()
	if err != nil {
		return fmt.Errorf("list persisted blocks: %w", err)
	}

	rootID := ""
	pending := make(map[string]*types.Block, len(blocks))
	for _, b := range blocks {
		if b.IsRoot() {
			rootID = b.ID
			continue // the Store already seeds its own root
		}
		pending[b.ID] = b
	}
	if rootID == "" {
		rootID = "local://root"
	}

	restored := map[string]bool{rootID: true}
	for len(pending) > 0 {
		progressed := false
		for id, b := range pending {
			parentID := b.ParentID
			if !restored[parentID] {
				continue
			}
			restoreOne(store, b, parentID)
			restored[id] = true
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			break // remaining blocks' parents are missing or form a cycle
		}
	}
	for id, b := range pending {
		log.WithComponent("engine").Warn().Str("block_id", id).Msg("restoring orphaned block under root")
		restoreOne(store, b, rootID)
	}
	return nil
}

func restoreOne(store *crdt.Store, b *types.Block, parentID string) {
	// Replayed via ApplyRemote* so restoration goes through the same LWW
	// merge path as any other non-authoritative write; the persisted
	// sort key is replayed literally so sibling order survives restart.
	if err := store.ApplyRemoteReposition(b.ID, parentID, b.SortKey, b.UpdatedAt, "restore"); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("block_id", b.ID).Msg("failed to restore block position")
		return
	}
	if b.Content != "" {
		if err := store.ApplyRemoteContent(b.ID, b.Content, b.UpdatedAt, "restore"); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("block_id", b.ID).Msg("failed to restore block content")
		}
	}
	if b.IsDeleted() {
		if err := store.ApplyRemoteDelete(b.ID, *b.DeletedAt, "restore"); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("block_id", b.ID).Msg("failed to restore block tombstone")
		}
	}
}

// forwardPersistence mirrors every CRDT change into durable storage so
// restart can rebuild the in-memory Store. It runs for the lifetime of
// the Engine.
func (e *Engine) forwardPersistence() {
	sub := e.store.Watch()
	defer e.store.Unwatch(sub)

	for change := range sub {
		if change.Block == nil {
			continue
		}
		if err := e.boltdb.PutBlock(change.Block); err != nil {
			log.WithComponent("engine").Error().Err(err).Str("block_id", change.ID).Msg("failed to persist block snapshot")
		}
	}
}

// compactTombstones periodically removes tombstones older than the
// configured retention window from both the in-memory store and the
// durable snapshot bucket.
func (e *Engine) compactTombstones(ctx context.Context) {
	if e.cfg.TombstoneRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := e.store.CompactTombstones(e.cfg.TombstoneRetention)
			for _, id := range removed {
				if err := e.boltdb.DeleteBlock(id); err != nil {
					log.WithComponent("engine").Warn().Err(err).Str("block_id", id).Msg("failed to drop compacted tombstone snapshot")
				}
			}
			if len(removed) > 0 {
				log.WithComponent("engine").Info().Int("removed", len(removed)).Msg("compacted expired tombstones")
			}
		}
	}
}

// Dispose releases every resource the Engine holds: stops background
// loops, drains subscribers, closes the cache and durable store. After
// Dispose the Engine must not be used.
func (e *Engine) Dispose() error {
	e.metrics.Stop()
	if e.p2pCancel != nil {
		e.p2pCancel()
	}
	if e.bgCancel != nil {
		e.bgCancel()
	}
	for _, w := range e.workers {
		w.Stop()
	}
	for _, p := range e.providers {
		p.Stop()
	}
	e.cache.Close()
	// Closing the change stream lets the persistence forwarder (and any
	// straggling watchers) observe channel close and exit.
	e.store.Close()
	return e.boltdb.Close()
}

// startP2PForwarding launches the two goroutines bridging the CRDT
// Store's local change stream and the wired p2p.Adapter: remote deltas
// arriving on Deltas() are merged into the store with Origin remote, and
// locally authored store changes are translated into deltas and handed
// to Send for broadcast to connected peers.
func (e *Engine) startP2PForwarding() {
	ctx, cancel := context.WithCancel(context.Background())
	e.p2pCancel = cancel
	go e.forwardP2PInbound(ctx, e.p2p)
	go e.forwardP2POutbound(ctx, e.p2p)
}

func (e *Engine) forwardP2PInbound(ctx context.Context, adapter p2p.Adapter) {
	logger := log.WithComponent("engine")
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-adapter.Deltas():
			if !ok {
				return
			}
			if err := e.applyInboundDelta(d); err != nil {
				logger.Warn().Err(err).Str("block_id", d.BlockID).Msg("failed to merge inbound p2p delta")
			}
		}
	}
}

func (e *Engine) applyInboundDelta(d p2p.Delta) error {
	switch d.Field {
	case "content":
		return e.store.ApplyRemoteContent(d.BlockID, d.StringValue, d.Timestamp, d.OriginID)
	case "moved":
		return e.store.ApplyRemoteReposition(d.BlockID, d.NewParentID, d.StringValue, d.Timestamp, d.OriginID)
	case "deleted":
		return e.store.ApplyRemoteDelete(d.BlockID, d.Timestamp, d.OriginID)
	default:
		return &holonerr.InvalidOperation{Operation: "p2p.Delta", Reason: "unknown field " + d.Field}
	}
}

func (e *Engine) forwardP2POutbound(ctx context.Context, adapter p2p.Adapter) {
	logger := log.WithComponent("engine")
	sub := e.store.Watch()
	defer e.store.Unwatch(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub:
			if !ok {
				return
			}
			if change.Origin != types.OriginLocal {
				continue
			}
			for _, d := range outboundDeltas(change, e.store.OriginID()) {
				if err := adapter.Send(ctx, d); err != nil {
					logger.Warn().Err(err).Str("block_id", d.BlockID).Msg("failed to broadcast p2p delta")
				}
			}
		}
	}
}

// outboundDeltas translates one locally authored BlockChange into the
// p2p deltas peers need to reconstruct it. Created/Moved changes always
// carry a reposition delta since the block's position is relevant either
// way; Created additionally carries a content delta when non-empty.
func outboundDeltas(change types.BlockChange, originID string) []p2p.Delta {
	switch change.Kind {
	case types.ChangeCreated:
		var out []p2p.Delta
		if change.Block != nil {
			out = append(out, p2p.Delta{
				BlockID: change.ID, Field: "moved",
				StringValue: change.Block.SortKey, NewParentID: change.Block.ParentID,
				Timestamp: change.Block.UpdatedAt, OriginID: originID,
			})
			if change.Block.Content != "" {
				out = append(out, p2p.Delta{
					BlockID: change.ID, Field: "content",
					StringValue: change.Block.Content, Timestamp: change.Block.UpdatedAt, OriginID: originID,
				})
			}
		}
		return out
	case types.ChangeUpdated:
		if change.Block == nil {
			return nil
		}
		return []p2p.Delta{{
			BlockID: change.ID, Field: "content",
			StringValue: change.Block.Content, Timestamp: change.Block.UpdatedAt, OriginID: originID,
		}}
	case types.ChangeMoved:
		if change.Block == nil {
			return nil
		}
		return []p2p.Delta{{
			BlockID: change.ID, Field: "moved",
			StringValue: change.Block.SortKey, NewParentID: change.Block.ParentID,
			Timestamp: change.Block.UpdatedAt, OriginID: originID,
		}}
	case types.ChangeDeleted:
		if change.Block == nil || change.Block.DeletedAt == nil {
			return nil
		}
		return []p2p.Delta{{
			BlockID: change.ID, Field: "deleted",
			Timestamp: *change.Block.DeletedAt, OriginID: originID,
		}}
	default:
		return nil
	}
}

// AttachProvider wires a sync.Datasource into the engine's sync fabric:
// a Provider poll loop feeding the cache's external-entity table, and
// registration with the Sync Worker that drains this engine's operation
// log. A worker refetch (after a rejected command) flows through the
// same ingestion path as an ordinary poll, overwriting the optimistic
// rows with the provider's canonical state.
func (e *Engine) AttachProvider(ds sync.Datasource) {
	provider := sync.NewProvider(ds, e.cfg.PollInterval)
	provider.Start()
	e.providers = append(e.providers, provider)

	worker := sync.NewWorker(e.oplog, []sync.Datasource{ds}, e.cfg.PollInterval)
	worker.OnRefetch(func(name string, diffs []sync.EntityDiff) {
		for _, diff := range diffs {
			e.ingestDiff(name, ds.OrderMutable(), diff)
		}
	})
	worker.Start()
	e.workers = append(e.workers, worker)

	e.registerProviderOperations(ds)
	go e.ingestProviderDiffs(ds.Name(), ds.OrderMutable(), provider)
}

func (e *Engine) ingestProviderDiffs(provider string, orderMutable bool, p *sync.Provider) {
	sub := p.Watch()
	defer p.Unwatch(sub)

	for diff := range sub {
		e.ingestDiff(provider, orderMutable, diff)
	}
}

func (e *Engine) ingestDiff(provider string, orderMutable bool, diff sync.EntityDiff) {
	logger := log.WithProvider(provider)
	if diff.Deleted {
		if err := e.cache.MarkExternalEntityDeleted(diff.EntityID); err != nil {
			logger.Warn().Err(err).Str("entity_id", diff.EntityID).Msg("failed to tombstone provider entity")
		}
		return
	}
	fields, err := json.Marshal(diff.Fields)
	if err != nil {
		logger.Warn().Err(err).Str("entity_id", diff.EntityID).Msg("failed to encode provider diff fields")
		return
	}
	if err := e.cache.UpsertExternalEntity(diff.EntityID, provider, provider+"_entity", diff.ParentBlockID, "", orderMutable, string(fields)); err != nil {
		logger.Warn().Err(err).Str("entity_id", diff.EntityID).Msg("failed to ingest provider diff")
	}
}

// QueryAndWatch runs query once and returns both the current rows and a
// subscription that fires whenever a row the query could have touched
// changes, so callers can re-run query themselves to stay current.
func (e *Engine) QueryAndWatch(query string, args ...any) ([]types.Row, <-chan cache.ChangeEvent, func(), error) {
	rows, err := e.cache.Query(query, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	sub := e.cache.WatchCDC()
	cancel := func() { e.cache.UnwatchCDC(sub) }
	return rows, sub, cancel, nil
}

// AvailableOperations returns the registry's full operation catalog.
func (e *Engine) AvailableOperations() []types.OperationDescriptor {
	return e.registry.Available()
}

// AvailableOperationsFor returns the operations applicable to one
// entity scope, including the cross-entity undo/redo pair.
func (e *Engine) AvailableOperationsFor(entity string) []types.OperationDescriptor {
	return e.registry.AvailableFor(entity)
}

// HasOperation reports whether (entity, name) is registered.
func (e *Engine) HasOperation(entity, name string) bool {
	return e.registry.Has(entity, name)
}

// ExecuteOperation dispatches name against entity with params, then
// records the result in the operation log. Meta operations (undo, redo,
// entity "*") manage their own log bookkeeping and are not re-recorded
// here, to avoid an undo stacking a second undoable entry on itself.
func (e *Engine) ExecuteOperation(entity, name string, params types.OperationParams) (any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, name)
	defer metrics.OperationsTotal.WithLabelValues(entity, name).Inc()

	var before *blockSnapshot
	var beforeRow types.Row
	if id, ok := params["id"].(string); ok {
		switch entity {
		case entityBlocks:
			if snap, err := e.captureBlockState(id); err == nil {
				before = &snap
			}
		case entityMeta:
		default:
			if rows, err := e.cache.Query(`SELECT fields, local_sort_key FROM external_entities WHERE id = ?`, id); err == nil && len(rows) == 1 {
				beforeRow = rows[0]
			}
		}
	}

	result, err := e.registry.Dispatch(entity, name, params)
	if err != nil {
		return nil, err
	}
	if entity == entityMeta {
		return result, nil
	}
	defer e.refreshOperationLogView()

	entityID, _ := params["id"].(string)
	if entityID == "" {
		entityID, _ = result.(string)
	}
	target := e.targetFor(entity, name, entityID)

	op := types.SerializedOperation{Entity: entity, Name: name, Params: params}
	inverse := e.buildInverse(entity, name, params, before, beforeRow, result)
	if _, err := e.oplog.Append(op, inverse, entityID, target); err != nil {
		log.WithOperation(name).Warn().Err(err).Msg("failed to append operation log entry")
	}
	return result, nil
}

// targetFor decides where an operation's effects ultimately land: the
// CRDT for locally owned blocks, the owning provider for blocks whose
// URI scheme shadows an external system, local-only for UI state like
// collapse toggles.
func (e *Engine) targetFor(entity, name, entityID string) types.TargetSystem {
	if name == "toggle_collapse" {
		return types.TargetLocal
	}
	if entity != entityBlocks {
		return types.ExternalTarget(entity)
	}
	if scheme, _, ok := strings.Cut(entityID, "://"); ok && scheme != "local" {
		return types.ExternalTarget(scheme)
	}
	return types.TargetCRDT
}

// refreshOperationLogView recomputes the undo/redo affordances exposed
// through the cache's operation_log_view virtual entity.
func (e *Engine) refreshOperationLogView() {
	undoName, redoName := "", ""
	if entry := e.oplog.NextUndo(); entry != nil {
		undoName = entry.Operation.Name
	}
	if entry := e.oplog.NextRedo(); entry != nil {
		redoName = entry.Operation.Name
	}
	if err := e.cache.UpdateOperationLogView(undoName != "", undoName, redoName != "", redoName); err != nil {
		log.WithComponent("engine").Warn().Err(err).Msg("failed to refresh operation log view")
	}
}

// CanUndo reports whether Undo would succeed.
func (e *Engine) CanUndo() bool { return e.oplog.CanUndo() }

// CanRedo reports whether Redo would succeed.
func (e *Engine) CanRedo() bool { return e.oplog.CanRedo() }

// Undo reverts the most recent undoable operation. A pending_sync entry
// is cancelled outright — the command never reached the external system,
// so reverting the optimistic local write is the whole job. A synced
// entry transitions to undone and, when it targeted an external system,
// its inverse is enqueued as a fresh pending command so the remote
// converges too.
func (e *Engine) Undo() error {
	entry := e.oplog.NextUndo()
	if entry == nil {
		return &holonerr.InvalidOperation{Operation: "undo", Reason: "nothing to undo"}
	}
	if entry.Inverse == nil {
		return &holonerr.InvalidOperation{Operation: "undo", Reason: "operation has no recorded inverse"}
	}
	if _, err := e.registry.Dispatch(entry.Inverse.Entity, entry.Inverse.Name, entry.Inverse.Params); err != nil {
		return err
	}
	defer e.refreshOperationLogView()

	if entry.Status == types.StatusPendingSync {
		return e.oplog.SetStatus(entry.ID, types.StatusCancelled, "")
	}
	if err := e.oplog.SetStatus(entry.ID, types.StatusUndone, ""); err != nil {
		return err
	}
	if strings.HasPrefix(string(entry.TargetSystem), "external/") {
		if _, err := e.oplog.Append(*entry.Inverse, nil, entry.EntityID, entry.TargetSystem); err != nil {
			log.WithComponent("engine").Warn().Err(err).Int64("undone_id", entry.ID).Msg("failed to enqueue inverse for external sync")
		}
	}
	return nil
}

// Redo re-applies the most recently undone operation, returning its
// entry to the status a fresh append would have been given.
func (e *Engine) Redo() error {
	entry := e.oplog.NextRedo()
	if entry == nil {
		return &holonerr.InvalidOperation{Operation: "redo", Reason: "nothing to redo"}
	}
	if _, err := e.registry.Dispatch(entry.Operation.Entity, entry.Operation.Name, entry.Operation.Params); err != nil {
		return err
	}
	defer e.refreshOperationLogView()
	status := types.StatusSynced
	if strings.HasPrefix(string(entry.TargetSystem), "external/") {
		status = types.StatusPendingSync
	}
	return e.oplog.SetStatus(entry.ID, status, "")
}

// OperationLogDepth returns the number of entries the operation log
// currently retains, used by pkg/metrics.
func (e *Engine) OperationLogDepth() int { return e.oplog.Depth() }

// Stats implements metrics.StatsSource, giving the Collector a
// point-in-time read of the subsystems it polls on an interval rather
// than on every mutation.
func (e *Engine) Stats() metrics.Stats {
	cacheRows, err := e.cache.TableCounts()
	if err != nil {
		log.WithComponent("engine").Warn().Err(err).Msg("failed to read cache row counts for metrics")
		cacheRows = map[string]int{}
	}
	return metrics.Stats{
		BlocksTotal:       cacheRows["blocks"],
		CacheRows:         cacheRows,
		OperationLogDepth: e.oplog.Depth(),
		SyncQueueDepth:    e.oplog.PendingSyncByProvider(),
	}
}

// P2PNodeID passes through to the wired p2p.Adapter.
func (e *Engine) P2PNodeID() string { return e.p2p.NodeID() }

// P2PConnect establishes an outbound connection to a known peer.
func (e *Engine) P2PConnect(ctx context.Context, peerAddr string) error {
	return e.p2p.Connect(ctx, peerAddr)
}

// P2PAcceptConnections listens for inbound peers until ctx is cancelled.
func (e *Engine) P2PAcceptConnections(ctx context.Context) error {
	return e.p2p.AcceptConnections(ctx)
}

// SetP2PAdapter replaces the current adapter (the default loopback, or
// an earlier replacement) with a real transport implementation. The
// forwarding goroutines are restarted against the new adapter's delta
// channel.
func (e *Engine) SetP2PAdapter(a p2p.Adapter) {
	if e.p2pCancel != nil {
		e.p2pCancel()
	}
	e.p2p = a
	e.startP2PForwarding()
}
