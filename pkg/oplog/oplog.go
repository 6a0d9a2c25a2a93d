// Package oplog implements the Operation Log: a durable, append-only
// record of executed operations that drives undo/redo and offline-first
// command sourcing to the sync fabric. Entries move through a small
// status state machine (pending_sync -> syncing -> synced, or ->
// cancelled/failed; synced/pending_sync -> undone, reversed again by
// redo) and are retained up to a bound that never discards an entry
// still awaiting sync.
package oplog

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/storage"
	"github.com/nightscape/holon/pkg/types"
)

// DefaultMaxEntries is the default retention bound.
const DefaultMaxEntries = 100

// Log is the in-memory view of the operation log, backed by a BoltStore
// for durability. All mutation is serialized through mu so undo/redo
// candidate selection never races a concurrent append.
type Log struct {
	mu         sync.Mutex
	store      *storage.BoltStore
	entries    []*types.LogEntry // ascending by ID, mirrors persisted order
	maxEntries int
	debounce   time.Duration
}

// New loads any previously persisted entries and returns a ready Log.
func New(store *storage.BoltStore, maxEntries int) (*Log, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	persisted, err := store.ListLogEntries()
	if err != nil {
		return nil, err
	}
	return &Log{store: store, entries: persisted, maxEntries: maxEntries}, nil
}

// SetDebounce sets the minimum delay between an append and the entry
// becoming eligible for the sync worker, so a burst of edits coalesces
// into one outgoing command instead of one per keystroke.
func (l *Log) SetDebounce(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debounce = d
}

// Append records a newly executed operation and returns the new entry.
// Only operations targeting an external system start as pending_sync —
// the CRDT and local-only targets have no remote to confirm, so their
// entries are synced the moment they are recorded.
func (l *Log) Append(op types.SerializedOperation, inverse *types.SerializedOperation, entityID string, target types.TargetSystem) (*types.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := types.StatusSynced
	if strings.HasPrefix(string(target), "external/") {
		status = types.StatusPendingSync
	}

	entry := &types.LogEntry{
		Operation:      op,
		Inverse:        inverse,
		Status:         status,
		EntityID:       entityID,
		TargetSystem:   target,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      time.Now(),
		SyncEligibleAt: time.Now().Add(l.debounce),
	}

	if err := l.store.AppendLogEntry(entry); err != nil {
		return nil, err
	}
	l.entries = append(l.entries, entry)
	l.trimLocked()
	return entry, nil
}

// SetStatus transitions entry to a new status and persists the change.
func (l *Log) SetStatus(id int64, status types.LogStatus, errDetails string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.findLocked(id)
	if entry == nil {
		return &holonerr.InternalError{Context: "oplog", Err: errNotFound(id)}
	}
	entry.Status = status
	entry.ErrorDetails = errDetails
	if status == types.StatusSynced {
		syncedAt := time.Now()
		entry.SyncedAt = &syncedAt
	}
	return l.store.UpdateLogEntry(entry)
}

// Defer pushes entry id's sync eligibility out to until, used by the
// sync worker's transport-failure backoff.
func (l *Log) Defer(id int64, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.findLocked(id)
	if entry == nil {
		return
	}
	entry.SyncEligibleAt = until
	if err := l.store.UpdateLogEntry(entry); err != nil {
		log.WithComponent("oplog").Warn().Err(err).Int64("id", id).Msg("failed to persist deferred sync eligibility")
	}
}

// NextUndo returns the most recent entry eligible for undo (the top of
// the undo stack), or nil if there is nothing to undo.
func (l *Log) NextUndo() *types.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].IsUndoCandidate() {
			return l.entries[i]
		}
	}
	return nil
}

// NextRedo returns the most recently undone entry, provided no later
// entry on the same entity's lineage has since been (re-)executed — once
// a fresh operation lands on an entity, any earlier undone entry for that
// same entity is no longer a coherent redo target, even though an undone
// entry for an unrelated entity still is. Cancelled entries never counted
// as "happened" (they were undone before ever reaching sync) and so never
// block a redo.
func (l *Log) NextRedo() *types.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	blocked := make(map[string]bool)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.IsRedoCandidate() {
			if !blocked[e.EntityID] {
				return e
			}
			continue
		}
		if e.Status != types.StatusCancelled {
			blocked[e.EntityID] = true
		}
	}
	return nil
}

// CanUndo reports whether NextUndo would return a non-nil entry.
func (l *Log) CanUndo() bool {
	return l.NextUndo() != nil
}

// CanRedo reports whether NextRedo would return a non-nil entry.
func (l *Log) CanRedo() bool {
	return l.NextRedo() != nil
}

// PendingSync returns every entry whose status is pending_sync, oldest
// first, regardless of SyncEligibleAt; the sync worker applies the
// debounce window itself.
func (l *Log) PendingSync() []*types.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []*types.LogEntry
	for _, e := range l.entries {
		if e.Status == types.StatusPendingSync {
			pending = append(pending, e)
		}
	}
	return pending
}

// Depth returns the number of entries currently retained, used by
// pkg/metrics for the operation log depth gauge.
func (l *Log) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PendingSyncByProvider groups PendingSync entries by provider name,
// used by pkg/metrics for the per-provider sync queue depth gauge.
func (l *Log) PendingSyncByProvider() map[string]int {
	depths := make(map[string]int)
	for _, e := range l.PendingSync() {
		provider, ok := strings.CutPrefix(string(e.TargetSystem), "external/")
		if !ok {
			continue
		}
		depths[provider]++
	}
	return depths
}

func (l *Log) findLocked(id int64) *types.LogEntry {
	for _, e := range l.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// trimLocked enforces maxEntries by discarding the oldest entries whose
// status is synced, cancelled, or failed — entries still pending_sync or
// syncing are never trimmed, regardless of how far past the bound the
// log has grown, since dropping them would silently lose work the sync
// fabric hasn't confirmed yet. Trimming a synced entry does shrink how
// far back undo can reach; that is the intended effect of bounding
// retention, not an exception to it.
func (l *Log) trimLocked() {
	if len(l.entries) <= l.maxEntries {
		return
	}

	logger := log.WithComponent("oplog")
	kept := make([]*types.LogEntry, 0, len(l.entries))
	excess := len(l.entries) - l.maxEntries

	for _, e := range l.entries {
		trimmable := excess > 0 && (e.Status == types.StatusSynced || e.Status == types.StatusCancelled || e.Status == types.StatusFailed)
		if trimmable {
			if err := l.store.DeleteLogEntry(e.ID); err != nil {
				logger.Warn().Err(err).Int64("id", e.ID).Msg("failed to delete trimmed log entry")
				kept = append(kept, e)
				continue
			}
			excess--
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
}

type notFoundError struct {
	id int64
}

func (e *notFoundError) Error() string {
	return "operation log entry not found"
}

func errNotFound(id int64) error {
	return &notFoundError{id: id}
}
