// Package cache implements the Queryable Cache: an embedded SQL
// materialized view of the CRDT Block Store and external-system
// entities, kept current by a change-data-capture ingestion loop and
// exposing a query_and_watch contract (SQL in, rows out, plus a
// subscription to every row-level change event the cache emits, not
// filtered by query). The ingestion loop is driven by the CRDT change
// stream, with a run/stop shape mirroring the teacher's scheduler and
// reconciler background loops.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nightscape/holon/pkg/broadcast"
	"github.com/nightscape/holon/pkg/cache/sqlite"
	"github.com/nightscape/holon/pkg/crdt"
	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/metrics"
	"github.com/nightscape/holon/pkg/types"
)

// ChangeOp classifies a row-level CDC event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is one row-level CDC event the cache broadcasts after
// ingesting a CRDT change or an external-entity update: the table, the
// operation, the row key, and the row images around the write. Before
// is nil for an insert; After is nil for a delete.
type ChangeEvent struct {
	Table  string // "blocks", "external_entities", or "operation_log_view"
	Op     ChangeOp
	ID     string
	Before types.Row
	After  types.Row
}

// Cache wraps the embedded sqlite database and its ingestion loop.
type Cache struct {
	mu     sync.Mutex
	db     *sql.DB
	store  *crdt.Store
	sub    broadcast.Subscriber[types.BlockChange]
	cdc    *broadcast.Broker[ChangeEvent]
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates the sqlite-backed cache at path and wires it to store's
// change stream. Call Start to begin ingestion.
func Open(path string, store *crdt.Store) (*Cache, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return &Cache{
		db:     db,
		store:  store,
		cdc:    broadcast.NewBroker[ChangeEvent](256),
		stopCh: make(chan struct{}),
	}, nil
}

// Close stops ingestion (if started) and closes the database.
func (c *Cache) Close() error {
	c.Stop()
	return c.db.Close()
}

// Start begins the ingestion loop that mirrors CRDT changes into sqlite.
func (c *Cache) Start() {
	c.sub = c.store.Watch()
	c.wg.Add(1)
	go c.run()
}

// Stop ends the ingestion loop and unsubscribes from the CRDT store.
func (c *Cache) Stop() {
	select {
	case <-c.stopCh:
		return // already stopped
	default:
	}
	close(c.stopCh)
	c.wg.Wait()
	if c.sub != nil {
		c.store.Unwatch(c.sub)
	}
}

func (c *Cache) run() {
	defer c.wg.Done()
	logger := log.WithComponent("cache")

	for {
		select {
		case change, ok := <-c.sub:
			if !ok {
				return
			}
			if err := c.ingest(change); err != nil {
				logger.Error().Err(err).Str("block_id", change.ID).Msg("failed to ingest change")
			}
		case <-c.stopCh:
			return
		}
	}
}

// ingest applies one CRDT change event to the sqlite mirror and
// rebroadcasts it as a row-level CDC event carrying the row images
// around the write.
func (c *Cache) ingest(change types.BlockChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CacheIngestDuration)

	before := c.snapshotRow("blocks", change.ID)

	switch change.Kind {
	case types.ChangeCreated, types.ChangeUpdated, types.ChangeMoved:
		if change.Block == nil {
			return &holonerr.InternalError{Context: "cache", Err: fmt.Errorf("change missing block payload")}
		}
		if err := c.upsertBlock(change.Block); err != nil {
			return err
		}
	case types.ChangeDeleted:
		if change.Block == nil || change.Block.DeletedAt == nil {
			return &holonerr.InternalError{Context: "cache", Err: fmt.Errorf("delete change missing tombstone timestamp")}
		}
		if err := c.markDeleted(change.ID, *change.Block.DeletedAt); err != nil {
			return err
		}
	}

	if change.Kind == types.ChangeDeleted {
		c.publishCDC(ChangeEvent{Table: "blocks", Op: OpDelete, ID: change.ID, Before: before})
		return nil
	}
	op := OpUpdate
	if before == nil {
		op = OpInsert
	}
	c.publishCDC(ChangeEvent{Table: "blocks", Op: op, ID: change.ID, Before: before, After: c.snapshotRow("blocks", change.ID)})
	return nil
}

// snapshotRow reads the current image of one row, or nil when absent.
// table is always one of the cache's own table name constants, never
// caller input.
func (c *Cache) snapshotRow(table string, id any) types.Row {
	rows, err := c.Query(`SELECT * FROM `+table+` WHERE id = ?`, id)
	if err != nil || len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (c *Cache) publishCDC(event ChangeEvent) {
	metrics.CDCEventsTotal.WithLabelValues(event.Table).Inc()
	c.cdc.Publish(event)
}

func (c *Cache) upsertBlock(b *types.Block) error {
	_, err := c.db.Exec(`
		INSERT INTO blocks (id, parent_id, content, sort_key, depth, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			content = excluded.content,
			sort_key = excluded.sort_key,
			depth = excluded.depth,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, b.ID, b.ParentID, b.Content, b.SortKey, b.Depth, b.CreatedAt, b.UpdatedAt, b.DeletedAt)
	return err
}

func (c *Cache) markDeleted(id string, deletedAt int64) error {
	_, err := c.db.Exec(`UPDATE blocks SET deleted_at = ? WHERE id = ?`, deletedAt, id)
	return err
}

// WatchCDC returns a subscription to row-level change events, used to
// implement query_and_watch re-evaluation.
func (c *Cache) WatchCDC() broadcast.Subscriber[ChangeEvent] {
	return c.cdc.Subscribe()
}

func (c *Cache) UnwatchCDC(sub broadcast.Subscriber[ChangeEvent]) {
	c.cdc.Unsubscribe(sub)
}

// Query runs a read-only SQL query and returns the matching rows. Holon
// does not translate or validate the query's semantics — SQL in, rows
// out — so callers are responsible for issuing read-only statements.
func (c *Cache) Query(query string, args ...any) ([]types.Row, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []types.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(types.Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetByID returns the single block row for id, or BlockNotFound.
func (c *Cache) GetByID(id string) (types.Row, error) {
	rows, err := c.Query(`SELECT * FROM blocks WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &holonerr.BlockNotFound{ID: id}
	}
	return rows[0], nil
}

// UpsertExternalEntity mirrors one external-system entity into the
// cache's overlay table, used by the sync fabric's ingestion path.
func (c *Cache) UpsertExternalEntity(id, provider, entityType, parentBlockID, localSortKey string, orderMutable bool, fieldsJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.snapshotRow("external_entities", id)
	_, err := c.db.Exec(`
		INSERT INTO external_entities (id, provider, entity_type, parent_block_id, local_sort_key, order_mutable, fields, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			parent_block_id = excluded.parent_block_id,
			local_sort_key = excluded.local_sort_key,
			order_mutable = excluded.order_mutable,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`, id, provider, entityType, parentBlockID, localSortKey, orderMutable, fieldsJSON, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	op := OpUpdate
	if before == nil {
		op = OpInsert
	}
	c.publishCDC(ChangeEvent{Table: "external_entities", Op: op, ID: id, Before: before, After: c.snapshotRow("external_entities", id)})
	return nil
}

// GetAll returns every live row of table, ordered for hierarchical
// display where the table carries sibling ordering columns.
func (c *Cache) GetAll(table string) ([]types.Row, error) {
	switch table {
	case "blocks":
		return c.Query(`SELECT * FROM blocks WHERE deleted_at IS NULL ORDER BY parent_id, sort_key`)
	case "external_entities":
		return c.Query(`SELECT * FROM external_entities WHERE deleted_at IS NULL ORDER BY parent_block_id, local_sort_key`)
	default:
		return nil, &holonerr.InternalError{Context: "cache", Err: fmt.Errorf("unknown table %q", table)}
	}
}

// SetExternalField writes one field of an external entity's row
// optimistically, ahead of the sync worker confirming the write with
// the provider. sort_key writes land in the local overlay column; any
// other field is patched into the fields document.
func (c *Cache) SetExternalField(id, field string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.snapshotRow("external_entities", id)

	var err error
	if field == "sort_key" {
		_, err = c.db.Exec(`UPDATE external_entities SET local_sort_key = ?, updated_at = ? WHERE id = ?`,
			value, time.Now().UnixMilli(), id)
	} else {
		patch, merr := json.Marshal(map[string]any{field: value})
		if merr != nil {
			return &holonerr.InternalError{Context: "cache", Err: merr}
		}
		_, err = c.db.Exec(`UPDATE external_entities SET fields = json_patch(fields, ?), updated_at = ? WHERE id = ?`,
			string(patch), time.Now().UnixMilli(), id)
	}
	if err != nil {
		return err
	}
	c.publishCDC(ChangeEvent{Table: "external_entities", Op: OpUpdate, ID: id, Before: before, After: c.snapshotRow("external_entities", id)})
	return nil
}

// MarkExternalEntityDeleted tombstones an external entity's row after
// the provider reports it gone.
func (c *Cache) MarkExternalEntityDeleted(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.snapshotRow("external_entities", id)
	_, err := c.db.Exec(`UPDATE external_entities SET deleted_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	c.publishCDC(ChangeEvent{Table: "external_entities", Op: OpDelete, ID: id, Before: before})
	return nil
}

// UpdateOperationLogView refreshes the single-row virtual entity UIs
// subscribe to for undo/redo affordances, emitting a CDC event so a
// query over it re-evaluates like any other table.
func (c *Cache) UpdateOperationLogView(canUndo bool, undoName string, canRedo bool, redoName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.snapshotRow("operation_log_view", 1)
	_, err := c.db.Exec(`
		UPDATE operation_log_view
		SET can_undo = ?, undo_display_name = ?, can_redo = ?, redo_display_name = ?
		WHERE id = 1
	`, canUndo, undoName, canRedo, redoName)
	if err != nil {
		return err
	}
	c.publishCDC(ChangeEvent{Table: "operation_log_view", Op: OpUpdate, ID: "1", Before: before, After: c.snapshotRow("operation_log_view", 1)})
	return nil
}

// TableCounts returns the live row count of each table the cache mirrors,
// used by pkg/metrics to populate CacheRowsTotal.
func (c *Cache) TableCounts() (map[string]int, error) {
	counts := make(map[string]int, 2)
	for _, table := range []string{"blocks", "external_entities"} {
		var n int
		if err := c.db.QueryRow(`SELECT COUNT(*) FROM ` + table + ` WHERE deleted_at IS NULL`).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
