// Package sqlite holds the Queryable Cache's embedded SQL schema and its
// forward-only migration runner, grounded in the raw CREATE TABLE IF NOT
// EXISTS style used across the retrieval pack's sqlite-backed stores.
package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	sort_key TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_blocks_parent_sort ON blocks(parent_id, sort_key);
CREATE INDEX IF NOT EXISTS idx_blocks_deleted_at ON blocks(deleted_at);

CREATE TABLE IF NOT EXISTS external_entities (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	parent_block_id TEXT,
	local_sort_key TEXT NOT NULL DEFAULT '',
	order_mutable INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_external_entities_provider ON external_entities(provider, entity_type);
CREATE INDEX IF NOT EXISTS idx_external_entities_parent ON external_entities(parent_block_id, local_sort_key);

CREATE TABLE IF NOT EXISTS operation_log_view (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	can_undo INTEGER NOT NULL DEFAULT 0,
	undo_display_name TEXT NOT NULL DEFAULT '',
	can_redo INTEGER NOT NULL DEFAULT 0,
	redo_display_name TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO operation_log_view (id) VALUES (1);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`
