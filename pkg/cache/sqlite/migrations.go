package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Migration is one forward-only, idempotent schema change applied after
// the base schema, numbered and tracked in schema_version so reopening an
// existing database never re-applies a migration it already ran.
type Migration struct {
	Version int
	Name    string
	Func    func(*sql.DB) error
}

// migrationsList is the ordered set of migrations applied after the base
// schema. Add new entries with an incrementing Version; never reorder or
// remove an already-released entry.
var migrationsList = []Migration{
	{1, "depth_index", migrateDepthIndex},
}

func migrateDepthIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_blocks_depth ON blocks(depth)`)
	return err
}

// Open opens (creating if necessary) a sqlite database at path, applies
// the base schema, and runs any migrations not yet recorded in
// schema_version.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply base schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrationsList {
		if m.Version <= current {
			continue
		}
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %s (v%d) failed: %w", m.Name, m.Version, err)
		}
		if err := setVersion(db, m.Version); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.Version, err)
		}
		current = m.Version
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func setVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`DELETE FROM schema_version`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	return err
}
