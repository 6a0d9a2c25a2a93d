// Package storage provides durable, bbolt-backed persistence for the CRDT
// Block Store's snapshots and the Operation Log's entries. It follows the
// teacher's bucket-per-entity, JSON-value pattern (db.Update/db.View over
// named buckets) rather than introducing a second schema style.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nightscape/holon/pkg/types"
)

var (
	bucketBlocks    = []byte("blocks")
	bucketOperLog   = []byte("operation_log")
	bucketOperMeta  = []byte("operation_log_meta")
)

// oplogSeqKey is the operation_log_meta key holding the next log entry id.
var oplogSeqKey = []byte("next_id")

// BoltStore is the durable store backing one document: block snapshots
// (for crash recovery of the in-memory CRDT Store) and the operation
// log's append-only rows.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "holon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlocks, bucketOperLog, bucketOperMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutBlock upserts a block snapshot.
func (s *BoltStore) PutBlock(block *types.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		data, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("marshal block: %w", err)
		}
		return b.Put([]byte(block.ID), data)
	})
}

// GetBlock returns a persisted block snapshot by id.
func (s *BoltStore) GetBlock(id string) (*types.Block, error) {
	var block types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("block not found: %s", id)
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// ListBlocks returns every persisted block snapshot, used to rebuild the
// in-memory CRDT Store on startup.
func (s *BoltStore) ListBlocks() ([]*types.Block, error) {
	var blocks []*types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		return b.ForEach(func(k, v []byte) error {
			var block types.Block
			if err := json.Unmarshal(v, &block); err != nil {
				return err
			}
			blocks = append(blocks, &block)
			return nil
		})
	})
	return blocks, err
}

// DeleteBlock removes a block snapshot (used only when compacting
// tombstones past the configured retention window, never on ordinary
// delete — the tombstone itself must persist so merges stay correct).
func (s *BoltStore) DeleteBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		return b.Delete([]byte(id))
	})
}

// AppendLogEntry assigns entry the next sequential id and persists it.
func (s *BoltStore) AppendLogEntry(entry *types.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketOperMeta)
		id, err := nextSeq(meta)
		if err != nil {
			return err
		}
		entry.ID = id

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		return tx.Bucket(bucketOperLog).Put(idKey(id), data)
	})
}

// UpdateLogEntry overwrites an existing log entry (status transitions).
func (s *BoltStore) UpdateLogEntry(entry *types.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		return tx.Bucket(bucketOperLog).Put(idKey(entry.ID), data)
	})
}

// DeleteLogEntry removes a log entry permanently (used by retention
// trimming).
func (s *BoltStore) DeleteLogEntry(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperLog).Delete(idKey(id))
	})
}

// ListLogEntries returns every persisted log entry in ascending id order.
func (s *BoltStore) ListLogEntries() ([]*types.LogEntry, error) {
	var entries []*types.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperLog)
		return b.ForEach(func(k, v []byte) error {
			var entry types.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func nextSeq(meta *bolt.Bucket) (int64, error) {
	raw := meta.Get(oplogSeqKey)
	var next int64 = 1
	if raw != nil {
		if err := json.Unmarshal(raw, &next); err != nil {
			return 0, fmt.Errorf("decode sequence counter: %w", err)
		}
	}
	encoded, err := json.Marshal(next + 1)
	if err != nil {
		return 0, err
	}
	if err := meta.Put(oplogSeqKey, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}
