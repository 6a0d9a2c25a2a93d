// Package crdt implements the CRDT Block Store: an in-memory,
// eventually-consistent hierarchical document of Blocks, replicated by
// merging last-writer-wins field updates and tombstone deletions from
// any number of origins (this replica, a remote peer, an external
// provider's sync worker).
//
// Each mutable field on a Block (content, parent_id, sort_key) carries a
// hidden (timestamp, origin) tag. Applying a remote update keeps the
// existing value unless the incoming tag is strictly greater, so merges
// are commutative, associative, and idempotent regardless of delivery
// order — the dispatch pattern mirrors the teacher's command-apply
// switch, but resolves conflicting writers instead of replaying a single
// agreed-upon log.
package crdt

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nightscape/holon/pkg/broadcast"
	"github.com/nightscape/holon/pkg/fractional"
	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/metrics"
	"github.com/nightscape/holon/pkg/types"
)

// AtHead is the afterID sentinel for inserting before every existing
// sibling. An empty afterID appends at the tail; AtHead is the explicit
// opposite end, needed by inverse operations restoring a block that was
// first among its siblings.
const AtHead = "__head__"

// fieldTag records the (timestamp, origin) pair an LWW field was last
// written with, used to resolve concurrent updates deterministically:
// higher timestamp wins; ties break on origin id (lexicographic).
type fieldTag struct {
	timestamp int64
	originID  string
}

func (a fieldTag) wins(b fieldTag) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp > b.timestamp
	}
	return a.originID > b.originID
}

// blockRecord is the replica's internal representation: the visible
// Block plus the tags each LWW field was last written with.
type blockRecord struct {
	block      types.Block
	contentTag fieldTag
	parentTag  fieldTag
	sortKeyTag fieldTag
}

// Store is the CRDT Block Store for a single document. It is safe for
// concurrent use; all mutation goes through a single writer lock so that
// merges, like the teacher's FSM.Apply, observe a consistent snapshot.
type Store struct {
	mu       sync.Mutex
	originID string
	blocks   map[string]*blockRecord
	children map[string][]string // parent_id -> ordered child ids, by sort_key
	changes  *broadcast.Broker[types.BlockChange]
}

// New creates an empty Store seeded with its single root block. originID
// identifies this replica in LWW tie-breaks and as the Origin recorded
// on locally authored changes.
func New(originID string) *Store {
	s := &Store{
		originID: originID,
		blocks:   make(map[string]*blockRecord),
		children: make(map[string][]string),
		changes:  broadcast.NewBroker[types.BlockChange](256),
	}
	root := &blockRecord{
		block: types.Block{
			ID:       "local://root",
			ParentID: types.RootParentSentinel,
			SortKey:  "",
		},
	}
	s.blocks[root.block.ID] = root
	return s
}

// lastTimestamp is the most recent value now handed out.
var lastTimestamp atomic.Int64

// now returns the current epoch milliseconds, bumped past the previous
// result when the clock has not advanced, so two local writes issued
// within the same millisecond still get strictly increasing tags.
func now() int64 {
	for {
		last := lastTimestamp.Load()
		ts := time.Now().UnixMilli()
		if ts <= last {
			ts = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// OriginID returns this replica's identity, used by the Engine Facade to
// tag locally authored deltas forwarded to the P2P adapter.
func (s *Store) OriginID() string {
	return s.originID
}

// Watch returns a subscription to the store's change stream. Origin
// tags tell consumers whether a change was authored on this replica
// (Local) or merged from elsewhere (Remote); the engine's p2p forwarder
// re-broadcasts only Local changes to peers.
func (s *Store) Watch() broadcast.Subscriber[types.BlockChange] {
	return s.changes.Subscribe()
}

func (s *Store) Unwatch(sub broadcast.Subscriber[types.BlockChange]) {
	s.changes.Unsubscribe(sub)
}

// Close shuts down the change stream, closing every outstanding
// subscriber channel so consumers draining them can exit.
func (s *Store) Close() {
	s.changes.Close()
}

// WatchFromBeginning returns the current live document as a sequence of
// Created events in parent-before-child, sibling order, plus a live
// subscription opened atomically with the snapshot. Replaying the
// snapshot into an empty consumer and then following the subscription
// reproduces the document with no gap and no race between initial state
// and the live tail.
func (s *Store) WatchFromBeginning() ([]types.BlockChange, broadcast.Subscriber[types.BlockChange]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.changes.Subscribe()

	var events []types.BlockChange
	emit := func(id string) {
		rec := s.blocks[id]
		b := rec.block
		events = append(events, types.BlockChange{
			Kind:   types.ChangeCreated,
			Block:  &b,
			ID:     id,
			Origin: types.OriginLocal,
		})
	}
	var walk func(id string)
	walk = func(id string) {
		for _, childID := range s.children[id] {
			rec := s.blocks[childID]
			if rec == nil || rec.block.IsDeleted() {
				continue
			}
			emit(childID)
			walk(childID)
		}
	}
	rootID := s.rootIDLocked()
	emit(rootID)
	walk(rootID)
	return events, sub
}

// Get returns a live (non-tombstoned) block by id.
func (s *Store) Get(id string) (types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[id]
	if !ok || rec.block.IsDeleted() {
		return types.Block{}, &holonerr.BlockNotFound{ID: id}
	}
	return rec.block, nil
}

// Children returns the live children of parentID, in sibling order.
func (s *Store) Children(parentID string) ([]types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[parentID]; !ok {
		return nil, &holonerr.BlockNotFound{ID: parentID}
	}

	ids := s.children[parentID]
	out := make([]types.Block, 0, len(ids))
	for _, id := range ids {
		rec := s.blocks[id]
		if rec != nil && !rec.block.IsDeleted() {
			out = append(out, rec.block)
		}
	}
	return out, nil
}

// Create inserts a new block under parentID, after the sibling named by
// afterID ("" means append at the tail; AtHead means insert before
// every sibling). It returns the new block's id.
func (s *Store) Create(parentID, content, afterID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(parentID); err != nil {
		return "", err
	}

	sortKey, err := s.sortKeyAfterLocked(parentID, afterID)
	if err != nil {
		return "", err
	}

	id := "local://" + uuid.NewString()
	ts := now()
	tag := fieldTag{timestamp: ts, originID: s.originID}

	rec := &blockRecord{
		block: types.Block{
			ID:        id,
			ParentID:  parentID,
			Content:   content,
			SortKey:   sortKey,
			Depth:     s.depthLocked(parentID) + 1,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		contentTag: tag,
		parentTag:  tag,
		sortKeyTag: tag,
	}
	s.blocks[id] = rec
	s.insertChildLocked(parentID, id, sortKey)

	blockCopy := rec.block
	s.changes.Publish(types.BlockChange{
		Kind:   types.ChangeCreated,
		Block:  &blockCopy,
		ID:     id,
		Origin: types.OriginLocal,
	})
	return id, nil
}

// UpdateContent applies a locally authored content change.
func (s *Store) UpdateContent(id, content string) error {
	return s.applyContent(id, content, fieldTag{timestamp: now(), originID: s.originID}, types.OriginLocal)
}

// ApplyRemoteContent merges a remote content update, used by the
// engine for inbound p2p deltas and when restoring persisted blocks.
func (s *Store) ApplyRemoteContent(id, content string, timestamp int64, originID string) error {
	return s.applyContent(id, content, fieldTag{timestamp: timestamp, originID: originID}, types.OriginRemote)
}

func (s *Store) applyContent(id, content string, tag fieldTag, origin types.Origin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[id]
	if !ok || rec.block.IsDeleted() {
		return &holonerr.BlockNotFound{ID: id}
	}
	if !tag.wins(rec.contentTag) {
		return nil // stale write, silently dropped per LWW semantics
	}
	rec.contentTag = tag
	rec.block.Content = content
	rec.block.UpdatedAt = tag.timestamp

	blockCopy := rec.block
	s.changes.Publish(types.BlockChange{
		Kind:   types.ChangeUpdated,
		Block:  &blockCopy,
		ID:     id,
		Origin: origin,
	})
	return nil
}

// Move relocates id to be a child of newParentID, positioned after
// afterID. Returns CyclicMove if newParentID is id or a descendant of id.
func (s *Store) Move(id, newParentID, afterID string) error {
	return s.applyMove(id, newParentID, afterID, fieldTag{timestamp: now(), originID: s.originID}, types.OriginLocal)
}

// ApplyRemoteMove merges a remote move.
func (s *Store) ApplyRemoteMove(id, newParentID, afterID string, timestamp int64, originID string) error {
	return s.applyMove(id, newParentID, afterID, fieldTag{timestamp: timestamp, originID: originID}, types.OriginRemote)
}

func (s *Store) applyMove(id, newParentID, afterID string, tag fieldTag, origin types.Origin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admitForRepositionLocked(id, newParentID, tag, origin); err != nil {
		return err
	}
	rec := s.blocks[id]
	if !tag.wins(rec.parentTag) {
		return nil
	}

	sortKey, err := s.sortKeyAfterLocked(newParentID, afterID)
	if err != nil {
		return err
	}

	s.repositionLocked(rec, id, newParentID, sortKey, tag)
	blockCopy := rec.block
	s.changes.Publish(types.BlockChange{
		Kind:      types.ChangeMoved,
		Block:     &blockCopy,
		ID:        id,
		NewParent: newParentID,
		After:     afterID,
		Origin:    origin,
	})
	return nil
}

// ApplyRemoteReposition merges a remote parent/sort-key write using the
// sending replica's own literal sort key, rather than recomputing one
// against this replica's sibling list the way ApplyRemoteMove does via
// afterID. The P2P adapter uses this for inbound deltas so that two
// replicas merging the same move converge on the identical sort key
// instead of each independently subdividing their own sibling gaps.
func (s *Store) ApplyRemoteReposition(id, newParentID, sortKey string, timestamp int64, originID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := fieldTag{timestamp: timestamp, originID: originID}
	if err := s.admitForRepositionLocked(id, newParentID, tag, types.OriginRemote); err != nil {
		return err
	}
	rec := s.blocks[id]
	if !tag.wins(rec.parentTag) {
		return nil
	}

	s.repositionLocked(rec, id, newParentID, sortKey, tag)
	blockCopy := rec.block
	s.changes.Publish(types.BlockChange{
		Kind:      types.ChangeMoved,
		Block:     &blockCopy,
		ID:        id,
		NewParent: newParentID,
		Origin:    types.OriginRemote,
	})
	return nil
}

// admitForRepositionLocked vivifies a never-seen remote id, rejects a
// tombstoned or cyclic target, and must be called with mu held.
func (s *Store) admitForRepositionLocked(id, newParentID string, tag fieldTag, origin types.Origin) error {
	rec, ok := s.blocks[id]
	if !ok {
		// A remote move naming a block this replica has never seen
		// vivifies it, rather than erroring: peers and the restore path
		// may observe a block's position before (or independently of)
		// its content, and delivery order between the two is not
		// guaranteed.
		if origin != types.OriginRemote {
			return &holonerr.BlockNotFound{ID: id}
		}
		rec = &blockRecord{block: types.Block{ID: id, CreatedAt: tag.timestamp}}
		s.blocks[id] = rec
	} else if rec.block.IsDeleted() {
		return &holonerr.BlockNotFound{ID: id}
	}
	if err := s.checkLiveLocked(newParentID); err != nil {
		return err
	}
	if s.isAncestorLocked(id, newParentID) || id == newParentID {
		return &holonerr.CyclicMove{BlockID: id, NewParent: newParentID}
	}
	return nil
}

// repositionLocked unlinks rec from its current sibling list and relinks
// it under newParentID at sortKey, tagging both fields with tag. Callers
// must already hold mu and have verified tag wins the existing parentTag.
func (s *Store) repositionLocked(rec *blockRecord, id, newParentID, sortKey string, tag fieldTag) {
	oldParent := rec.block.ParentID
	s.removeChildLocked(oldParent, id)

	rec.parentTag = tag
	rec.sortKeyTag = tag
	rec.block.ParentID = newParentID
	rec.block.SortKey = sortKey
	rec.block.Depth = s.depthLocked(newParentID) + 1
	rec.block.UpdatedAt = tag.timestamp
	s.insertChildLocked(newParentID, id, sortKey)
	s.recomputeDescendantDepthsLocked(id)
}

// SwapSortKeys exchanges the sibling positions of two live blocks under
// the same parent, publishing a Moved event for each so the cache
// mirror and peers observe both new positions.
func (s *Store) SwapSortKeys(idA, idB string) error {
	s.mu.Lock()

	recA, okA := s.blocks[idA]
	recB, okB := s.blocks[idB]
	if !okA || recA.block.IsDeleted() {
		s.mu.Unlock()
		return &holonerr.BlockNotFound{ID: idA}
	}
	if !okB || recB.block.IsDeleted() {
		s.mu.Unlock()
		return &holonerr.BlockNotFound{ID: idB}
	}
	if recA.block.ParentID != recB.block.ParentID {
		s.mu.Unlock()
		return &holonerr.InvalidOperation{Operation: "swap_sort_keys", Reason: "blocks are not siblings"}
	}

	tag := fieldTag{timestamp: now(), originID: s.originID}
	recA.block.SortKey, recB.block.SortKey = recB.block.SortKey, recA.block.SortKey
	recA.sortKeyTag = tag
	recB.sortKeyTag = tag
	recA.block.UpdatedAt = tag.timestamp
	recB.block.UpdatedAt = tag.timestamp

	parentID := recA.block.ParentID
	siblings := s.children[parentID]
	for i, sid := range siblings {
		if sid == idA {
			for j, other := range siblings {
				if other == idB {
					siblings[i], siblings[j] = siblings[j], siblings[i]
				}
			}
			break
		}
	}

	copyA := recA.block
	copyB := recB.block
	s.mu.Unlock()

	for _, blockCopy := range []types.Block{copyA, copyB} {
		b := blockCopy
		s.changes.Publish(types.BlockChange{
			Kind:      types.ChangeMoved,
			Block:     &b,
			ID:        b.ID,
			NewParent: parentID,
			Origin:    types.OriginLocal,
		})
	}
	return nil
}

// Delete tombstones id and reparents its live children to the document
// root, emitting a Moved event for each orphaned child — the resolved
// cascade policy: no subtree is silently discarded, and no descendant
// keeps pointing at a tombstone.
func (s *Store) Delete(id string) error {
	return s.applyDelete(id, fieldTag{timestamp: now(), originID: s.originID}, types.OriginLocal)
}

// ApplyRemoteDelete merges a remote tombstone.
func (s *Store) ApplyRemoteDelete(id string, timestamp int64, originID string) error {
	return s.applyDelete(id, fieldTag{timestamp: timestamp, originID: originID}, types.OriginRemote)
}

func (s *Store) applyDelete(id string, tag fieldTag, origin types.Origin) error {
	s.mu.Lock()

	rec, ok := s.blocks[id]
	if !ok {
		s.mu.Unlock()
		return &holonerr.BlockNotFound{ID: id}
	}
	if rec.block.IsDeleted() {
		s.mu.Unlock()
		return nil
	}

	deletedAt := tag.timestamp
	rec.block.DeletedAt = &deletedAt
	rec.block.UpdatedAt = deletedAt
	parentID := rec.block.ParentID
	s.removeChildLocked(parentID, id)

	blockCopy := rec.block
	orphans := append([]string(nil), s.children[id]...)
	rootID := s.rootIDLocked()

	s.mu.Unlock()

	s.changes.Publish(types.BlockChange{
		Kind:   types.ChangeDeleted,
		Block:  &blockCopy,
		ID:     id,
		Origin: origin,
	})

	for _, childID := range orphans {
		if err := s.applyMove(childID, rootID, "", fieldTag{timestamp: now(), originID: s.originID}, origin); err != nil {
			log.WithBlockID(childID).Warn().Err(err).Msg("failed to reparent orphaned child to root")
		}
	}
	return nil
}

// CompactTombstones removes tombstoned blocks whose deletion is older
// than minAge, returning the ids it removed so the caller can drop the
// corresponding durable snapshots. Young tombstones are kept: a peer
// that has not yet observed the deletion still needs the marker to
// merge against.
func (s *Store) CompactTombstones(minAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now() - minAge.Milliseconds()
	var removed []string
	for id, rec := range s.blocks {
		if rec.block.DeletedAt == nil || *rec.block.DeletedAt > cutoff {
			continue
		}
		delete(s.blocks, id)
		delete(s.children, id)
		removed = append(removed, id)
	}
	return removed
}

func (s *Store) rootIDLocked() string {
	for id, rec := range s.blocks {
		if rec.block.IsRoot() {
			return id
		}
	}
	return "local://root"
}

func (s *Store) checkLiveLocked(id string) error {
	rec, ok := s.blocks[id]
	if !ok || rec.block.IsDeleted() {
		return &holonerr.BlockNotFound{ID: id}
	}
	return nil
}

func (s *Store) isAncestorLocked(ancestorID, id string) bool {
	cur := id
	seen := map[string]bool{}
	for {
		rec, ok := s.blocks[cur]
		if !ok || rec.block.IsRoot() || seen[cur] {
			return false
		}
		seen[cur] = true
		if rec.block.ParentID == ancestorID {
			return true
		}
		cur = rec.block.ParentID
	}
}

func (s *Store) depthLocked(id string) int {
	if rec, ok := s.blocks[id]; ok {
		return rec.block.Depth
	}
	return 0
}

func (s *Store) recomputeDescendantDepthsLocked(id string) {
	rec := s.blocks[id]
	depth := rec.block.Depth
	for _, childID := range s.children[id] {
		child := s.blocks[childID]
		if child == nil {
			continue
		}
		child.block.Depth = depth + 1
		s.recomputeDescendantDepthsLocked(childID)
	}
}

func (s *Store) sortKeyAfterLocked(parentID, afterID string) (string, error) {
	prev, next, err := s.siblingBoundsLocked(parentID, afterID)
	if err != nil {
		return "", err
	}

	key, err := fractional.Between(prev, next)
	if err == nil {
		return key, nil
	}

	var invalid *holonerr.InvalidOperation
	if !errors.As(err, &invalid) {
		return "", err
	}

	// Between refuses to subdivide further once a key has grown past
	// fractional.MaxKeyLength; redistribute this parent's whole sibling
	// list across short, evenly spaced keys and retry the insertion.
	s.rebalanceChildrenLocked(parentID)
	prev, next, err = s.siblingBoundsLocked(parentID, afterID)
	if err != nil {
		return "", err
	}
	return fractional.Between(prev, next)
}

// siblingBoundsLocked returns the sort keys immediately surrounding the
// position after afterID among parentID's children. An empty afterID
// means the tail of the sibling list; AtHead means before every
// sibling.
func (s *Store) siblingBoundsLocked(parentID, afterID string) (prev, next string, err error) {
	siblings := s.children[parentID]

	if afterID == AtHead {
		if len(siblings) > 0 {
			next = s.blocks[siblings[0]].block.SortKey
		}
		return "", next, nil
	}
	if afterID == "" {
		if len(siblings) > 0 {
			prev = s.blocks[siblings[len(siblings)-1]].block.SortKey
		}
		return prev, "", nil
	}

	idx := -1
	for i, sid := range siblings {
		if sid == afterID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", "", &holonerr.BlockNotFound{ID: afterID}
	}

	prev = s.blocks[siblings[idx]].block.SortKey
	if idx+1 < len(siblings) {
		next = s.blocks[siblings[idx+1]].block.SortKey
	}
	return prev, next, nil
}

// rebalanceChildrenLocked redistributes parentID's live children across
// short, evenly spaced sort keys, publishing an Updated event per
// affected block so the cache mirror and any peers stay current.
func (s *Store) rebalanceChildrenLocked(parentID string) {
	siblings := s.children[parentID]
	keys := fractional.Rebalance(len(siblings))
	ts := now()
	tag := fieldTag{timestamp: ts, originID: s.originID}

	for i, id := range siblings {
		rec := s.blocks[id]
		if rec == nil {
			continue
		}
		rec.sortKeyTag = tag
		rec.block.SortKey = keys[i]
		rec.block.UpdatedAt = ts

		blockCopy := rec.block
		s.changes.Publish(types.BlockChange{
			Kind:   types.ChangeUpdated,
			Block:  &blockCopy,
			ID:     id,
			Origin: types.OriginLocal,
		})
	}

	metrics.FractionalRebalancesTotal.Inc()
	log.WithComponent("crdt").Info().Str("parent_id", parentID).Int("siblings", len(siblings)).Msg("rebalanced sibling sort keys past the key length bound")
}

func (s *Store) insertChildLocked(parentID, id, sortKey string) {
	siblings := s.children[parentID]
	i := sort.Search(len(siblings), func(i int) bool {
		return s.blocks[siblings[i]].block.SortKey > sortKey
	})
	siblings = append(siblings, "")
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = id
	s.children[parentID] = siblings
}

func (s *Store) removeChildLocked(parentID, id string) {
	siblings := s.children[parentID]
	for i, sid := range siblings {
		if sid == id {
			s.children[parentID] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}
