package oplog

import (
	"testing"

	"github.com/nightscape/holon/pkg/storage"
	"github.com/nightscape/holon/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, maxEntries int) (*Log, *storage.BoltStore) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l, err := New(store, maxEntries)
	require.NoError(t, err)
	return l, store
}

func op(name string) types.SerializedOperation {
	return types.SerializedOperation{Entity: "blocks", Name: name, Params: types.OperationParams{}}
}

func TestAppendMarksExternalTargetPendingSync(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	entry, err := l.Append(op("update_content"), nil, "local://a", types.ExternalTarget("todoist"))
	require.NoError(t, err)
	require.Equal(t, types.StatusPendingSync, entry.Status)
}

func TestAppendMarksLocalTargetSyncedImmediately(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	entry, err := l.Append(op("toggle_collapse"), nil, "local://a", types.TargetLocal)
	require.NoError(t, err)
	require.Equal(t, types.StatusSynced, entry.Status)
}

func TestUndoRedoAreInverseOfEachOther(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	inverse := op("delete_block")
	entry, err := l.Append(op("create_block"), &inverse, "local://a", types.TargetCRDT)
	require.NoError(t, err)

	require.True(t, l.CanUndo())
	require.False(t, l.CanRedo())

	undoCandidate := l.NextUndo()
	require.Equal(t, entry.ID, undoCandidate.ID)

	require.NoError(t, l.SetStatus(entry.ID, types.StatusUndone, ""))
	require.False(t, l.CanUndo())
	require.True(t, l.CanRedo())

	redoCandidate := l.NextRedo()
	require.Equal(t, entry.ID, redoCandidate.ID)
}

func TestRedoBlockedAfterLaterOperationOnSameEntity(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	inverse := op("delete_block")
	entry, err := l.Append(op("create_block"), &inverse, "local://a", types.TargetCRDT)
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(entry.ID, types.StatusUndone, ""))
	require.True(t, l.CanRedo())

	_, err = l.Append(op("update_content"), nil, "local://a", types.TargetCRDT)
	require.NoError(t, err)

	require.False(t, l.CanRedo(), "a fresh op on the same entity invalidates the earlier undone entry as a redo target")
	require.Nil(t, l.NextRedo())
}

func TestRedoUnaffectedByLaterOperationOnDifferentEntity(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	inverse := op("delete_block")
	entry, err := l.Append(op("create_block"), &inverse, "local://a", types.TargetCRDT)
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(entry.ID, types.StatusUndone, ""))

	_, err = l.Append(op("update_content"), nil, "local://b", types.TargetCRDT)
	require.NoError(t, err)

	redoCandidate := l.NextRedo()
	require.NotNil(t, redoCandidate)
	require.Equal(t, entry.ID, redoCandidate.ID)
}

func TestPendingSyncReturnsOnlyPendingEntries(t *testing.T) {
	l, _ := newTestLog(t, DefaultMaxEntries)

	e1, err := l.Append(op("update_content"), nil, "local://a", types.ExternalTarget("todoist"))
	require.NoError(t, err)
	_, err = l.Append(op("toggle_collapse"), nil, "local://b", types.TargetLocal)
	require.NoError(t, err)

	pending := l.PendingSync()
	require.Len(t, pending, 1)
	require.Equal(t, e1.ID, pending[0].ID)
}

func TestRetentionNeverTrimsPendingSyncEntries(t *testing.T) {
	l, _ := newTestLog(t, 2)

	var entries []*types.LogEntry
	for i := 0; i < 5; i++ {
		e, err := l.Append(op("update_content"), nil, "local://a", types.ExternalTarget("todoist"))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	require.Equal(t, 5, l.Depth(), "pending_sync entries must never be trimmed, even past the bound")
}

func TestRetentionTrimsOldestSyncedEntriesPastBound(t *testing.T) {
	l, _ := newTestLog(t, 2)

	var ids []int64
	for i := 0; i < 5; i++ {
		e, err := l.Append(op("toggle_collapse"), nil, "local://a", types.TargetLocal)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	require.Equal(t, 2, l.Depth())
}
