package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReplicaID = "replica-a"
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })
	return e
}

func TestNewSeedsRegistryWithBuiltinOperations(t *testing.T) {
	e := newTestEngine(t)
	assert.True(t, e.HasOperation("blocks", "create_block"))
	assert.True(t, e.HasOperation("blocks", "update_content"))
	assert.True(t, e.HasOperation("blocks", "delete_block"))
	assert.True(t, e.HasOperation("blocks", "move_block"))
	assert.True(t, e.HasOperation("blocks", "indent"))
	assert.True(t, e.HasOperation("blocks", "outdent"))
	assert.True(t, e.HasOperation("*", "undo"))
	assert.True(t, e.HasOperation("*", "redo"))
	assert.False(t, e.HasOperation("blocks", "nonexistent"))
}

func TestExecuteOperationCreatesBlockAndRecordsLogEntry(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{
		"parent_id": "local://root",
		"content":   "hello",
	})
	require.NoError(t, err)
	id, ok := result.(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)

	assert.True(t, e.CanUndo())
}

func TestUndoRedoRoundTripsContentChange(t *testing.T) {
	e := newTestEngine(t)

	created, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{
		"parent_id": "local://root",
		"content":   "v1",
	})
	require.NoError(t, err)
	id := created.(string)

	_, err = e.ExecuteOperation("blocks", "update_content", types.OperationParams{
		"id": id, "content": "v2",
	})
	require.NoError(t, err)

	block, err := e.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v2", block.Content)

	require.NoError(t, e.Undo())
	block, err = e.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v1", block.Content)

	require.NoError(t, e.Redo())
	block, err = e.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v2", block.Content)
}

func TestUndoWithNothingToUndoReturnsInvalidOperation(t *testing.T) {
	e := newTestEngine(t)
	err := e.Undo()
	assert.Error(t, err)
	assert.False(t, e.CanRedo())
}

func TestIndentMakesBlockChildOfPrecedingSibling(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	firstRes, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{"parent_id": root, "content": "first"})
	require.NoError(t, err)
	first := firstRes.(string)

	secondRes, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{"parent_id": root, "content": "second", "after_id": first})
	require.NoError(t, err)
	second := secondRes.(string)

	_, err = e.ExecuteOperation("blocks", "indent", types.OperationParams{"id": second})
	require.NoError(t, err)

	block, err := e.store.Get(second)
	require.NoError(t, err)
	assert.Equal(t, first, block.ParentID)
}

func TestIndentFirstSiblingIsInvalidOperation(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	firstRes, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{"parent_id": root, "content": "only"})
	require.NoError(t, err)
	first := firstRes.(string)

	_, err = e.ExecuteOperation("blocks", "indent", types.OperationParams{"id": first})
	assert.Error(t, err)
}

func TestToggleCollapseFlipsLocalCollapseState(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	res, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{"parent_id": root, "content": "x"})
	require.NoError(t, err)
	id := res.(string)

	assert.False(t, e.IsCollapsed(id))
	_, err = e.ExecuteOperation("blocks", "toggle_collapse", types.OperationParams{"id": id})
	require.NoError(t, err)
	assert.True(t, e.IsCollapsed(id))
}

func TestQueryAndWatchFiresOnSubsequentChange(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	rows, sub, cancel, err := e.QueryAndWatch(`SELECT id FROM blocks WHERE parent_id = ?`, root)
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, rows)

	_, err = e.ExecuteOperation("blocks", "create_block", types.OperationParams{"parent_id": root, "content": "x"})
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, "blocks", evt.Table)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CDC event")
	}
}

func TestOperationLogViewTracksUndoAvailability(t *testing.T) {
	e := newTestEngine(t)

	rows, err := e.cache.Query(`SELECT can_undo, undo_display_name FROM operation_log_view`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0, rows[0]["can_undo"])

	_, err = e.ExecuteOperation("blocks", "create_block", types.OperationParams{
		"parent_id": "local://root", "content": "x",
	})
	require.NoError(t, err)

	rows, err = e.cache.Query(`SELECT can_undo, undo_display_name FROM operation_log_view`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["can_undo"])
	assert.Equal(t, "create_block", rows[0]["undo_display_name"])
}

func TestP2PNodeIDDefaultsToLoopback(t *testing.T) {
	e := newTestEngine(t)
	assert.NotEmpty(t, e.P2PNodeID())
	assert.Equal(t, "replica-a", e.P2PNodeID())
}
