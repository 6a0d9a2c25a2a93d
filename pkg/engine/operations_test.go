package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/types"
)

func createChild(t *testing.T, e *Engine, parent, content, after string) string {
	t.Helper()
	res, err := e.ExecuteOperation("blocks", "create_block", types.OperationParams{
		"parent_id": parent, "content": content, "after_id": after,
	})
	require.NoError(t, err)
	return res.(string)
}

func TestMoveUpSwapsWithPrecedingSibling(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	a := createChild(t, e, root, "a", "")
	b := createChild(t, e, root, "b", a)

	_, err := e.ExecuteOperation("blocks", "move_up", types.OperationParams{"id": b})
	require.NoError(t, err)

	children, err := e.store.Children(root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, b, children[0].ID)
	assert.Equal(t, a, children[1].ID)
}

func TestMoveUpOnFirstSiblingIsInvalidOperation(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	a := createChild(t, e, root, "a", "")

	_, err := e.ExecuteOperation("blocks", "move_up", types.OperationParams{"id": a})
	assert.Error(t, err)
}

func TestMoveDownSwapsWithFollowingSibling(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	a := createChild(t, e, root, "a", "")
	b := createChild(t, e, root, "b", a)

	_, err := e.ExecuteOperation("blocks", "move_down", types.OperationParams{"id": a})
	require.NoError(t, err)

	children, err := e.store.Children(root)
	require.NoError(t, err)
	assert.Equal(t, b, children[0].ID)
	assert.Equal(t, a, children[1].ID)
}

func TestOutdentMovesBlockToGrandparentAfterParent(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	parent := createChild(t, e, root, "parent", "")
	child := createChild(t, e, parent, "child", "")

	_, err := e.ExecuteOperation("blocks", "outdent", types.OperationParams{"id": child})
	require.NoError(t, err)

	block, err := e.store.Get(child)
	require.NoError(t, err)
	assert.Equal(t, root, block.ParentID)

	children, err := e.store.Children(root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, parent, children[0].ID)
	assert.Equal(t, child, children[1].ID)
}

func TestOutdentAtTopLevelIsInvalidOperation(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	a := createChild(t, e, root, "a", "")

	_, err := e.ExecuteOperation("blocks", "outdent", types.OperationParams{"id": a})
	assert.Error(t, err)
}

func TestUndoOfCreateDeletesTheBlock(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	id := createChild(t, e, root, "a", "")

	require.NoError(t, e.Undo())

	_, err := e.store.Get(id)
	assert.Error(t, err)
}

func TestUndoOfDeleteRestoresContentUnderSameParent(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	id := createChild(t, e, root, "a", "")

	_, err := e.ExecuteOperation("blocks", "delete_block", types.OperationParams{"id": id})
	require.NoError(t, err)
	_, err = e.store.Get(id)
	require.Error(t, err)

	require.NoError(t, e.Undo())

	children, err := e.store.Children(root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a", children[0].Content)
}

func TestIndentThenOutdentRestoresSiblingOrder(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"

	a := createChild(t, e, root, "a", "")
	b := createChild(t, e, root, "b", a)

	_, err := e.ExecuteOperation("blocks", "indent", types.OperationParams{"id": b})
	require.NoError(t, err)
	block, err := e.store.Get(b)
	require.NoError(t, err)
	require.Equal(t, a, block.ParentID)

	_, err = e.ExecuteOperation("blocks", "outdent", types.OperationParams{"id": b})
	require.NoError(t, err)

	children, err := e.store.Children(root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, a, children[0].ID)
	assert.Equal(t, b, children[1].ID)
	assert.Greater(t, children[1].SortKey, children[0].SortKey)
}

func TestTargetForRoutesByURISchemeAndOperation(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, types.TargetCRDT, e.targetFor("blocks", "update_content", "local://abc"))
	assert.Equal(t, types.ExternalTarget("todoist"), e.targetFor("blocks", "update_content", "todoist://task/1"))
	assert.Equal(t, types.ExternalTarget("todoist_tasks"), e.targetFor("todoist_tasks", "update_content", "1"))
	assert.Equal(t, types.TargetLocal, e.targetFor("blocks", "toggle_collapse", "local://abc"))
}

func TestUndoOfPendingExternalCommandCancelsIt(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	id := createChild(t, e, root, "v2", "")

	inverse := types.SerializedOperation{
		Entity: "blocks", Name: "update_content",
		Params: types.OperationParams{"id": id, "content": "v1"},
	}
	entry, err := e.oplog.Append(
		types.SerializedOperation{Entity: "blocks", Name: "update_content", Params: types.OperationParams{"id": id, "content": "v2"}},
		&inverse, id, types.ExternalTarget("todoist"))
	require.NoError(t, err)
	require.Equal(t, types.StatusPendingSync, entry.Status)

	require.NoError(t, e.Undo())

	assert.Equal(t, types.StatusCancelled, entry.Status, "an unsent command is cancelled, not undone")
	assert.Empty(t, e.oplog.PendingSync(), "the sync worker must have nothing left to send")

	block, err := e.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v1", block.Content)
}

func TestUndoOfSyncedExternalCommandEnqueuesInverse(t *testing.T) {
	e := newTestEngine(t)
	root := "local://root"
	id := createChild(t, e, root, "v2", "")

	inverse := types.SerializedOperation{
		Entity: "blocks", Name: "update_content",
		Params: types.OperationParams{"id": id, "content": "v1"},
	}
	entry, err := e.oplog.Append(
		types.SerializedOperation{Entity: "blocks", Name: "update_content", Params: types.OperationParams{"id": id, "content": "v2"}},
		&inverse, id, types.ExternalTarget("todoist"))
	require.NoError(t, err)
	require.NoError(t, e.oplog.SetStatus(entry.ID, types.StatusSynced, ""))

	require.NoError(t, e.Undo())

	assert.Equal(t, types.StatusUndone, entry.Status)
	pending := e.oplog.PendingSync()
	require.Len(t, pending, 1, "the inverse must be queued for the remote")
	assert.Equal(t, "update_content", pending[0].Operation.Name)
	assert.Equal(t, "v1", pending[0].Operation.Params["content"])
}

func TestAvailableOperationsListsCreateBlockDescriptor(t *testing.T) {
	e := newTestEngine(t)
	var found bool
	for _, d := range e.AvailableOperations() {
		if d.EntityName == "blocks" && d.Name == "create_block" {
			found = true
			assert.Equal(t, "delete_block", d.InverseOf)
		}
	}
	assert.True(t, found)
}
