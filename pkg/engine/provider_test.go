package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/sync/providers/fake"
	"github.com/nightscape/holon/pkg/types"
)

func newProviderEngine(t *testing.T, tasks []*fake.Task) (*Engine, *fake.Todoist) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReplicaID = "replica-a"
	cfg.PollInterval = 50 * time.Millisecond
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })

	ds := fake.NewTodoist(tasks)
	e.AttachProvider(ds)
	return e, ds
}

func waitForEntityRow(t *testing.T, e *Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rows, err := e.cache.Query(`SELECT 1 FROM external_entities WHERE id = ?`, id)
		return err == nil && len(rows) == 1
	}, 3*time.Second, 10*time.Millisecond, "provider poll never mirrored %s into the cache", id)
}

func TestAttachProviderMirrorsRemoteTasksIntoCache(t *testing.T) {
	e, _ := newProviderEngine(t, []*fake.Task{{ID: "1", Content: "buy milk"}})
	waitForEntityRow(t, e, "1")

	rows, err := e.cache.Query(`SELECT provider FROM external_entities WHERE id = ?`, "1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "todoist", rows[0]["provider"])
}

func TestExternalUpdateContentIsOptimisticThenSynced(t *testing.T) {
	e, ds := newProviderEngine(t, []*fake.Task{{ID: "1", Content: "old"}})
	waitForEntityRow(t, e, "1")

	_, err := e.ExecuteOperation("todoist", "update_content", types.OperationParams{
		"id": "1", "content": "new",
	})
	require.NoError(t, err)

	// The sync worker eventually replays the command against the remote.
	require.Eventually(t, func() bool {
		diffs, err := ds.FetchAll(context.Background())
		return err == nil && len(diffs) == 1 && diffs[0].Fields["content"] == "new"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(e.oplog.PendingSync()) == 0
	}, 3*time.Second, 10*time.Millisecond, "the command must settle out of pending_sync")
}

func TestExternalSortKeyWriteRejectedForOrderImmutableProvider(t *testing.T) {
	e, _ := newProviderEngine(t, []*fake.Task{{ID: "1", Content: "x"}})
	waitForEntityRow(t, e, "1")

	_, err := e.ExecuteOperation("todoist", "set_field", types.OperationParams{
		"id": "1", "field": "sort_key", "value": "a5",
	})
	var invalid *holonerr.InvalidOperation
	require.ErrorAs(t, err, &invalid)
}

func TestAvailableOperationsForProviderIncludesUndoRedo(t *testing.T) {
	e, _ := newProviderEngine(t, nil)

	names := map[string]bool{}
	for _, d := range e.AvailableOperationsFor("todoist") {
		names[d.Name] = true
	}
	assert.True(t, names["update_content"])
	assert.True(t, names["set_field"])
	assert.True(t, names["delete"])
	assert.True(t, names["undo"])
	assert.True(t, names["redo"])
	assert.False(t, names["indent"], "block-scoped operations must not leak into a provider scope")
}
