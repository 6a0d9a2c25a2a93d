// Package fake provides a deterministic, in-memory Todoist-shaped
// Datasource, used by tests and by offline/demo use of the engine where
// no real provider credentials are configured. It implements the same
// sync.Datasource contract a real HTTP-backed provider would, so the
// Sync Worker and Provider loop exercise identical code paths against
// it.
package fake

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"

	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/sync"
	"github.com/nightscape/holon/pkg/types"
)

// Task is one fake Todoist task, the entity shape this datasource
// serves.
type Task struct {
	ID            string
	Content       string
	ParentBlockID string
	Priority      int
	Deleted       bool
}

// Todoist is a deterministic fake of the Todoist task API: content
// updates always succeed, and a task id can be configured to reject or
// network-fail on demand so tests can exercise the Sync Worker's
// partial-batch-failure handling without a live network dependency.
type Todoist struct {
	mu        stdsync.Mutex
	tasks     map[string]*Task
	rejectIDs map[string]string // task id -> rejection reason
	failIDs   map[string]bool   // task id -> simulate network failure
	seenKeys  map[string]bool   // applied idempotency keys
}

// NewTodoist returns a Todoist datasource seeded with tasks.
func NewTodoist(tasks []*Task) *Todoist {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &Todoist{
		tasks:     byID,
		rejectIDs: make(map[string]string),
		failIDs:   make(map[string]bool),
		seenKeys:  make(map[string]bool),
	}
}

// Name implements sync.Datasource.
func (t *Todoist) Name() string { return "todoist" }

// OrderMutable implements sync.Datasource. Todoist imposes its own
// priority-based ordering, so Holon's local sort_key overlay cannot be
// pushed back to it.
func (t *Todoist) OrderMutable() bool { return false }

// RejectNext makes the next Apply call against taskID fail with
// holonerr.Rejected.
func (t *Todoist) RejectNext(taskID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectIDs[taskID] = reason
}

// FailNext makes the next Apply call against taskID fail with
// holonerr.NetworkError.
func (t *Todoist) FailNext(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failIDs[taskID] = true
}

// FetchAll implements sync.Datasource.
func (t *Todoist) FetchAll(ctx context.Context) ([]sync.EntityDiff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	diffs := make([]sync.EntityDiff, 0, len(ids))
	for _, id := range ids {
		task := t.tasks[id]
		diffs = append(diffs, sync.EntityDiff{
			EntityID:      task.ID,
			ParentBlockID: task.ParentBlockID,
			Fields: map[string]any{
				"content":  task.Content,
				"priority": task.Priority,
			},
			Deleted: task.Deleted,
		})
	}
	return diffs, nil
}

// Apply implements sync.Datasource.
func (t *Todoist) Apply(ctx context.Context, idempotencyKey string, op types.SerializedOperation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	taskID, _ := op.Params["id"].(string)
	if taskID == "" {
		taskID, _ = op.Params["entity_id"].(string)
	}

	// A re-delivered command is acknowledged without re-applying, the
	// way a well-behaved remote honors an Idempotency-Key header.
	if t.seenKeys[idempotencyKey] {
		return nil
	}

	if t.failIDs[taskID] {
		delete(t.failIDs, taskID)
		return &holonerr.NetworkError{Target: "todoist", Err: fmt.Errorf("simulated timeout applying %s", op.Name)}
	}
	if reason, ok := t.rejectIDs[taskID]; ok {
		delete(t.rejectIDs, taskID)
		return &holonerr.Rejected{Target: "todoist", Reason: reason}
	}

	task, ok := t.tasks[taskID]
	if !ok {
		return &holonerr.Rejected{Target: "todoist", Reason: "no such task: " + taskID}
	}

	switch op.Name {
	case "update_content":
		content, _ := op.Params["content"].(string)
		task.Content = content
	case "set_field":
		if field, _ := op.Params["field"].(string); field == "priority" {
			if p, ok := op.Params["value"].(int); ok {
				task.Priority = p
			}
		}
	case "delete", "delete_block":
		task.Deleted = true
	default:
		return &holonerr.UnknownOperation{Entity: "todoist", Name: op.Name}
	}
	t.seenKeys[idempotencyKey] = true
	return nil
}
