package engine

import (
	"encoding/json"

	"github.com/nightscape/holon/pkg/crdt"
	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/sync"
	"github.com/nightscape/holon/pkg/types"
)

const (
	entityBlocks = "blocks"
	entityMeta   = "*"
)

// blockSnapshot is the pre-mutation state ExecuteOperation captures so it
// can build an exact inverse for undo, without asking each handler to
// report one itself.
type blockSnapshot struct {
	ParentID      string
	Content       string
	PrevSiblingID string // "" if the block was first among its siblings
}

// afterOrHead maps an empty previous-sibling id to the store's explicit
// head sentinel, so an inverse can restore a block that was first among
// its siblings ("" alone would append it at the tail).
func afterOrHead(prevSiblingID string) string {
	if prevSiblingID == "" {
		return crdt.AtHead
	}
	return prevSiblingID
}

func (e *Engine) captureBlockState(id string) (blockSnapshot, error) {
	b, err := e.store.Get(id)
	if err != nil {
		return blockSnapshot{}, err
	}
	snap := blockSnapshot{ParentID: b.ParentID, Content: b.Content}
	siblings, err := e.store.Children(b.ParentID)
	if err != nil {
		return snap, nil
	}
	for i, sib := range siblings {
		if sib.ID == id && i > 0 {
			snap.PrevSiblingID = siblings[i-1].ID
		}
	}
	return snap, nil
}

// buildInverse constructs the operation that would undo (entity, name,
// params) given the pre-mutation state ExecuteOperation captured —
// before for block operations, beforeRow for external-entity ones — and
// result, the handler's return value. It returns nil for operations
// with no meaningful inverse.
func (e *Engine) buildInverse(entity, name string, params types.OperationParams, before *blockSnapshot, beforeRow types.Row, result any) *types.SerializedOperation {
	if entity != entityBlocks {
		return externalInverse(entity, name, params, beforeRow)
	}

	switch name {
	case "create_block":
		id, _ := result.(string)
		if id == "" {
			return nil
		}
		return &types.SerializedOperation{Entity: entityBlocks, Name: "delete_block", Params: types.OperationParams{"id": id}}

	case "delete_block":
		if before == nil {
			return nil
		}
		return &types.SerializedOperation{Entity: entityBlocks, Name: "create_block", Params: types.OperationParams{
			"parent_id": before.ParentID,
			"content":   before.Content,
			"after_id":  afterOrHead(before.PrevSiblingID),
		}}

	case "update_content":
		if before == nil {
			return nil
		}
		id, _ := params["id"].(string)
		return &types.SerializedOperation{Entity: entityBlocks, Name: "update_content", Params: types.OperationParams{
			"id": id, "content": before.Content,
		}}

	case "move_block", "indent", "outdent":
		if before == nil {
			return nil
		}
		id, _ := params["id"].(string)
		return &types.SerializedOperation{Entity: entityBlocks, Name: "move_block", Params: types.OperationParams{
			"id": id, "new_parent_id": before.ParentID, "after_id": afterOrHead(before.PrevSiblingID),
		}}

	case "move_up":
		return &types.SerializedOperation{Entity: entityBlocks, Name: "move_down", Params: params}

	case "move_down":
		return &types.SerializedOperation{Entity: entityBlocks, Name: "move_up", Params: params}

	case "toggle_collapse":
		return &types.SerializedOperation{Entity: entityBlocks, Name: "toggle_collapse", Params: params}

	default:
		return nil
	}
}

// registerBuiltinOperations wires every built-in block operation and the
// cross-entity undo/redo pair into the registry, as descriptors plus
// handlers closing over this Engine's stores.
func (e *Engine) registerBuiltinOperations() {
	idParam := types.ParamDescriptor{Name: "id", Type: types.EntityIDHint{Entity: entityBlocks}, Description: "target block id"}

	e.registry.Register(types.OperationDescriptor{
		Name: "create_block", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{
			{Name: "parent_id", Type: types.EntityIDHint{Entity: entityBlocks}, Description: "parent block id"},
			{Name: "content", Type: types.PrimitiveHint("string"), Description: "initial block content"},
		},
		AffectedFields: []string{"parent_id", "content", "sort_key"},
		InverseOf:      "delete_block",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		parentID, _ := params["parent_id"].(string)
		content, _ := params["content"].(string)
		afterID, _ := params["after_id"].(string)
		return e.store.Create(parentID, content, afterID)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "update_content", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{
			idParam,
			{Name: "content", Type: types.PrimitiveHint("string"), Description: "new block content"},
		},
		AffectedFields: []string{"content"},
		InverseOf:      "update_content",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		content, _ := params["content"].(string)
		return nil, e.store.UpdateContent(id, content)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "delete_block", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"deleted_at"},
		InverseOf:      "create_block",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.store.Delete(id)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "move_block", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{
			idParam,
			{Name: "new_parent_id", Type: types.EntityIDHint{Entity: entityBlocks}, Description: "destination parent block id"},
		},
		AffectedFields: []string{"parent_id", "sort_key"},
		InverseOf:      "move_block",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		newParentID, _ := params["new_parent_id"].(string)
		afterID, _ := params["after_id"].(string)
		return nil, e.store.Move(id, newParentID, afterID)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "indent", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"parent_id", "sort_key"},
		InverseOf:      "move_block",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.indent(id)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "outdent", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"parent_id", "sort_key"},
		InverseOf:      "move_block",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.outdent(id)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "move_up", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"sort_key"},
		InverseOf:      "move_down",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.swapWithSibling(id, -1)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "move_down", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"sort_key"},
		InverseOf:      "move_up",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.swapWithSibling(id, 1)
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "toggle_collapse", EntityName: entityBlocks,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"collapsed"},
		InverseOf:      "toggle_collapse",
	}, func(entity, name string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		if _, err := e.store.Get(id); err != nil {
			return nil, err
		}
		e.toggleLocked(id)
		return nil, nil
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "undo", EntityName: entityMeta,
	}, func(entity, name string, params types.OperationParams) (any, error) {
		return nil, e.Undo()
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "redo", EntityName: entityMeta,
	}, func(entity, name string, params types.OperationParams) (any, error) {
		return nil, e.Redo()
	})
}

// externalInverse derives the undo operation for a mutation of an
// external entity from the row state captured before dispatch. Deletes
// have no inverse: the provider owns creation, and resurrecting its
// entity locally would just be rolled back on the next poll.
func externalInverse(entity, name string, params types.OperationParams, beforeRow types.Row) *types.SerializedOperation {
	if beforeRow == nil {
		return nil
	}

	var fields map[string]any
	switch raw := beforeRow["fields"].(type) {
	case string:
		_ = json.Unmarshal([]byte(raw), &fields)
	case []byte:
		_ = json.Unmarshal(raw, &fields)
	}

	id, _ := params["id"].(string)
	switch name {
	case "update_content":
		return &types.SerializedOperation{Entity: entity, Name: "update_content", Params: types.OperationParams{
			"id": id, "content": fields["content"],
		}}
	case "set_field":
		field, _ := params["field"].(string)
		prior := fields[field]
		if field == "sort_key" {
			prior = beforeRow["local_sort_key"]
		}
		return &types.SerializedOperation{Entity: entity, Name: "set_field", Params: types.OperationParams{
			"id": id, "field": field, "value": prior,
		}}
	default:
		return nil
	}
}

// registerProviderOperations wires the operation surface for one
// external datasource, scoped to the provider's name as the entity.
// Handlers write optimistically to the cache's external-entity rows;
// ExecuteOperation's normal bookkeeping then enqueues the pending
// command the sync worker replays against the remote.
func (e *Engine) registerProviderOperations(ds sync.Datasource) {
	entity := ds.Name()
	idParam := types.ParamDescriptor{Name: "id", Type: types.EntityIDHint{Entity: entity}, Description: "target entity id"}

	e.registry.RegisterExistenceChecker(entity, func(id string) bool {
		rows, err := e.cache.Query(`SELECT 1 FROM external_entities WHERE id = ? AND deleted_at IS NULL`, id)
		return err == nil && len(rows) > 0
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "update_content", EntityName: entity,
		RequiredParams: []types.ParamDescriptor{
			idParam,
			{Name: "content", Type: types.PrimitiveHint("string"), Description: "new content"},
		},
		AffectedFields: []string{"content"},
		InverseOf:      "update_content",
	}, func(_, _ string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.cache.SetExternalField(id, "content", params["content"])
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "set_field", EntityName: entity,
		RequiredParams: []types.ParamDescriptor{
			idParam,
			{Name: "field", Type: types.PrimitiveHint("string"), Description: "field name to write"},
		},
		AffectedFields: []string{"*"},
	}, func(_, _ string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		field, _ := params["field"].(string)
		if field == "sort_key" && !ds.OrderMutable() {
			return nil, &holonerr.InvalidOperation{
				Operation: "set_field",
				Reason:    entity + " imposes its own ordering",
			}
		}
		return nil, e.cache.SetExternalField(id, field, params["value"])
	})

	e.registry.Register(types.OperationDescriptor{
		Name: "delete", EntityName: entity,
		RequiredParams: []types.ParamDescriptor{idParam},
		AffectedFields: []string{"deleted_at"},
	}, func(_, _ string, params types.OperationParams) (any, error) {
		id, _ := params["id"].(string)
		return nil, e.cache.MarkExternalEntityDeleted(id)
	})
}

// indent makes id a child of its immediately preceding sibling, appended
// after that sibling's existing children.
func (e *Engine) indent(id string) error {
	b, err := e.store.Get(id)
	if err != nil {
		return err
	}
	siblings, err := e.store.Children(b.ParentID)
	if err != nil {
		return err
	}
	idx := indexOf(siblings, id)
	if idx <= 0 {
		return &holonerr.InvalidOperation{Operation: "indent", Reason: "no preceding sibling to indent under"}
	}
	newParent := siblings[idx-1].ID
	afterID := ""
	if newChildren, err := e.store.Children(newParent); err == nil && len(newChildren) > 0 {
		afterID = newChildren[len(newChildren)-1].ID
	}
	return e.store.Move(id, newParent, afterID)
}

// outdent moves id out to become its parent's next sibling.
func (e *Engine) outdent(id string) error {
	b, err := e.store.Get(id)
	if err != nil {
		return err
	}
	parent, err := e.store.Get(b.ParentID)
	if err != nil {
		return err
	}
	if parent.IsRoot() {
		return &holonerr.InvalidOperation{Operation: "outdent", Reason: "already at top level"}
	}
	return e.store.Move(id, parent.ParentID, parent.ID)
}

// swapWithSibling exchanges id's sort key with its previous (-1) or
// next (+1) sibling, failing when no sibling exists on that side.
func (e *Engine) swapWithSibling(id string, offset int) error {
	b, err := e.store.Get(id)
	if err != nil {
		return err
	}
	siblings, err := e.store.Children(b.ParentID)
	if err != nil {
		return err
	}
	idx := indexOf(siblings, id)
	if idx < 0 {
		return &holonerr.BlockNotFound{ID: id}
	}
	if offset < 0 && idx == 0 {
		return &holonerr.InvalidOperation{Operation: "move_up", Reason: "already first"}
	}
	if offset > 0 && idx == len(siblings)-1 {
		return &holonerr.InvalidOperation{Operation: "move_down", Reason: "already last"}
	}
	return e.store.SwapSortKeys(id, siblings[idx+offset].ID)
}

func indexOf(blocks []types.Block, id string) int {
	for i, b := range blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// toggleLocked flips the local-only collapsed flag for id. Collapse
// state is UI presentation, not document content: it never touches the
// CRDT store, is never synced, and is never replicated to peers.
func (e *Engine) toggleLocked(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collapsed[id] = !e.collapsed[id]
}

// IsCollapsed reports the local collapse state of id.
func (e *Engine) IsCollapsed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collapsed[id]
}
