// Package types defines the data shapes shared across Holon's subsystems:
// the CRDT block store, the queryable cache, the operation registry, the
// operation log, and the external-system sync fabric.
package types

import "time"

// RootParentSentinel is the parent_id value used by the single root block.
const RootParentSentinel = "__no_parent__"

// Block is a node in the hierarchical outliner document.
//
// Block.ID is an opaque URI. Locally-authored blocks use the "local://"
// scheme; blocks that shadow an external-system entity use that system's
// own scheme (e.g. "todoist://task/42"). The scheme is stable for the
// life of the block and determines which operations may mutate it.
type Block struct {
	ID        string
	ParentID  string
	Content   string
	SortKey   string
	Depth     int
	CreatedAt int64 // epoch milliseconds, monotonic within a replica
	UpdatedAt int64
	DeletedAt *int64 // nil unless tombstoned
}

// IsRoot reports whether b is the single document root.
func (b *Block) IsRoot() bool {
	return b.ParentID == RootParentSentinel
}

// IsDeleted reports whether b carries a tombstone.
func (b *Block) IsDeleted() bool {
	return b.DeletedAt != nil
}

// Origin tags a change event with where it came from, so subscribers can
// distinguish locally authored mutations from ones merged from a remote
// peer or replayed on restore.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// ChangeKind enumerates the CRDT block store's event variants.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
	ChangeMoved
)

// BlockChange is one typed event emitted by the CRDT block store's change
// stream. Only the fields relevant to Kind are populated.
type BlockChange struct {
	Kind      ChangeKind
	Block     *Block // full block snapshot after the change; the store sets it for every kind
	ID        string
	Content   string
	NewParent string
	After     string // afterID passed to a move ("" = tail); empty for repositions and swaps
	Origin    Origin
}

// TypeHint describes the expected shape of an OperationDescriptor
// parameter. Primitive hints are plain strings ("string", "int"); a
// reference to another entity's id is EntityIDHint{Entity: "blocks"}.
type TypeHint interface {
	isTypeHint()
}

// PrimitiveHint is a scalar parameter type such as "string", "int", or
// "bool".
type PrimitiveHint string

func (PrimitiveHint) isTypeHint() {}

// EntityIDHint marks a parameter that must name an existing entity of the
// given type; the dispatcher validates existence before invoking a
// handler, and test harnesses use it to generate valid fixtures.
type EntityIDHint struct {
	Entity string
}

func (EntityIDHint) isTypeHint() {}

// ParamDescriptor documents one required operation parameter.
type ParamDescriptor struct {
	Name        string
	Type        TypeHint
	Description string
}

// OperationDescriptor is the registry's catalog entry for one named
// operation over one entity scope.
type OperationDescriptor struct {
	Name           string
	EntityName     string // "*" for cross-entity operations such as undo/redo
	RequiredParams []ParamDescriptor
	AffectedFields []string
	InverseOf      string // optional; "" if none
}

// OperationParams is the runtime argument bag passed to a handler. Values
// are whatever Go type the parameter's TypeHint implies (string for
// PrimitiveHint("string") and EntityIDHint, int for PrimitiveHint("int"),
// and so on).
type OperationParams map[string]any

// LogStatus is the lifecycle state of an OperationLog entry.
type LogStatus string

const (
	StatusPendingSync LogStatus = "pending_sync"
	StatusSyncing     LogStatus = "syncing"
	StatusSynced      LogStatus = "synced"
	StatusUndone      LogStatus = "undone"
	StatusCancelled   LogStatus = "cancelled"
	StatusFailed      LogStatus = "failed"
)

// TargetSystem identifies where an operation's effects ultimately land.
type TargetSystem string

const (
	TargetCRDT  TargetSystem = "crdt"
	TargetLocal TargetSystem = "local"
)

// ExternalTarget builds the "external/<provider>" target system string.
func ExternalTarget(provider string) TargetSystem {
	return TargetSystem("external/" + provider)
}

// SerializedOperation is a named operation plus its arguments, as recorded
// durably in the log (and replayed to undo/redo or to sync).
type SerializedOperation struct {
	Entity string
	Name   string
	Params OperationParams
}

// LogEntry is one row of the operation log: an executed operation, its
// computed inverse (if any), and its current lifecycle status.
type LogEntry struct {
	ID             int64
	Operation      SerializedOperation
	Inverse        *SerializedOperation
	Status         LogStatus
	EntityID       string
	TargetSystem   TargetSystem
	IdempotencyKey string // UUID; the Idempotency-Key sent to external systems
	CreatedAt      time.Time
	SyncEligibleAt time.Time
	SyncedAt       *time.Time
	ErrorDetails   string
}

// IsUndoCandidate reports whether the entry can be the next thing undo()
// reverts.
func (e *LogEntry) IsUndoCandidate() bool {
	return e.Status == StatusPendingSync || e.Status == StatusSynced
}

// IsRedoCandidate reports whether the entry can be the next thing redo()
// replays.
func (e *LogEntry) IsRedoCandidate() bool {
	return e.Status == StatusUndone
}

// Row is a materialized cache row: the denormalized view of either a
// block or an external entity, as returned by query execution.
type Row map[string]any
