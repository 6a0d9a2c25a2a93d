// Package holonerr defines the typed error taxonomy returned across Holon's
// subsystem boundaries. Internal packages wrap lower-level errors with
// fmt.Errorf("...: %w", err) as usual; callers that need to branch on
// failure kind use errors.As against the types here.
package holonerr

import "fmt"

// BlockNotFound is returned when an operation references a block id that
// does not exist in the CRDT store (or is tombstoned, where the caller
// requires a live block).
type BlockNotFound struct {
	ID string
}

func (e *BlockNotFound) Error() string {
	return fmt.Sprintf("block not found: %s", e.ID)
}

// DocumentNotFound is returned when an operation addresses a document
// that the engine has no storage for.
type DocumentNotFound struct {
	ID string
}

func (e *DocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: %s", e.ID)
}

// CyclicMove is returned when a move operation would make a block its own
// ancestor.
type CyclicMove struct {
	BlockID    string
	NewParent  string
}

func (e *CyclicMove) Error() string {
	return fmt.Sprintf("move would create a cycle: %s under %s", e.BlockID, e.NewParent)
}

// InvalidOperation is returned when an operation's parameters fail
// validation, or when a handler refuses to apply an otherwise
// well-registered operation (e.g. mutating an order-immutable external
// entity).
type InvalidOperation struct {
	Operation string
	Reason    string
}

func (e *InvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation %q: %s", e.Operation, e.Reason)
}

// UnknownOperation signals to the dispatcher that a candidate handler does
// not recognize the (entity, name) pair and the next candidate should be
// tried. It never escapes the Operation Registry & Dispatcher boundary —
// if no handler claims the operation, dispatch returns InvalidOperation
// instead.
type UnknownOperation struct {
	Entity string
	Name   string
}

func (e *UnknownOperation) Error() string {
	return fmt.Sprintf("unknown operation %s.%s", e.Entity, e.Name)
}

// NetworkError wraps a failure reaching an external provider or peer.
type NetworkError struct {
	Target string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error reaching %s: %v", e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Rejected is returned when an external system accepts the request but
// refuses the change (validation failure, permission denied, stale
// revision).
type Rejected struct {
	Target string
	Reason string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("rejected by %s: %s", e.Target, e.Reason)
}

// InternalError wraps a failure Holon cannot attribute to caller input or
// an external system: a corrupted durable store, an invariant violation.
type InternalError struct {
	Context string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (%s): %v", e.Context, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
