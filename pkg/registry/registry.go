// Package registry implements the Operation Registry & Dispatcher: a
// catalog of named operations plus a dispatch loop that tries each
// handler registered for an (entity, operation name) pair in
// registration order. A handler signals it does not recognize the
// operation by returning holonerr.UnknownOperation, which the
// dispatcher treats as "try the next candidate" rather than a failure;
// any other error aborts dispatch immediately. UnknownOperation never
// escapes Dispatch — if every candidate falls through, Dispatch returns
// holonerr.InvalidOperation instead.
//
// The lookup-by-key-then-switch-to-handler shape mirrors the teacher's
// FSM.Apply command dispatch, generalized from a single built-in switch
// into a registered, extensible handler chain so external packages
// (providers, the P2P adapter) can contribute operations without
// modifying the dispatcher itself.
package registry

import (
	"errors"
	"fmt"

	"github.com/nightscape/holon/pkg/holonerr"
	"github.com/nightscape/holon/pkg/log"
	"github.com/nightscape/holon/pkg/types"
)

// Handler executes one operation invocation. It returns
// holonerr.UnknownOperation to decline and let the dispatcher try the
// next registered candidate.
type Handler func(entity, name string, params types.OperationParams) (any, error)

// key identifies one (entity, operation name) registration slot.
type key struct {
	entity string
	name   string
}

// ExistenceChecker reports whether a live record of the named entity type
// with the given id currently exists, used to validate EntityIDHint
// parameters before a handler ever runs.
type ExistenceChecker func(id string) bool

// Registry holds operation descriptors and their candidate handler
// chains.
type Registry struct {
	descriptors map[key]types.OperationDescriptor
	handlers    map[key][]Handler
	existence   map[string]ExistenceChecker // entity name -> checker
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[key]types.OperationDescriptor),
		handlers:    make(map[key][]Handler),
		existence:   make(map[string]ExistenceChecker),
	}
}

// RegisterExistenceChecker wires the function Dispatch uses to validate
// EntityIDHint parameters naming entity. Entities with no registered
// checker skip existence validation (their EntityIDHint params are still
// checked for the right Go type).
func (r *Registry) RegisterExistenceChecker(entity string, checker ExistenceChecker) {
	r.existence[entity] = checker
}

// Register adds descriptor to the catalog and appends handler to the
// candidate chain for (descriptor.EntityName, descriptor.Name).
// Re-registering the same descriptor is allowed and only affects the
// catalog entry; the handler is still appended, so later registrations
// get a chance after earlier ones decline with UnknownOperation.
func (r *Registry) Register(descriptor types.OperationDescriptor, handler Handler) {
	k := key{entity: descriptor.EntityName, name: descriptor.Name}
	r.descriptors[k] = descriptor
	r.handlers[k] = append(r.handlers[k], handler)
}

// Has reports whether at least one handler is registered for (entity, name).
func (r *Registry) Has(entity, name string) bool {
	_, ok := r.handlers[key{entity: entity, name: name}]
	return ok
}

// Available returns every registered operation descriptor, used by the
// Engine Facade's available_operations surface.
func (r *Registry) Available() []types.OperationDescriptor {
	out := make([]types.OperationDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// AvailableFor returns the descriptors registered for entity, plus the
// cross-entity ("*") operations, which apply everywhere.
func (r *Registry) AvailableFor(entity string) []types.OperationDescriptor {
	var out []types.OperationDescriptor
	for k, d := range r.descriptors {
		if k.entity == entity || k.entity == "*" {
			out = append(out, d)
		}
	}
	return out
}

// Descriptor returns the catalog entry for (entity, name), if any.
func (r *Registry) Descriptor(entity, name string) (types.OperationDescriptor, bool) {
	d, ok := r.descriptors[key{entity: entity, name: name}]
	return d, ok
}

// Dispatch validates params against the registered descriptor's required
// parameters, then tries each candidate handler in registration order
// until one returns something other than holonerr.UnknownOperation.
func (r *Registry) Dispatch(entity, name string, params types.OperationParams) (any, error) {
	logger := log.WithEntity(entity).With().Str("operation", name).Logger()

	descriptor, ok := r.Descriptor(entity, name)
	if !ok {
		return nil, &holonerr.InvalidOperation{Operation: name, Reason: "not registered for entity " + entity}
	}
	if err := r.validateParams(descriptor, params); err != nil {
		return nil, err
	}

	candidates := r.handlers[key{entity: entity, name: name}]
	if len(candidates) == 0 {
		return nil, &holonerr.InvalidOperation{Operation: name, Reason: "no handler registered"}
	}

	var lastUnknown error
	for _, handler := range candidates {
		result, err := handler(entity, name, params)
		if err == nil {
			return result, nil
		}

		var unknown *holonerr.UnknownOperation
		if errors.As(err, &unknown) {
			lastUnknown = err
			continue
		}
		return nil, err
	}

	logger.Warn().Msg("every candidate handler declined the operation")
	return nil, &holonerr.InvalidOperation{
		Operation: name,
		Reason:    fmt.Sprintf("no handler claimed %s.%s: %v", entity, name, lastUnknown),
	}
}

func (r *Registry) validateParams(descriptor types.OperationDescriptor, params types.OperationParams) error {
	for _, p := range descriptor.RequiredParams {
		value, ok := params[p.Name]
		if !ok {
			return &holonerr.InvalidOperation{
				Operation: descriptor.Name,
				Reason:    fmt.Sprintf("missing required param %q", p.Name),
			}
		}
		if err := r.checkType(descriptor.Name, p, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) checkType(operation string, p types.ParamDescriptor, value any) error {
	switch hint := p.Type.(type) {
	case types.EntityIDHint:
		id, ok := value.(string)
		if !ok {
			return &holonerr.InvalidOperation{
				Operation: operation,
				Reason:    fmt.Sprintf("param %q must be a %s id (string)", p.Name, hint.Entity),
			}
		}
		if checker, ok := r.existence[hint.Entity]; ok && !checker(id) {
			if hint.Entity == "blocks" {
				return &holonerr.BlockNotFound{ID: id}
			}
			return &holonerr.InvalidOperation{
				Operation: operation,
				Reason:    fmt.Sprintf("param %q names a %s entity that does not exist: %s", p.Name, hint.Entity, id),
			}
		}
	case types.PrimitiveHint:
		if err := checkPrimitive(operation, p.Name, string(hint), value); err != nil {
			return err
		}
	}
	return nil
}

func checkPrimitive(operation, paramName, primitive string, value any) error {
	ok := true
	switch primitive {
	case "string":
		_, ok = value.(string)
	case "int":
		switch value.(type) {
		case int, int32, int64:
		default:
			ok = false
		}
	case "bool":
		_, ok = value.(bool)
	}
	if !ok {
		return &holonerr.InvalidOperation{
			Operation: operation,
			Reason:    fmt.Sprintf("param %q must be a %s", paramName, primitive),
		}
	}
	return nil
}
