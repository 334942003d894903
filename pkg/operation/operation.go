// Package operation defines the logged operations the engine can apply to a
// record and the registry that maps an operation kind to its behavior.
//
// An update log record carries the kind, the record identifier, a
// before-image and the operation's arguments (stored as the after-image).
// Redo re-applies the arguments; undo uses the before-image or, for logical
// operations such as increment, the inverse of the arguments. Because
// recovery and live rollback dispatch through the same registry, a new kind
// only has to be registered to be fully recoverable.
package operation

import (
	"fmt"
	"sync"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/heap"
)

type Kind = primitives.OpKind

// Built-in kinds. The values are written to the log and must never change.
const (
	Set       Kind = 1
	SetRange  Kind = 2
	Increment Kind = 3
	Decrement Kind = 4
	Alloc     Kind = 5
	Dealloc   Kind = 6
	NoOp      Kind = 7
)

// Apply changes a page according to a log record.
type Apply func(p *heap.HeapPage, rec *record.LogRecord) error

// Operation describes one kind of logged change.
type Operation struct {
	Kind Kind
	Name string

	// Validate checks args against the target record before anything is
	// logged. A nil Validate accepts everything.
	Validate func(rid primitives.RecordID, args []byte) error

	// Capture returns the before-image to log, given the record's current
	// bytes. A nil Capture logs no before-image.
	Capture func(current, args []byte) []byte

	// Redo applies the record's change; Undo reverses it. Redo of a CLR
	// calls Undo.
	Redo Apply
	Undo Apply
}

// Registry maps operation kinds to operations. It is safe for concurrent
// use; registrations normally happen before the engine opens.
type Registry struct {
	mu  sync.RWMutex
	ops map[Kind]Operation
}

// NewRegistry returns a registry holding the built-in operations.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[Kind]Operation)}
	for _, op := range builtins() {
		r.ops[op.Kind] = op
	}
	return r
}

// Register adds op. Kind 0 is reserved and a kind may be registered once.
func (r *Registry) Register(op Operation) error {
	if op.Kind == 0 {
		return dberror.InvalidArgument("Register", "operation kind 0 is reserved")
	}
	if op.Redo == nil || op.Undo == nil {
		return dberror.InvalidArgument("Register", fmt.Sprintf("operation %q needs both redo and undo", op.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.ops[op.Kind]; ok {
		return dberror.InvalidArgument("Register", fmt.Sprintf("kind %d is already registered as %q", op.Kind, existing.Name))
	}
	r.ops[op.Kind] = op
	return nil
}

// Lookup returns the operation registered for kind.
func (r *Registry) Lookup(kind Kind) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[kind]
	if !ok {
		return Operation{}, dberror.UnknownOperation(uint8(kind))
	}
	return op, nil
}

// Name returns the registered name of kind, or its number.
func (r *Registry) Name(kind Kind) string {
	if op, err := r.Lookup(kind); err == nil {
		return op.Name
	}
	return fmt.Sprintf("op(%d)", kind)
}

// Redo re-applies rec to p. Update records run the operation's Redo; CLRs
// run its Undo, since a CLR records an undo that was performed.
func (r *Registry) Redo(p *heap.HeapPage, rec *record.LogRecord) error {
	op, err := r.Lookup(rec.Op)
	if err != nil {
		return err
	}
	if rec.Type == record.CLRRecord {
		return op.Undo(p, rec)
	}
	return op.Redo(p, rec)
}

// Undo reverses the update record rec on p.
func (r *Registry) Undo(p *heap.HeapPage, rec *record.LogRecord) error {
	op, err := r.Lookup(rec.Op)
	if err != nil {
		return err
	}
	return op.Undo(p, rec)
}
