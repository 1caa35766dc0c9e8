// Package operation defines the operations workers can run and the registry
// that finds them by name.
package operation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Operation is one kind of data operation
type Operation interface {
	// Name is the unique name clients submit
	Name() string

	// Description is shown to users
	Description() string

	// Wizard describes the expected inputs so a client can build a form
	Wizard() Wizard

	// Operate runs the operation. It reports its result with
	// Execution.SetOutput; returning an error fails the operation.
	Operate(ctx context.Context, exec *Execution) error
}

// Wizard describes an operation's inputs
type Wizard struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Category    string                 `json:"category"`
	Inputs      map[string]WizardInput `json:"inputs"`
}

// WizardInput describes one input field
type WizardInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Registry maps names to operations
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Default returns a registry holding the built-in operations
func Default() *Registry {
	r := NewRegistry()
	for _, op := range []Operation{NoOp{}, Long{}, Error{}, Mirror{}} {
		// Built-in names are unique
		_ = r.Register(op)
	}

	return r
}

// Register adds op; names must be unique
func (r *Registry) Register(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := op.Name()
	if name == "" {
		return fmt.Errorf("operation name is required")
	}

	if _, ok := r.ops[name]; ok {
		return fmt.Errorf("operation %q is already registered", name)
	}

	r.ops[name] = op

	return nil
}

// Get looks an operation up by name
func (r *Registry) Get(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[name]

	return op, ok
}

// Names returns the registered names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// All returns the registered operations ordered by name
func (r *Registry) All() []Operation {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]Operation, 0, len(names))
	for _, name := range names {
		ops = append(ops, r.ops[name])
	}

	return ops
}
