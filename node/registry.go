package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prompthouse/flowkit/flow"
)

// Registry holds executors for lookup by node kind. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[flow.NodeKind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[flow.NodeKind]Executor),
	}
}

// Register adds an executor for its declared kind. Registering the same
// kind twice is an error; use Replace for deliberate overrides in tests.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return fmt.Errorf("cannot register nil executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := ex.Kind()
	if _, exists := r.executors[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExecutor, kind)
	}
	r.executors[kind] = ex
	return nil
}

// Replace installs an executor regardless of prior registration.
func (r *Registry) Replace(ex Executor) {
	if ex == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ex.Kind()] = ex
}

// Resolve returns the executor for a kind, or ErrUnknownKind.
func (r *Registry) Resolve(kind flow.NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return ex, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []flow.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]flow.NodeKind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Builtin returns a registry with the local executors (input, prompt,
// output) pre-registered. The llm and python executors need external
// capabilities and are registered by the caller.
func Builtin() *Registry {
	r := NewRegistry()
	_ = r.Register(NewInputExecutor())
	_ = r.Register(NewPromptExecutor())
	_ = r.Register(NewOutputExecutor())
	return r
}
