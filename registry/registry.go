// Package registry tracks live run executions within a process. It maps run
// IDs to their active execution handles so the expiry sweep and shutdown can
// abort work without reaching into the controller.
//
// The registry holds no run state beyond the handle: the persisted record is
// the source of truth, and restart recovery decides separately which runs can
// be rebuilt after the map is lost with the process.
package registry

import (
	"fmt"
	"sync"
)

type (
	// Execution is a live, in-process run invocation. The controller owns the
	// concrete type; the registry stores it behind this interface so other
	// packages can abort executions without an import cycle.
	//
	// Contract:
	//   - RunID is immutable for the lifetime of the execution.
	//   - Abort requests a cooperative stop: it cancels the invocation context
	//     and must be safe to call multiple times and after completion.
	Execution interface {
		RunID() string
		Abort(reason string)
	}

	// Registry is a thread-safe run ID to execution map. One registry is
	// shared per process by convention, but nothing prevents several; the
	// controller takes it as a dependency.
	Registry struct {
		mu     sync.RWMutex
		execs  map[string]Execution
		closed bool
	}
)

// New returns an empty registry.
func New() *Registry {
	return &Registry{execs: make(map[string]Execution)}
}

// Put registers a live execution. It fails when an execution is already
// registered for the run ID or when the registry is closed, keeping a single
// live execution per run within the process.
func (r *Registry) Put(e Execution) error {
	if e == nil {
		return fmt.Errorf("execution is required")
	}
	id := e.RunID()
	if id == "" {
		return fmt.Errorf("execution run ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry is closed")
	}
	if _, ok := r.execs[id]; ok {
		return fmt.Errorf("run %q already has a live execution", id)
	}
	r.execs[id] = e
	return nil
}

// Get returns the live execution for runID, if any.
func (r *Registry) Get(runID string) (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[runID]
	return e, ok
}

// Remove drops the execution for runID. Removing an absent ID is a no-op, so
// completion and cancellation paths can both call it unconditionally.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execs, runID)
}

// Len returns the number of live executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}

// Close aborts every live execution and rejects further Put calls. It is
// idempotent. Abort is invoked outside the lock: executions may call Remove
// from their shutdown path.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	execs := make([]Execution, 0, len(r.execs))
	for _, e := range r.execs {
		execs = append(execs, e)
	}
	r.execs = make(map[string]Execution)
	r.mu.Unlock()
	for _, e := range execs {
		e.Abort("shutting down")
	}
}
