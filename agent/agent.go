// Package agent defines the contract between the run lifecycle engine and the
// agents that execute runs. An agent owns the domain work; the engine owns
// state transitions, persistence, and event delivery.
package agent

import (
	"context"
	"encoding/json"

	"goa.design/acp/run"
)

type (
	// Agent executes run turns. Implementations are registered in a Catalog
	// under a unique name and invoked by the run controller.
	//
	// Contract:
	//   - Invoke performs one turn. Exactly one of Result.Output, Result.Await,
	//     or a non-nil error is the outcome: output completes the run, a
	//     non-nil Await parks it until input arrives, an error fails it.
	//   - Invoke must honor ctx cancellation. The controller cancels the
	//     context on cancel requests and never forcibly terminates execution.
	//   - OnCancel is the cooperative cancellation hook, called when a cancel
	//     is requested for a run this agent is executing. Implementations
	//     release run-scoped resources; returning an error does not block the
	//     cancellation from completing.
	//   - Implementations must be thread-safe: one agent serves many runs.
	Agent interface {
		Invoke(ctx context.Context, call Call) (Result, error)
		OnCancel(ctx context.Context, runID string) error
	}

	// Call carries the inputs for one agent turn.
	Call struct {
		// RunID identifies the run being executed.
		RunID string
		// Input is the creation payload, present on every turn.
		Input json.RawMessage
		// Resume is the latest resume payload. It is nil on the first turn
		// and set when the run resumes from awaiting.
		Resume json.RawMessage
	}

	// Result is the outcome of one agent turn.
	Result struct {
		// Output is the run output. A turn returning neither Await nor an
		// error completes the run with this value.
		Output json.RawMessage
		// Await, when non-nil, parks the run until matching input arrives.
		Await *run.AwaitRequest
	}

	// Func adapts a function to the Agent interface with a no-op OnCancel.
	// Useful for tests and agents without run-scoped resources.
	Func func(ctx context.Context, call Call) (Result, error)
)

// Invoke implements Agent by calling the function itself.
func (f Func) Invoke(ctx context.Context, call Call) (Result, error) { return f(ctx, call) }

// OnCancel implements Agent as a no-op.
func (f Func) OnCancel(context.Context, string) error { return nil }
