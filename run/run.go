// Package run defines the primitives of the agent run lifecycle: the Record
// persisted for every run, the states and events of the lifecycle state
// machine, and the Store contract that persistence backends implement.
//
// A run is one execution instance of an agent. It is created in state
// "created", driven to "in-progress" by the controller, and from there
// progresses through the lifecycle as the agent produces output, requests
// more input, fails, or acknowledges cancellation:
//
//	created ──start──▶ in-progress ──complete──▶ completed
//	                        │ ├──need-input──▶ awaiting ──input-received──▶ in-progress
//	                        │ ├──error──▶ failed        └──timeout-or-error──▶ failed
//	                        │ └──cancel-request──▶ cancelling ──cancel-confirmed──▶ cancelled
//	                        ▼
//	  (terminal states may re-enter in-progress via "continue" when the
//	   owning agent is registered as resumable)
//
// The transition table is pure data (see Next and Legal); everything that
// consults an agent, a clock, or a store lives in the controller, expiry,
// and registry packages.
package run

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Record captures the durable state of a single agent run. Every accepted
	// lifecycle transition persists an updated Record before the transition is
	// observable to callers.
	//
	// Field invariants maintained by the controller:
	//   - AwaitRequest is non-nil iff State == StateAwaiting.
	//   - Error is non-nil iff State == StateFailed.
	//   - Output is non-nil only when State == StateCompleted.
	//   - ExpiresAt is non-nil only for non-serializable runs in a continuable
	//     state; it is refreshed on every continuable entry, cleared on terminal
	//     entry, and left untouched on entry into StateCancelling.
	Record struct {
		// ID uniquely identifies the run. It is generated at creation and
		// never changes.
		ID string
		// AgentName identifies the agent implementation that owns this run.
		AgentName string
		// State is the current lifecycle state. It changes only along the
		// edges of the transition table.
		State State
		// Input is the opaque creation payload. Its schema belongs to the
		// agent; the lifecycle only carries it.
		Input json.RawMessage
		// Output is the opaque result payload. Set on the transition into
		// StateCompleted and cleared again if the run is continued.
		Output json.RawMessage
		// AwaitRequest describes the additional input the agent needs.
		// Present exactly while the run is awaiting.
		AwaitRequest *AwaitRequest
		// Error is the structured cause of a failed run. Present exactly
		// while the run is failed.
		Error *Failure
		// Statefulness is copied from the agent registration at creation and
		// drives expiration policy and restart recovery.
		Statefulness Statefulness
		// ExpiresAt is the time-to-live deadline for non-serializable runs.
		ExpiresAt *time.Time
		// CreatedAt records when the run was created.
		CreatedAt time.Time
		// UpdatedAt records when the run last transitioned.
		UpdatedAt time.Time
	}

	// AwaitRequest describes what additional input an awaiting run requires
	// before it can make progress.
	AwaitRequest struct {
		// Reason is a short human-readable description of the missing input,
		// for example "name required".
		Reason string
		// Schema optionally constrains the resume payload as a JSON Schema
		// document. When set, resume payloads are validated against it before
		// the run re-enters in-progress.
		Schema json.RawMessage
	}

	// Failure is the structured cause recorded on a failed run.
	Failure struct {
		// Kind classifies the failure into a small stable set used by callers
		// and sweeps, see the Failure* constants.
		Kind FailureKind
		// Message carries the human-readable detail, typically the agent's
		// error text.
		Message string
	}

	// Store persists run records.
	//
	// Contract:
	//   - Create inserts a new record and fails with ErrRunExists when the
	//     run ID is already taken.
	//   - Load returns ErrRunNotFound for unknown run IDs.
	//   - Swap atomically replaces the stored record iff its current state
	//     equals prev, failing with ErrStateConflict when a concurrent writer
	//     transitioned the run first. This compare-and-set is what decides
	//     races such as cancel versus complete or sweep versus resume.
	//   - List returns records matching the filter in no particular order.
	//
	// Implementations must treat records as values: mutations of a returned
	// Record must never become visible to other readers without a Swap.
	Store interface {
		Create(ctx context.Context, rec Record) error
		Load(ctx context.Context, runID string) (Record, error)
		Swap(ctx context.Context, rec Record, prev State) (Record, error)
		List(ctx context.Context, f Filter) ([]Record, error)
	}

	// Filter selects run records in Store.List. Zero-value fields match
	// everything; set fields are combined conjunctively.
	Filter struct {
		// States restricts results to runs in any of the given states.
		States []State
		// Statefulness restricts results to runs with any of the given
		// statefulness classes.
		Statefulness []Statefulness
		// ExpiresBefore restricts results to runs whose ExpiresAt is set and
		// earlier than the given instant.
		ExpiresBefore *time.Time
	}

	// State is a lifecycle state of a run.
	State string

	// Event is a lifecycle event applied to a run state.
	Event string

	// Statefulness classifies how (or whether) an agent's run state can
	// survive beyond a single invocation. It is a capability tag, not a type
	// hierarchy: stateless runs never await input, serializable runs survive
	// process restarts, non-serializable runs hold live resources and expire.
	Statefulness string

	// FailureKind classifies terminal failures.
	FailureKind string
)

const (
	// StateCreated is the sole initial state: the record exists but the agent
	// has not been invoked yet.
	StateCreated State = "created"
	// StateInProgress indicates the agent is actively working on the run.
	StateInProgress State = "in-progress"
	// StateAwaiting indicates the run is suspended until the caller resumes
	// it with the input described by the record's AwaitRequest.
	StateAwaiting State = "awaiting"
	// StateCompleted is terminal: the agent produced the run's output.
	StateCompleted State = "completed"
	// StateCancelling indicates a cancel request was accepted and the agent
	// has been asked to stop; the run is waiting for the acknowledgement.
	StateCancelling State = "cancelling"
	// StateCancelled is terminal: the agent acknowledged the cancellation.
	StateCancelled State = "cancelled"
	// StateFailed is terminal: the run failed, the record's Error holds the
	// structured cause.
	StateFailed State = "failed"
)

const (
	// EventStart moves a created run into in-progress.
	EventStart Event = "start"
	// EventComplete records the agent's output and completes the run.
	EventComplete Event = "complete"
	// EventNeedInput suspends the run until more input arrives.
	EventNeedInput Event = "need-input"
	// EventCancelRequest asks the run to stop; it always lands in cancelling
	// first since the agent may need time to unwind.
	EventCancelRequest Event = "cancel-request"
	// EventError fails an in-progress run.
	EventError Event = "error"
	// EventInputReceived resumes an awaiting run with fresh input.
	EventInputReceived Event = "input-received"
	// EventTimeoutOrError fails an awaiting run that timed out or whose
	// awaited input turned out unusable.
	EventTimeoutOrError Event = "timeout-or-error"
	// EventCancelConfirmed records the agent's acknowledgement of a cancel
	// request.
	EventCancelConfirmed Event = "cancel-confirmed"
	// EventContinue re-enters in-progress from a terminal state. Only agents
	// registered as resumable accept it.
	EventContinue Event = "continue"
)

const (
	// Stateless runs complete in a single invocation and keep nothing.
	Stateless Statefulness = "stateless"
	// Serializable runs can be reconstructed from persisted state and survive
	// process restarts.
	Serializable Statefulness = "serializable"
	// NonSerializable runs hold live in-process resources; they expire after
	// a TTL and cannot survive a restart.
	NonSerializable Statefulness = "non-serializable"
)

const (
	// FailureExpired marks a non-serializable run that exceeded its TTL.
	FailureExpired FailureKind = "expired"
	// FailureLostContext marks a run whose in-process execution context was
	// lost to a restart.
	FailureLostContext FailureKind = "lost-context"
	// FailureAgentError marks a failure raised by the agent itself.
	FailureAgentError FailureKind = "agent-error"
)

// Terminal reports whether s is a terminal state. Terminal runs only change
// again through the agent-gated continue edge.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Continuable reports whether a run in s may still make forward progress on
// its own. Continuable entries refresh the TTL of non-serializable runs.
// Note that cancelling is neither continuable nor terminal.
func (s State) Continuable() bool {
	switch s {
	case StateCreated, StateInProgress, StateAwaiting:
		return true
	}
	return false
}

// Valid reports whether s is one of the enumerated lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateInProgress, StateAwaiting, StateCompleted,
		StateCancelling, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Valid reports whether e is one of the enumerated lifecycle events.
func (e Event) Valid() bool {
	switch e {
	case EventStart, EventComplete, EventNeedInput, EventCancelRequest,
		EventError, EventInputReceived, EventTimeoutOrError,
		EventCancelConfirmed, EventContinue:
		return true
	}
	return false
}

// Valid reports whether s is one of the enumerated statefulness classes.
func (s Statefulness) Valid() bool {
	switch s {
	case Stateless, Serializable, NonSerializable:
		return true
	}
	return false
}

// Clone returns a deep copy of the record. Stores and the controller hand out
// clones so callers can never mutate shared state.
func (r Record) Clone() Record {
	c := r
	c.Input = cloneRaw(r.Input)
	c.Output = cloneRaw(r.Output)
	if r.AwaitRequest != nil {
		ar := *r.AwaitRequest
		ar.Schema = cloneRaw(r.AwaitRequest.Schema)
		c.AwaitRequest = &ar
	}
	if r.Error != nil {
		f := *r.Error
		c.Error = &f
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

// Match reports whether rec satisfies the filter. In-memory stores and tests
// share this predicate; backend stores translate the filter into queries with
// the same semantics.
func (f Filter) Match(rec Record) bool {
	if len(f.States) > 0 && !containsState(f.States, rec.State) {
		return false
	}
	if len(f.Statefulness) > 0 && !containsStatefulness(f.Statefulness, rec.Statefulness) {
		return false
	}
	if f.ExpiresBefore != nil {
		if rec.ExpiresAt == nil || !rec.ExpiresAt.Before(*f.ExpiresBefore) {
			return false
		}
	}
	return true
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	c := make(json.RawMessage, len(b))
	copy(c, b)
	return c
}

func containsState(ss []State, s State) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatefulness(ss []Statefulness, s Statefulness) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
