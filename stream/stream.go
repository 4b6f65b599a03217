// Package stream delivers run lifecycle updates to clients. Every accepted
// transition publishes an event through a Sink; transports decide how events
// reach subscribers (in-process channels, Pulse streams over Redis).
//
// Events are observability, not state: the persisted run record is always the
// source of truth, and callers that miss events can poll the record instead.
// Failures recorded on a run by the expiry sweep or by the agent surface to
// callers exactly this way, per the lifecycle error contract.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/acp/run"
)

type (
	// Sink delivers lifecycle events to a transport. Implementations must be
	// thread-safe: the controller and the expiry sweep send concurrently.
	//
	// Send returns an error when delivery fails (transport closed,
	// serialization error). Callers log and continue; event delivery never
	// blocks a lifecycle transition from being persisted.
	//
	// Close releases transport resources. It is idempotent, and Send after
	// Close must return an error.
	Sink interface {
		Send(ctx context.Context, event Event) error
		Close(ctx context.Context) error
	}

	// Event is a lifecycle update for a single run. Concrete types embed Base
	// for the common metadata; sinks marshal Payload generically while typed
	// consumers assert on the concrete types.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run that produced this event.
		RunID() string
		// Payload returns the event data in a JSON-serializable form.
		Payload() any
	}

	// StateChanged reports an accepted lifecycle transition.
	StateChanged struct {
		Base
		Data StateChangedPayload
	}

	// InputRequested reports that a run entered awaiting and describes the
	// input it needs before it can resume.
	InputRequested struct {
		Base
		Data InputRequestedPayload
	}

	// RunFinished reports entry into a terminal state along with the final
	// output or failure.
	RunFinished struct {
		Base
		Data RunFinishedPayload
	}

	// StateChangedPayload is the wire payload for StateChanged events.
	StateChangedPayload struct {
		// From is the state the run left.
		From run.State `json:"from"`
		// To is the state the run entered.
		To run.State `json:"to"`
		// Event is the lifecycle event that caused the transition.
		Event run.Event `json:"event"`
		// At is when the transition was persisted.
		At time.Time `json:"at"`
	}

	// InputRequestedPayload is the wire payload for InputRequested events.
	InputRequestedPayload struct {
		// Reason describes the missing input.
		Reason string `json:"reason"`
		// Schema optionally constrains the resume payload.
		Schema json.RawMessage `json:"schema,omitempty"`
	}

	// RunFinishedPayload is the wire payload for RunFinished events.
	RunFinishedPayload struct {
		// State is the terminal state the run reached.
		State run.State `json:"state"`
		// Output carries the run output on completion.
		Output json.RawMessage `json:"output,omitempty"`
		// ErrorKind and ErrorMessage carry the failure cause on failed runs.
		ErrorKind    string `json:"error_kind,omitempty"`
		ErrorMessage string `json:"error_message,omitempty"`
	}

	// Base provides the Event implementation shared by all concrete types.
	Base struct {
		t EventType
		r string
		p any
	}

	// EventType enumerates lifecycle event flavors.
	EventType string
)

const (
	// EventStateChanged is emitted for every accepted transition.
	EventStateChanged EventType = "state_changed"
	// EventInputRequested is emitted on entry into awaiting.
	EventInputRequested EventType = "input_requested"
	// EventRunFinished is emitted on entry into a terminal state.
	EventRunFinished EventType = "run_finished"
)

// NewStateChanged constructs a StateChanged event for a persisted transition.
func NewStateChanged(runID string, from, to run.State, ev run.Event, at time.Time) StateChanged {
	data := StateChangedPayload{From: from, To: to, Event: ev, At: at}
	return StateChanged{Base: NewBase(EventStateChanged, runID, data), Data: data}
}

// NewInputRequested constructs an InputRequested event from an await request.
func NewInputRequested(runID string, req run.AwaitRequest) InputRequested {
	data := InputRequestedPayload{Reason: req.Reason, Schema: req.Schema}
	return InputRequested{Base: NewBase(EventInputRequested, runID, data), Data: data}
}

// NewRunFinished constructs a RunFinished event from a terminal record.
func NewRunFinished(rec run.Record) RunFinished {
	data := RunFinishedPayload{State: rec.State, Output: rec.Output}
	if rec.Error != nil {
		data.ErrorKind = string(rec.Error.Kind)
		data.ErrorMessage = rec.Error.Message
	}
	return RunFinished{Base: NewBase(EventRunFinished, rec.ID, data), Data: data}
}

// NewBase constructs the shared event metadata.
func NewBase(t EventType, runID string, payload any) Base {
	return Base{t: t, r: runID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// RunID implements Event.RunID.
func (e Base) RunID() string { return e.r }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }

// NopSink discards all events. It is the default sink when none is injected.
type NopSink struct{}

// Send discards the event.
func (NopSink) Send(context.Context, Event) error { return nil }

// Close is a no-op.
func (NopSink) Close(context.Context) error { return nil }

// Multi fans events out to several sinks in order, returning the first send
// error. Close closes every sink and returns the first error encountered.
func Multi(sinks ...Sink) Sink { return multiSink(sinks) }

type multiSink []Sink

func (m multiSink) Send(ctx context.Context, event Event) error {
	for _, s := range m {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
