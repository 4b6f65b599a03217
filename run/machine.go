package run

import (
	"fmt"
	"sort"
)

// transitions is the complete lifecycle transition table. Any (state, event)
// pair absent from it is rejected with ErrInvalidTransition.
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventStart: StateInProgress,
	},
	StateInProgress: {
		EventComplete:      StateCompleted,
		EventNeedInput:     StateAwaiting,
		EventCancelRequest: StateCancelling,
		EventError:         StateFailed,
	},
	StateAwaiting: {
		EventInputReceived:  StateInProgress,
		EventTimeoutOrError: StateFailed,
		EventCancelRequest:  StateCancelling,
	},
	StateCancelling: {
		EventCancelConfirmed: StateCancelled,
	},
	// Terminal states accept only the continue edge. The controller gates it
	// behind the agent's resumable registration flag; the table itself knows
	// nothing about agents.
	StateCompleted: {
		EventContinue: StateInProgress,
	},
	StateCancelled: {
		EventContinue: StateInProgress,
	},
	StateFailed: {
		EventContinue: StateInProgress,
	},
}

// Next returns the state reached by applying ev to from. It fails with
// ErrInvalidTransition when the table defines no such edge; the caller's
// state is then left unchanged by construction since Next never mutates.
func Next(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: event %q in state %q", ErrInvalidTransition, ev, from)
}

// Legal reports whether ev applies to from.
func Legal(from State, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

// Events returns the events accepted in state from, sorted for determinism.
// Property tests use it to enumerate the legal edges of each state.
func Events(from State) []Event {
	edges := transitions[from]
	evs := make([]Event, 0, len(edges))
	for ev := range edges {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i] < evs[j] })
	return evs
}
