package run

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an event that the current state does not
	// accept. The run's state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRunNotFound indicates an unknown run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists indicates a creation attempt with an ID that is already
	// taken.
	ErrRunExists = errors.New("run already exists")

	// ErrRunExpired indicates a non-serializable run past its TTL. The run is
	// concurrently forced to failed with kind FailureExpired.
	ErrRunExpired = errors.New("run expired")

	// ErrNotResumable indicates a continuation attempt on a terminal run
	// whose agent does not declare itself resumable. It refines
	// ErrInvalidTransition: errors.Is matches both sentinels.
	ErrNotResumable = fmt.Errorf("%w: run not resumable", ErrInvalidTransition)

	// ErrUnknownAgent indicates a run creation request naming an agent that
	// is not registered in the catalog.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidInput indicates a creation or resume payload rejected by the
	// agent's declared input schema.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateConflict indicates a compare-and-set that lost to a concurrent
	// writer: the stored state no longer matches the expected previous state.
	ErrStateConflict = errors.New("run state conflict")
)

// IsNotFound reports whether err indicates an unknown run.
func IsNotFound(err error) bool { return errors.Is(err, ErrRunNotFound) }

// IsInvalidTransition reports whether err indicates a rejected event.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsExpired reports whether err indicates a run past its TTL.
func IsExpired(err error) bool { return errors.Is(err, ErrRunExpired) }

// IsStateConflict reports whether err indicates a lost compare-and-set race.
func IsStateConflict(err error) bool { return errors.Is(err, ErrStateConflict) }
