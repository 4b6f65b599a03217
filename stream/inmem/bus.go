// Package inmem provides an in-process event bus implementing stream.Sink.
// It fans lifecycle events out to channel subscribers and is the default
// transport for tests and single-process deployments.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/acp/stream"
)

type (
	// Bus fans lifecycle events out to channel subscribers. Subscribers
	// filter by run ID or receive every event. The bus is thread-safe and
	// supports concurrent Send, Subscribe, and Close.
	//
	// Delivery is best-effort: each subscriber owns a buffered channel and
	// events are dropped for subscribers whose buffer is full. The persisted
	// run record remains the source of truth, so a slow subscriber can always
	// re-read the record instead of stalling lifecycle transitions.
	Bus struct {
		mu     sync.RWMutex
		subs   map[*subscription]struct{}
		buffer int
		closed bool
	}

	// subscription is an active channel registration. It holds a reference
	// back to the bus for removal and uses sync.Once so that cancel and bus
	// Close can race safely.
	subscription struct {
		bus   *Bus
		runID string
		ch    chan stream.Event
		once  sync.Once
	}

	// BusOption customizes bus construction.
	BusOption func(*Bus)
)

// ErrBusClosed is returned by Send and Subscribe after the bus is closed.
var ErrBusClosed = errors.New("event bus is closed")

// WithBuffer sets the per-subscriber channel capacity. The default is 16.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus constructs an in-process event bus ready for immediate use.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[*subscription]struct{}), buffer: 16}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ stream.Sink = (*Bus)(nil)

// Send delivers the event to every subscriber whose filter matches.
// Subscribers with a full buffer miss the event. Delivery happens under the
// read lock so channels cannot be closed mid-send; the per-subscriber sends
// are non-blocking, keeping the critical section short.
func (b *Bus) Send(_ context.Context, event stream.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.subs {
		if s.runID != "" && s.runID != event.RunID() {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a channel for events. An empty runID subscribes to all
// runs. The returned cancel function removes the subscription and closes the
// channel; it is idempotent and safe to call concurrently with Send.
func (b *Bus) Subscribe(runID string) (<-chan stream.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	s := &subscription{bus: b, runID: runID, ch: make(chan stream.Event, b.buffer)}
	b.subs[s] = struct{}{}
	return s.ch, s.cancel, nil
}

// Close shuts the bus down. All subscriber channels are closed and subsequent
// Send and Subscribe calls fail with ErrBusClosed. Close is idempotent.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}

// cancel removes the subscription from the bus and closes its channel.
func (s *subscription) cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
