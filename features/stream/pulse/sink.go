// Package pulse exposes a stream.Sink implementation that publishes run
// lifecycle events to goa.design/pulse streams, one stream per run. Services
// build a Redis client, pass it to the Pulse client, and hand the resulting
// sink to the controller; subscribers on other processes read the same
// streams to follow runs they do not host.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/acp/features/stream/pulse/clients/pulse"
	"goa.design/acp/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// "run/<RunID>".
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished, when set, runs after each successful publish with the
		// stream and entry the event landed on. Errors propagate to Send.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one event successfully written to a Pulse
	// stream.
	PublishedEvent struct {
		// Event is the published run event.
		Event stream.Event
		// StreamID names the Pulse stream written to.
		StreamID string
		// EntryID is the Redis entry ID assigned to the event.
		EntryID string
	}

	// Sink publishes run events into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(stream.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope wraps run events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g. "state_changed").
		Type string `json:"type"`
		// RunID links the event to a specific run.
		RunID string `json:"run_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; the remaining fields default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it to JSON, and publishes it
// via the Pulse client.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	id, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: streamID,
			EntryID:  id,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's RunID.
func defaultStreamID(event stream.Event) (string, error) {
	if event.RunID() == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID()), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
