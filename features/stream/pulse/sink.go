// Package pulse bridges the runtime event bus to goa.design/pulse streams.
// A Sink subscribes to the bus wildcard and republishes every event into a
// per-session Pulse stream, so external consumers (debuggers, web frontends)
// can follow a program run over Redis.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"playbooks.ai/playbooks/features/stream/pulse/clients/pulse"
	"playbooks.ai/playbooks/runtime/bus"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to "session/<SessionID>".
		StreamID func(bus.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization (primarily
		// for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink republishes bus events into Pulse streams. It implements
	// bus.Handler and is safe for concurrent dispatch.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(bus.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps runtime events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "agent_started").
		Type string `json:"type"`
		// SessionID links the event to a program run.
		SessionID string `json:"session_id"`
		// AgentID identifies the acting agent, if any.
		AgentID string `json:"agent_id,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{client: opts.Client, opts: cfg}, nil
}

// Attach subscribes the sink to every event on the bus.
func (s *Sink) Attach(b *bus.Bus) error {
	return b.Subscribe(bus.Wildcard, s)
}

// HandleEvent implements bus.Handler: it derives the stream, wraps the
// event in an envelope, marshals it to JSON, and publishes it via the
// Pulse client.
func (s *Sink) HandleEvent(ctx context.Context, event bus.Event) error {
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
		SessionID: event.SessionID(),
		AgentID:   event.AgentID(),
		Timestamp: event.Timestamp().UTC(),
		Payload:   event,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's session.
func defaultStreamID(event bus.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
