// Package pulse exposes a stream.Sink implementation that relays session
// events to goa.design/pulse streams, one stream per session. Paired with
// the package's Subscriber it lets a process serve live viewers for sessions
// hosted elsewhere: the hosting process broadcasts locally and relays
// through Pulse, the serving process subscribes and re-broadcasts into its
// own rooms.
package pulse

import (
	"context"
	"errors"
	"fmt"

	clientspulse "goa.design/relay/features/broadcast/pulse/clients/pulse"
	"goa.design/relay/runtime/session/stream"
)

type (
	// SinkOptions configures the Pulse relay sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to `session/<SessionID>`.
		StreamID func(stream.Event) (string, error)
		// MarshalEvent overrides the event serialization (primarily for
		// tests). Defaults to the canonical JSON envelope.
		MarshalEvent func(stream.Event) ([]byte, error)
	}

	// Sink publishes session events into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
		marshal  func(stream.Event) ([]byte, error)
	}
)

// NewSink constructs a Pulse-backed relay sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  stream.Encode,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEvent != nil {
		s.marshal = opts.MarshalEvent
	}
	return s, nil
}

// Send publishes the event to its session's Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(event)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(event.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's session.
func defaultStreamID(event stream.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}
