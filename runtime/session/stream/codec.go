package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Envelope is the canonical JSON wire form of an event. Transports
	// (WebSocket, Pulse) and the history store all serialize events through
	// it so every view of a session agrees on shape.
	Envelope struct {
		// Type identifies the event kind (e.g., "tool_invoked").
		Type string `json:"type"`
		// EventID is the globally unique event identifier used for dedup.
		EventID string `json:"event_id"`
		// SessionID links the event to its session.
		SessionID string `json:"session_id"`
		// Sequence is present only for persisted events.
		Sequence *uint64 `json:"sequence,omitempty"`
		// Timestamp records when the event was created (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// decodedEvent implements Event for envelopes read off the wire. The
	// payload stays raw JSON: consumers that need typed access unmarshal it
	// against the payload struct for the event type.
	decodedEvent struct {
		Base
	}
)

// Encode serializes the event into its canonical JSON envelope.
func Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, errors.New("event is required")
	}
	env := Envelope{
		Type:      string(event.Type()),
		EventID:   event.EventID(),
		SessionID: event.SessionID(),
		Timestamp: event.Timestamp(),
	}
	if seq, ok := event.Sequence(); ok {
		env.Sequence = &seq
	}
	if event.Payload() != nil {
		b, err := json.Marshal(event.Payload())
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Decode deserializes a canonical JSON envelope into an Event. The returned
// event carries the raw payload; use the typed payload structs to unmarshal
// it when structured access is needed.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("event envelope missing type")
	}
	var payload any
	if len(env.Payload) > 0 {
		payload = json.RawMessage(env.Payload)
	}
	return decodedEvent{
		Base: RestoreBase(EventType(env.Type), env.EventID, env.SessionID, env.Timestamp, env.Sequence, payload),
	}, nil
}
