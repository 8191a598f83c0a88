// Package stream defines the closed set of events produced while an agent
// turn executes inside a session, together with the Sink abstraction used to
// deliver them to live viewers.
//
// Events come in two persistence classes. Transient events (thinking and
// message deltas, pause markers, turn boundaries) exist only to animate a
// live view and are never durably stored. Persisted events carry a sequence
// number allocated before broadcast and eventually land in the history store.
// The sequence number is present if and only if the event is persisted; a
// transient event never gains one later.
//
// All event types implement the Event interface and are immutable after
// construction. Sinks are responsible for marshaling events into their wire
// format; see Encode/Decode for the canonical JSON envelope.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Sink delivers session events to viewers over a transport (WebSocket,
	// Pulse, test buffers). Implementations must be thread-safe: the session
	// pipeline may call Send concurrently when tool results resolve in
	// parallel turns.
	Sink interface {
		// Send publishes the event to the sink's underlying transport. Send
		// returns an error if delivery fails (connection closed, serialization
		// error, transport unavailable).
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent;
		// after it returns, subsequent Send calls must return errors.
		Close(ctx context.Context) error
	}

	// Event describes a single session event. All concrete event types embed
	// Base to provide the standard metadata accessors. Sinks use the Event
	// interface to marshal events generically; consumers type-assert to
	// concrete types when they need structured field access.
	Event interface {
		// Type returns the event kind constant (e.g., EventToolInvoked).
		Type() EventType

		// EventID returns the globally unique identifier assigned at
		// creation. Delivery is idempotent on this id: clients deduplicate
		// replays by EventID.
		EventID() string

		// SessionID returns the session this event belongs to.
		SessionID() string

		// Timestamp returns the event creation time (UTC).
		Timestamp() time.Time

		// Sequence returns the session-scoped sequence number and true when
		// the event is persisted. Transient events return (0, false).
		Sequence() (uint64, bool)

		// Payload returns the event-specific data in a JSON-serializable
		// form. Use type assertions on the Event itself for typed access.
		Payload() any
	}

	// UserMessageAck acknowledges receipt of an inbound user message. It is
	// the durable record of the user's side of the conversation.
	UserMessageAck struct {
		Base
		Data UserMessageAckPayload
	}

	// Thinking carries a completed reasoning block. It supersedes the
	// ThinkingDelta fragments that animated it.
	Thinking struct {
		Base
		Data ThinkingPayload
	}

	// ThinkingDelta streams an incremental reasoning fragment. Fragments are
	// a best-effort UX signal; the aggregated Thinking event is canonical.
	ThinkingDelta struct {
		Base
		Data ThinkingDeltaPayload
	}

	// MessageDelta streams an incremental assistant message fragment.
	// Clients concatenate Delta values for a typewriter effect; the final
	// Message event carries the canonical text.
	MessageDelta struct {
		Base
		Data MessageDeltaPayload
	}

	// Message carries the final aggregated assistant message for a turn.
	Message struct {
		Base
		Data MessagePayload
	}

	// ToolInvoked records that the agent requested a tool execution. For
	// batched (parallel) tool calls the sequence number is pre-assigned in
	// request order before any sibling starts executing.
	ToolInvoked struct {
		Base
		Data ToolInvokedPayload
	}

	// ToolResolved records the outcome of an earlier ToolInvoked event,
	// correlated by ToolUseID. An invocation that never resolves before the
	// turn ends is recorded with StatusAbandoned and a null result.
	ToolResolved struct {
		Base
		Data ToolResolvedPayload
	}

	// ApprovalRequested signals that a tool call is gated on a human
	// decision. The payload id correlates with the eventual
	// ApprovalResolved event.
	ApprovalRequested struct {
		Base
		Data ApprovalRequestedPayload
	}

	// ApprovalResolved records the terminal decision for an approval:
	// approved, rejected, or timed out. Exactly one is emitted per request.
	ApprovalResolved struct {
		Base
		Data ApprovalResolvedPayload
	}

	// TurnPaused signals that the turn is waiting on external input. Live
	// viewers render a waiting state; the durable history is unaffected.
	TurnPaused struct {
		Base
		Data TurnPausedPayload
	}

	// ContentRefused records that the agent declined to produce content.
	ContentRefused struct {
		Base
		Data ContentRefusedPayload
	}

	// SessionEnd marks the durable end of a session. No further events are
	// expected after it.
	SessionEnd struct {
		Base
		Data SessionEndPayload
	}

	// Complete marks the end of the stream-visible events for a turn.
	// Consumers use it to terminate consumption without relying on timers.
	Complete struct {
		Base
		Data CompletePayload
	}

	// TurnError reports a turn-level failure to live viewers. The durable
	// history keeps only the events that were persisted before the failure.
	TurnError struct {
		Base
		Data TurnErrorPayload
	}

	// UserMessageAckPayload is the typed wire payload for UserMessageAck.
	UserMessageAckPayload struct {
		// MessageID is the caller-supplied identifier of the inbound message.
		MessageID string `json:"message_id"`
		// Text is the user message text as accepted.
		Text string `json:"text"`
	}

	// ThinkingPayload is the typed wire payload for Thinking.
	ThinkingPayload struct {
		Text string `json:"text"`
	}

	// ThinkingDeltaPayload is the typed wire payload for ThinkingDelta.
	ThinkingDeltaPayload struct {
		Delta string `json:"delta"`
	}

	// MessageDeltaPayload is the typed wire payload for MessageDelta.
	MessageDeltaPayload struct {
		Delta string `json:"delta"`
	}

	// MessagePayload is the typed wire payload for Message.
	MessagePayload struct {
		Text string `json:"text"`
	}

	// ToolInvokedPayload describes a requested tool execution.
	ToolInvokedPayload struct {
		// ToolUseID is the correlation key supplied by the agent runtime.
		// The matching ToolResolved event carries the same id.
		ToolUseID string `json:"tool_use_id"`
		// Name is the tool identifier (e.g., "search.web").
		Name string `json:"name"`
		// Arguments contains the canonical JSON arguments for the call.
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// ToolResolvedPayload describes the outcome of a tool execution.
	ToolResolvedPayload struct {
		// ToolUseID correlates this resolution with its ToolInvoked event.
		ToolUseID string `json:"tool_use_id"`
		// Name is the tool identifier, mirrored from the invocation.
		Name string `json:"name"`
		// Status is StatusResolved for a delivered result and
		// StatusAbandoned when the turn ended without one.
		Status ResolutionStatus `json:"status"`
		// Result contains the tool's output. Nil when abandoned or failed.
		Result json.RawMessage `json:"result,omitempty"`
		// Error contains the tool failure message, if any.
		Error string `json:"error,omitempty"`
	}

	// ApprovalRequestedPayload describes a pending human approval.
	ApprovalRequestedPayload struct {
		// ApprovalID correlates this request with its resolution.
		ApprovalID string `json:"approval_id"`
		// ToolUseID links the approval to a pending tool call, when any.
		ToolUseID string `json:"tool_use_id,omitempty"`
		// ToolName identifies the tool requiring confirmation.
		ToolName string `json:"tool_name"`
		// Summary is a human-facing description of what is being approved.
		Summary string `json:"summary"`
		// Arguments contains the canonical JSON arguments for the gated call.
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// ApprovalResolvedPayload describes the terminal approval decision.
	ApprovalResolvedPayload struct {
		// ApprovalID matches the id of the originating request.
		ApprovalID string `json:"approval_id"`
		// Decision is the terminal state: approved, rejected, or timed_out.
		Decision string `json:"decision"`
		// Reason optionally explains the decision.
		Reason string `json:"reason,omitempty"`
	}

	// TurnPausedPayload is the typed wire payload for TurnPaused.
	TurnPausedPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// ContentRefusedPayload is the typed wire payload for ContentRefused.
	ContentRefusedPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// SessionEndPayload is the typed wire payload for SessionEnd. It is
	// intentionally empty: SessionID is carried on the envelope.
	SessionEndPayload struct{}

	// CompletePayload is the typed wire payload for Complete.
	CompletePayload struct {
		// StopReason describes why the turn ended (e.g., "end_turn").
		StopReason string `json:"stop_reason,omitempty"`
	}

	// TurnErrorPayload is the typed wire payload for TurnError.
	TurnErrorPayload struct {
		// Message is a user-safe error message.
		Message string `json:"message"`
		// Retryable reports whether resubmitting the turn may succeed.
		Retryable bool `json:"retryable"`
	}

	// Base provides a default implementation of Event. Embed it in concrete
	// event types to inherit the metadata accessors. Field names are
	// abbreviated to minimize clutter when constructing events; consumers use
	// the interface methods or type-assert for typed field access.
	Base struct {
		t   EventType
		id  string
		s   string
		at  time.Time
		seq *uint64
		p   any
	}

	// ResolutionStatus enumerates terminal tool invocation states.
	ResolutionStatus string

	// EventType enumerates session event kinds.
	EventType string
)

const (
	// StatusResolved indicates the tool delivered a result (or error).
	StatusResolved ResolutionStatus = "resolved"
	// StatusAbandoned indicates the turn ended before a result arrived.
	StatusAbandoned ResolutionStatus = "abandoned"
)

const (
	// EventUserMessageAck acknowledges an accepted inbound user message.
	EventUserMessageAck EventType = "user_message_ack"

	// EventThinking carries a completed reasoning block.
	EventThinking EventType = "thinking"

	// EventThinkingDelta streams an incremental reasoning fragment.
	EventThinkingDelta EventType = "thinking_delta"

	// EventMessageDelta streams an incremental assistant message fragment.
	EventMessageDelta EventType = "message_delta"

	// EventMessage carries the final aggregated assistant message.
	EventMessage EventType = "message"

	// EventToolInvoked records a requested tool execution.
	EventToolInvoked EventType = "tool_invoked"

	// EventToolResolved records the outcome of a tool execution.
	EventToolResolved EventType = "tool_resolved"

	// EventApprovalRequested signals a tool call gated on a human decision.
	EventApprovalRequested EventType = "approval_requested"

	// EventApprovalResolved records the terminal approval decision.
	EventApprovalResolved EventType = "approval_resolved"

	// EventTurnPaused signals the turn is waiting on external input.
	EventTurnPaused EventType = "turn_paused"

	// EventContentRefused records that the agent declined to answer.
	EventContentRefused EventType = "content_refused"

	// EventSessionEnd marks the durable end of a session.
	EventSessionEnd EventType = "session_end"

	// EventComplete marks the end of stream-visible events for a turn.
	EventComplete EventType = "complete"

	// EventError reports a turn-level failure to live viewers.
	EventError EventType = "error"
)

// NewBase constructs a Base with a fresh event id and the current UTC time.
// The sequence number is unset; the session pipeline stamps persisted events
// via WithSequence before broadcast.
func NewBase(t EventType, sessionID string, payload any) Base {
	return Base{
		t:  t,
		id: uuid.NewString(),
		s:  sessionID,
		at: time.Now().UTC(),
		p:  payload,
	}
}

// RestoreBase reconstructs a Base from previously serialized metadata. It is
// used by wire decoders and the history read path; application code should
// use NewBase.
func RestoreBase(t EventType, eventID, sessionID string, at time.Time, seq *uint64, payload any) Base {
	var s *uint64
	if seq != nil {
		v := *seq
		s = &v
	}
	return Base{t: t, id: eventID, s: sessionID, at: at, seq: s, p: payload}
}

// WithSequence returns a copy of the base stamped with the given sequence
// number, marking the event persisted.
func (e Base) WithSequence(n uint64) Base {
	e.seq = &n
	return e
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// EventID implements Event.EventID.
func (e Base) EventID() string { return e.id }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.s }

// Timestamp implements Event.Timestamp.
func (e Base) Timestamp() time.Time { return e.at }

// Sequence implements Event.Sequence.
func (e Base) Sequence() (uint64, bool) {
	if e.seq == nil {
		return 0, false
	}
	return *e.seq, true
}

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
