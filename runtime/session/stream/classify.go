package stream

import "fmt"

// Class is the persistence class of an event kind.
type Class int

const (
	// ClassTransient events are delivered live only: no sequence number,
	// never written to the history store.
	ClassTransient Class = iota
	// ClassPersisted events are assigned a sequence number before broadcast
	// and eventually land in the history store.
	ClassPersisted
)

// String returns the class name for logs.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPersisted:
		return "persisted"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps an event kind to its persistence class. The mapping is
// deliberately static and exhaustive: an unknown kind is a programming error
// surfaced as an error, never silently defaulted.
//
// Streaming deltas and turn lifecycle markers are transient; they exist to
// animate a live view and are superseded by their aggregated events. The
// conversational record (user acks, final messages, tool invocations and
// resolutions, approvals, refusals, session end) is persisted.
func Classify(t EventType) (Class, error) {
	switch t {
	case EventThinking,
		EventThinkingDelta,
		EventMessageDelta,
		EventTurnPaused,
		EventComplete,
		EventError:
		return ClassTransient, nil
	case EventUserMessageAck,
		EventMessage,
		EventToolInvoked,
		EventToolResolved,
		EventApprovalRequested,
		EventApprovalResolved,
		EventContentRefused,
		EventSessionEnd:
		return ClassPersisted, nil
	default:
		return ClassTransient, fmt.Errorf("unclassified event type %q", t)
	}
}
