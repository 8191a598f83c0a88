// Package track correlates tool invocations with their resolutions inside a
// turn. Each invocation registers under its tool use id together with the
// sequence number reserved for its eventual resolution; resolving consumes
// the registration exactly once. Invocations still open when the turn ends
// are drained and recorded as abandoned.
package track

import (
	"errors"
	"fmt"
	"sync"
)

type (
	// Tracker tracks open tool invocations for a single session turn. It is
	// safe for concurrent use: parallel tool executors resolve invocations
	// from their own goroutines.
	Tracker struct {
		mu    sync.Mutex
		open  map[string]Invocation
		order []string
	}

	// Invocation is a registered tool call awaiting resolution.
	Invocation struct {
		// ToolUseID is the correlation key supplied by the agent runtime.
		ToolUseID string
		// Name is the tool identifier.
		Name string
		// ResolvedSeq is the sequence number reserved for the resolution
		// event at invocation time. Pre-reserving it keeps the durable
		// history in request order even when siblings complete out of order.
		// Only meaningful when SeqReserved is true.
		ResolvedSeq uint64
		// SeqReserved reports whether ResolvedSeq was pre-assigned. Single
		// (non-batched) calls skip reservation and allocate the resolution
		// number when the result arrives.
		SeqReserved bool
	}
)

// ErrUnknownInvocation indicates a resolution arrived for a tool use id that
// was never registered or was already resolved.
var ErrUnknownInvocation = errors.New("unknown tool invocation")

// New constructs an empty tracker.
func New() *Tracker {
	return &Tracker{open: make(map[string]Invocation)}
}

// Register records an open invocation. Registering the same tool use id
// twice is an error: the agent runtime guarantees unique ids per call.
func (t *Tracker) Register(inv Invocation) error {
	if inv.ToolUseID == "" {
		return errors.New("tool use id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.open[inv.ToolUseID]; exists {
		return fmt.Errorf("tool invocation %q already registered", inv.ToolUseID)
	}
	t.open[inv.ToolUseID] = inv
	t.order = append(t.order, inv.ToolUseID)
	return nil
}

// Resolve consumes the registration for the tool use id and returns it.
// A second resolve for the same id returns ErrUnknownInvocation, making
// resolution exactly-once.
func (t *Tracker) Resolve(toolUseID string) (Invocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.open[toolUseID]
	if !ok {
		return Invocation{}, fmt.Errorf("resolve %q: %w", toolUseID, ErrUnknownInvocation)
	}
	delete(t.open, toolUseID)
	return inv, nil
}

// AbandonOpen drains all open invocations and returns them in registration
// order. The caller emits an abandoned resolution for each so the durable
// history never contains an invocation without a matching outcome.
func (t *Tracker) AbandonOpen() []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.open) == 0 {
		return nil
	}
	out := make([]Invocation, 0, len(t.open))
	for _, id := range t.order {
		if inv, ok := t.open[id]; ok {
			out = append(out, inv)
			delete(t.open, id)
		}
	}
	t.order = t.order[:0]
	return out
}

// OpenCount returns the number of invocations awaiting resolution.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
