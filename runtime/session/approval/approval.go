// Package approval coordinates human approval of gated tool calls. Each
// request is a small state machine: pending until exactly one terminal
// decision arrives, whether from a human (approved, rejected) or from the
// deadline timer (timed out). Late decisions after the terminal state are
// rejected with a typed error so callers can report them precisely.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Coordinator manages pending approval requests for a session. It is
	// safe for concurrent use.
	Coordinator struct {
		timeout time.Duration

		mu       sync.Mutex
		pending  map[string]*pendingApproval
		resolved map[string]struct{}
	}

	// Request describes a tool call awaiting a human decision.
	Request struct {
		// ToolUseID links the approval to a pending tool invocation.
		ToolUseID string
		// ToolName identifies the tool requiring confirmation.
		ToolName string
		// Summary is a human-facing description of the gated action.
		Summary string
		// Arguments contains the canonical JSON arguments for the call.
		Arguments json.RawMessage
	}

	// Resolution is the terminal outcome of an approval request.
	Resolution struct {
		// ApprovalID matches the id returned by Submit.
		ApprovalID string
		// Decision is the terminal state.
		Decision Decision
		// Reason optionally explains the decision. Timeouts carry a
		// fixed reason.
		Reason string
	}

	// Decision enumerates terminal approval states.
	Decision string

	pendingApproval struct {
		done  chan Resolution
		timer *time.Timer
	}
)

const (
	// DecisionApproved permits the gated tool call to execute.
	DecisionApproved Decision = "approved"
	// DecisionRejected denies the gated tool call.
	DecisionRejected Decision = "rejected"
	// DecisionTimedOut records that no decision arrived in time. Timed out
	// requests are treated as rejected.
	DecisionTimedOut Decision = "timed_out"
)

var (
	// ErrUnknownApproval indicates the approval id was never issued or
	// belongs to another coordinator.
	ErrUnknownApproval = errors.New("unknown approval request")

	// ErrAlreadyResolved indicates a decision already landed for the
	// approval. The first decision is terminal.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// timeoutReason is the reason recorded on deadline-driven resolutions.
const timeoutReason = "no decision before deadline"

// New constructs a coordinator. timeout bounds how long a request stays
// pending before it resolves as timed out; it must be positive.
func New(timeout time.Duration) (*Coordinator, error) {
	if timeout <= 0 {
		return nil, errors.New("approval timeout must be positive")
	}
	return &Coordinator{
		timeout:  timeout,
		pending:  make(map[string]*pendingApproval),
		resolved: make(map[string]struct{}),
	}, nil
}

// Submit registers a new pending approval and returns its id together with a
// channel that delivers the terminal resolution exactly once. The deadline
// timer starts immediately.
func (c *Coordinator) Submit(req Request) (string, <-chan Resolution) {
	id := uuid.NewString()
	p := &pendingApproval{done: make(chan Resolution, 1)}

	c.mu.Lock()
	p.timer = time.AfterFunc(c.timeout, func() {
		// A racing Resolve may win; the error is then expected.
		_ = c.resolve(id, Resolution{ApprovalID: id, Decision: DecisionTimedOut, Reason: timeoutReason})
	})
	c.pending[id] = p
	c.mu.Unlock()
	return id, p.done
}

// Resolve records a human decision for the approval. Only approved and
// rejected are accepted from callers; timeouts are produced internally.
func (c *Coordinator) Resolve(ctx context.Context, id string, decision Decision, reason string) error {
	switch decision {
	case DecisionApproved, DecisionRejected:
	default:
		return fmt.Errorf("invalid approval decision %q", decision)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.resolve(id, Resolution{ApprovalID: id, Decision: decision, Reason: reason})
}

// PendingCount returns the number of approvals awaiting a decision.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AbandonAll resolves every pending approval as timed out. It is called on
// session shutdown so no waiter blocks forever.
func (c *Coordinator) AbandonAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.resolve(id, Resolution{ApprovalID: id, Decision: DecisionTimedOut, Reason: "session shutdown"})
	}
}

func (c *Coordinator) resolve(id string, res Resolution) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.resolved[id] = struct{}{}
	}
	_, wasResolved := c.resolved[id]
	c.mu.Unlock()
	if !ok {
		if wasResolved {
			return fmt.Errorf("approval %q: %w", id, ErrAlreadyResolved)
		}
		return fmt.Errorf("approval %q: %w", id, ErrUnknownApproval)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
	close(p.done)
	return nil
}
