// Package session implements the event pipeline for a live agent session. A
// Session receives raw activity from the agent runtime (message deltas, tool
// calls, approval requests), classifies each event, stamps persisted events
// with a session-scoped sequence number, broadcasts every event to live
// viewers, and hands persisted events to the asynchronous history writer.
//
// Ordering is the contract that holds the three views together: the live
// broadcast, the durable history, and the request order of concurrent tool
// calls all agree because sequence numbers are allocated (or pre-reserved for
// batches) before broadcast, and the history store orders strictly by them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/relay/runtime/session/approval"
	"goa.design/relay/runtime/session/history"
	"goa.design/relay/runtime/session/sequence"
	"goa.design/relay/runtime/session/stream"
	"goa.design/relay/runtime/session/telemetry"
	"goa.design/relay/runtime/session/track"
)

type (
	// Session is the in-memory pipeline state for one conversation session.
	// One Session instance exists per live session per process; its methods
	// are safe for concurrent use so parallel tool executors can report
	// results directly.
	Session struct {
		id      string
		ownerID string

		alloc     sequence.Allocator
		sink      stream.Sink
		queue     Enqueuer
		tracker   *track.Tracker
		approvals *approval.Coordinator
		awaiters  sync.WaitGroup

		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Enqueuer is the slice of the persistence writer the session needs.
	Enqueuer interface {
		Enqueue(ev stream.Event) error
	}

	// ToolCall describes one tool invocation requested by the agent
	// runtime.
	ToolCall struct {
		// ToolUseID is the runtime-supplied correlation key.
		ToolUseID string
		// Name is the tool identifier.
		Name string
		// Arguments contains the canonical JSON arguments.
		Arguments json.RawMessage
	}

	// Config carries the collaborators a Session needs.
	Config struct {
		// Allocator issues session-scoped sequence numbers.
		Allocator sequence.Allocator
		// Sink receives every event for live delivery, typically a
		// broadcast.Broadcaster.
		Sink stream.Sink
		// Queue receives persisted events for asynchronous durable writes.
		Queue Enqueuer
		// ApprovalTimeout bounds how long an approval stays pending.
		// Default 5 minutes.
		ApprovalTimeout time.Duration
		// Logger, Metrics and Tracer default to noops when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// ErrAllocation indicates sequence allocation failed and the event was not
// emitted. The condition is retryable once the counter service recovers.
var ErrAllocation = errors.New("sequence allocation failed")

const defaultApprovalTimeout = 5 * time.Minute

// New constructs a Session for the given session and owner ids.
func New(sessionID, ownerID string, cfg Config) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("sequence allocator is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("event sink is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("persistence queue is required")
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	approvals, err := approval.New(cfg.ApprovalTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        sessionID,
		ownerID:   ownerID,
		alloc:     cfg.Allocator,
		sink:      cfg.Sink,
		queue:     cfg.Queue,
		tracker:   track.New(),
		approvals: approvals,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OwnerID returns the user id that owns the session.
func (s *Session) OwnerID() string { return s.ownerID }

// AckUserMessage records acceptance of an inbound user message.
func (s *Session) AckUserMessage(ctx context.Context, messageID, text string) error {
	p := stream.UserMessageAckPayload{MessageID: messageID, Text: text}
	return s.emit(ctx, stream.EventUserMessageAck, p, func(b stream.Base) stream.Event {
		return stream.UserMessageAck{Base: b, Data: p}
	})
}

// StreamThinking forwards an incremental reasoning fragment to viewers.
func (s *Session) StreamThinking(ctx context.Context, delta string) error {
	p := stream.ThinkingDeltaPayload{Delta: delta}
	return s.emit(ctx, stream.EventThinkingDelta, p, func(b stream.Base) stream.Event {
		return stream.ThinkingDelta{Base: b, Data: p}
	})
}

// Thinking forwards a completed reasoning block to viewers.
func (s *Session) Thinking(ctx context.Context, text string) error {
	p := stream.ThinkingPayload{Text: text}
	return s.emit(ctx, stream.EventThinking, p, func(b stream.Base) stream.Event {
		return stream.Thinking{Base: b, Data: p}
	})
}

// StreamMessage forwards an incremental assistant message fragment.
func (s *Session) StreamMessage(ctx context.Context, delta string) error {
	p := stream.MessageDeltaPayload{Delta: delta}
	return s.emit(ctx, stream.EventMessageDelta, p, func(b stream.Base) stream.Event {
		return stream.MessageDelta{Base: b, Data: p}
	})
}

// Message records the final aggregated assistant message for the turn.
func (s *Session) Message(ctx context.Context, text string) error {
	p := stream.MessagePayload{Text: text}
	return s.emit(ctx, stream.EventMessage, p, func(b stream.Base) stream.Event {
		return stream.Message{Base: b, Data: p}
	})
}

// InvokeTool records a single (non-batched) tool invocation. The resolution
// sequence number is allocated when the result arrives; pre-reservation is
// only needed when sibling calls can race (see InvokeToolBatch).
func (s *Session) InvokeTool(ctx context.Context, call ToolCall) error {
	seq, err := s.alloc.Next(ctx, s.id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if err := s.tracker.Register(track.Invocation{ToolUseID: call.ToolUseID, Name: call.Name}); err != nil {
		return err
	}
	p := stream.ToolInvokedPayload{ToolUseID: call.ToolUseID, Name: call.Name, Arguments: call.Arguments}
	ev := stream.ToolInvoked{
		Base: stream.NewBase(stream.EventToolInvoked, s.id, p).WithSequence(seq),
		Data: p,
	}
	return s.deliver(ctx, ev, true)
}

// InvokeToolBatch records a turn that requests len(calls) tools at once.
// It reserves a contiguous block of 2N sequence numbers up front: the first
// N stamp the invocation events in request order, the last N are
// pre-committed to the resolutions in the same order. Results may then
// arrive in any order without disturbing the durable history's request
// ordering.
func (s *Session) InvokeToolBatch(ctx context.Context, calls []ToolCall) error {
	n := len(calls)
	if n == 0 {
		return errors.New("tool batch is empty")
	}
	if n == 1 {
		return s.InvokeTool(ctx, calls[0])
	}
	block, err := s.alloc.Reserve(ctx, s.id, 2*n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	for i, call := range calls {
		if err := s.tracker.Register(track.Invocation{
			ToolUseID:   call.ToolUseID,
			Name:        call.Name,
			ResolvedSeq: block.At(n + i),
			SeqReserved: true,
		}); err != nil {
			return err
		}
	}
	for i, call := range calls {
		p := stream.ToolInvokedPayload{ToolUseID: call.ToolUseID, Name: call.Name, Arguments: call.Arguments}
		ev := stream.ToolInvoked{
			Base: stream.NewBase(stream.EventToolInvoked, s.id, p).WithSequence(block.At(i)),
			Data: p,
		}
		if err := s.deliver(ctx, ev, true); err != nil {
			return err
		}
	}
	return nil
}

// ResolveTool records a tool result. The resolution uses the sequence number
// pre-committed at invocation time when the call was part of a batch, so the
// stored order follows request order regardless of completion order. A
// result with no matching invocation is a logged anomaly, not a persisted
// record.
func (s *Session) ResolveTool(ctx context.Context, toolUseID string, result json.RawMessage, toolErr string) error {
	inv, err := s.tracker.Resolve(toolUseID)
	if err != nil {
		s.log.Warn(ctx, "tool result without matching invocation",
			"session_id", s.id, "tool_use_id", toolUseID)
		s.metrics.IncCounter("session.orphan_tool_result", 1)
		return err
	}
	seq := inv.ResolvedSeq
	if !inv.SeqReserved {
		if seq, err = s.alloc.Next(ctx, s.id); err != nil {
			return fmt.Errorf("%w: %v", ErrAllocation, err)
		}
	}
	p := stream.ToolResolvedPayload{
		ToolUseID: toolUseID,
		Name:      inv.Name,
		Status:    stream.StatusResolved,
		Result:    result,
		Error:     toolErr,
	}
	ev := stream.ToolResolved{
		Base: stream.NewBase(stream.EventToolResolved, s.id, p).WithSequence(seq),
		Data: p,
	}
	return s.deliver(ctx, ev, true)
}

// RequestApproval gates a tool call on a human decision. It emits the
// persisted approval-requested event and returns the approval id together
// with a channel that delivers the terminal resolution. The matching
// approval-resolved event is emitted by the session itself when the decision
// (or timeout) lands, so callers only need the channel to gate execution.
func (s *Session) RequestApproval(ctx context.Context, req approval.Request) (string, <-chan approval.Resolution, error) {
	id, done := s.approvals.Submit(req)
	p := stream.ApprovalRequestedPayload{
		ApprovalID: id,
		ToolUseID:  req.ToolUseID,
		ToolName:   req.ToolName,
		Summary:    req.Summary,
		Arguments:  req.Arguments,
	}
	base := stream.NewBase(stream.EventApprovalRequested, s.id, p)
	if err := s.emitPrebuilt(ctx, base, func(b stream.Base) stream.Event {
		return stream.ApprovalRequested{Base: b, Data: p}
	}); err != nil {
		return "", nil, err
	}

	out := make(chan approval.Resolution, 1)
	s.awaiters.Add(1)
	go s.awaitApproval(done, out)
	return id, out, nil
}

// awaitApproval forwards the terminal resolution to the caller after
// emitting the approval-resolved event. End joins these goroutines so the
// resolution events land before the session-end record is sequenced.
func (s *Session) awaitApproval(done <-chan approval.Resolution, out chan<- approval.Resolution) {
	defer s.awaiters.Done()
	res, ok := <-done
	if !ok {
		close(out)
		return
	}
	ctx := context.Background()
	p := stream.ApprovalResolvedPayload{
		ApprovalID: res.ApprovalID,
		Decision:   string(res.Decision),
		Reason:     res.Reason,
	}
	if err := s.emit(ctx, stream.EventApprovalResolved, p, func(b stream.Base) stream.Event {
		return stream.ApprovalResolved{Base: b, Data: p}
	}); err != nil {
		s.log.Error(ctx, "emit approval resolution failed",
			"session_id", s.id, "approval_id", res.ApprovalID, "error", err)
	}
	out <- res
	close(out)
}

// ResolveApproval records a human decision for a pending approval.
func (s *Session) ResolveApproval(ctx context.Context, approvalID string, decision approval.Decision, reason string) error {
	return s.approvals.Resolve(ctx, approvalID, decision, reason)
}

// Pause tells viewers the turn is waiting on external input.
func (s *Session) Pause(ctx context.Context, reason string) error {
	p := stream.TurnPausedPayload{Reason: reason}
	return s.emit(ctx, stream.EventTurnPaused, p, func(b stream.Base) stream.Event {
		return stream.TurnPaused{Base: b, Data: p}
	})
}

// RefuseContent records that the agent declined to produce content.
func (s *Session) RefuseContent(ctx context.Context, reason string) error {
	p := stream.ContentRefusedPayload{Reason: reason}
	return s.emit(ctx, stream.EventContentRefused, p, func(b stream.Base) stream.Event {
		return stream.ContentRefused{Base: b, Data: p}
	})
}

// Fail reports a turn-level failure to live viewers.
func (s *Session) Fail(ctx context.Context, msg string, retryable bool) error {
	p := stream.TurnErrorPayload{Message: msg, Retryable: retryable}
	return s.emit(ctx, stream.EventError, p, func(b stream.Base) stream.Event {
		return stream.TurnError{Base: b, Data: p}
	})
}

// EndTurn closes out the current turn. Invocations still awaiting results
// are persisted as abandoned with a null result so the durable history never
// contains an invocation without an outcome, then the turn-complete marker
// is broadcast.
func (s *Session) EndTurn(ctx context.Context, stopReason string) error {
	if err := s.abandonOpenTools(ctx); err != nil {
		return err
	}
	p := stream.CompletePayload{StopReason: stopReason}
	return s.emit(ctx, stream.EventComplete, p, func(b stream.Base) stream.Event {
		return stream.Complete{Base: b, Data: p}
	})
}

// End marks the durable end of the session. Pending approvals are abandoned
// (their waiters observe a timeout) and open tool invocations are recorded
// as abandoned before the session-end event is persisted. The wait on the
// approval awaiters matters: their resolution events must be sequenced
// before session-end so the durable history never shows activity after the
// session's end marker.
func (s *Session) End(ctx context.Context) error {
	s.approvals.AbandonAll()
	s.awaiters.Wait()
	if err := s.abandonOpenTools(ctx); err != nil {
		return err
	}
	p := stream.SessionEndPayload{}
	return s.emit(ctx, stream.EventSessionEnd, p, func(b stream.Base) stream.Event {
		return stream.SessionEnd{Base: b, Data: p}
	})
}

// PendingApprovals returns the number of approvals awaiting a decision.
func (s *Session) PendingApprovals() int { return s.approvals.PendingCount() }

// OpenToolCalls returns the number of tool invocations awaiting results.
func (s *Session) OpenToolCalls() int { return s.tracker.OpenCount() }

func (s *Session) abandonOpenTools(ctx context.Context) error {
	for _, inv := range s.tracker.AbandonOpen() {
		seq := inv.ResolvedSeq
		if !inv.SeqReserved {
			var err error
			if seq, err = s.alloc.Next(ctx, s.id); err != nil {
				return fmt.Errorf("%w: %v", ErrAllocation, err)
			}
		}
		s.log.Warn(ctx, "tool invocation abandoned",
			"session_id", s.id, "tool_use_id", inv.ToolUseID, "tool", inv.Name)
		s.metrics.IncCounter("session.abandoned_tool", 1, "tool", inv.Name)
		p := stream.ToolResolvedPayload{
			ToolUseID: inv.ToolUseID,
			Name:      inv.Name,
			Status:    stream.StatusAbandoned,
		}
		ev := stream.ToolResolved{
			Base: stream.NewBase(stream.EventToolResolved, s.id, p).WithSequence(seq),
			Data: p,
		}
		if err := s.deliver(ctx, ev, true); err != nil {
			return err
		}
	}
	return nil
}

// emit classifies the event, allocates a sequence number when persisted, and
// pushes it through broadcast and the durable queue.
func (s *Session) emit(ctx context.Context, t stream.EventType, payload any, build func(stream.Base) stream.Event) error {
	class, err := stream.Classify(t)
	if err != nil {
		return err
	}
	base := stream.NewBase(t, s.id, payload)
	persisted := class == stream.ClassPersisted
	if persisted {
		seq, err := s.alloc.Next(ctx, s.id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAllocation, err)
		}
		base = base.WithSequence(seq)
	}
	return s.deliver(ctx, build(base), persisted)
}

// emitPrebuilt is emit for events whose payload carries an identifier minted
// before classification (approval requests). The base is rebuilt with a
// sequence number when the kind is persisted.
func (s *Session) emitPrebuilt(ctx context.Context, base stream.Base, build func(stream.Base) stream.Event) error {
	class, err := stream.Classify(base.Type())
	if err != nil {
		return err
	}
	persisted := class == stream.ClassPersisted
	if persisted {
		seq, err := s.alloc.Next(ctx, s.id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAllocation, err)
		}
		base = base.WithSequence(seq)
	}
	return s.deliver(ctx, build(base), persisted)
}

// deliver broadcasts the event and, for persisted kinds, enqueues the
// durable write. Broadcast happens first: the live view must never wait on
// storage.
func (s *Session) deliver(ctx context.Context, ev stream.Event, persisted bool) error {
	if err := s.sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Type(), err)
	}
	s.metrics.IncCounter("session.events", 1, "type", string(ev.Type()))
	if !persisted {
		return nil
	}
	if err := s.queue.Enqueue(ev); err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Type(), err)
	}
	return nil
}

// History returns the session's durable records ordered by sequence number.
// It reads only from the store: in-flight queue writes that have not landed
// are not visible (pair with a drain when strict completeness is needed).
func History(ctx context.Context, store history.Store, sessionID string, limit, offset int) ([]history.Record, error) {
	return store.List(ctx, sessionID, limit, offset)
}
