package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/relay/runtime/session/approval"
	"goa.design/relay/runtime/session/broadcast"
	"goa.design/relay/runtime/session/history"
	"goa.design/relay/runtime/session/sequence"
	"goa.design/relay/runtime/session/telemetry"
)

type (
	// Manager owns the live sessions of one process and enforces session
	// ownership on every externally reachable operation. Authorization
	// failures are reported uniformly as ErrNotFound so callers cannot
	// probe for the existence of sessions they do not own.
	Manager struct {
		deps Deps

		mu       sync.RWMutex
		sessions map[string]*Session
	}

	// Deps carries the shared collaborators sessions are built from.
	Deps struct {
		// Allocator issues sequence numbers for all sessions.
		Allocator sequence.Allocator
		// Broadcaster fans events out to live viewers.
		Broadcaster *broadcast.Broadcaster
		// Queue receives persisted events for asynchronous writes.
		Queue Enqueuer
		// History serves recovery reads.
		History history.Store
		// Owners answers session ownership questions.
		Owners OwnershipChecker
		// Config is applied to every session (ApprovalTimeout, telemetry).
		Config Config
	}

	// OwnershipChecker answers whether a user owns a session. It is the
	// contract with the external session ownership service.
	OwnershipChecker interface {
		IsOwner(ctx context.Context, sessionID, userID string) (bool, error)
	}

	// OwnershipRegistrar is implemented by ownership checkers that also
	// record new sessions themselves, for deployments without an external
	// ownership service. Manager.Create registers through it when the
	// configured checker supports it.
	OwnershipRegistrar interface {
		Register(ctx context.Context, sessionID, userID string) error
	}

	// LocalOwners is an in-process ownership registry for single-node
	// deployments and tests.
	LocalOwners struct {
		mu     sync.RWMutex
		owners map[string]string
	}
)

// ErrNotFound is returned for unknown sessions and, deliberately, for
// sessions the caller does not own.
var ErrNotFound = errors.New("session not found")

// NewManager constructs a Manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Allocator == nil {
		return nil, errors.New("sequence allocator is required")
	}
	if deps.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("persistence queue is required")
	}
	if deps.History == nil {
		return nil, errors.New("history store is required")
	}
	if deps.Owners == nil {
		return nil, errors.New("ownership checker is required")
	}
	if deps.Config.Logger == nil {
		deps.Config.Logger = telemetry.NewNoopLogger()
	}
	return &Manager{deps: deps, sessions: make(map[string]*Session)}, nil
}

// Create starts a new session owned by userID and returns it.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	cfg := m.deps.Config
	cfg.Allocator = m.deps.Allocator
	cfg.Sink = m.deps.Broadcaster
	cfg.Queue = m.deps.Queue

	s, err := New(uuid.NewString(), userID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if reg, ok := m.deps.Owners.(OwnershipRegistrar); ok {
		if err := reg.Register(ctx, s.ID(), userID); err != nil {
			return nil, fmt.Errorf("register session owner: %w", err)
		}
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.deps.Config.Logger.Info(ctx, "session created", "session_id", s.ID())
	return s, nil
}

// NewLocalOwners constructs an empty in-process ownership registry.
func NewLocalOwners() *LocalOwners {
	return &LocalOwners{owners: make(map[string]string)}
}

// Register implements OwnershipRegistrar.
func (o *LocalOwners) Register(_ context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return errors.New("session id and user id are required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[sessionID] = userID
	return nil
}

// IsOwner implements OwnershipChecker.
func (o *LocalOwners) IsOwner(_ context.Context, sessionID, userID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owners[sessionID] == userID, nil
}

// Get returns the session after verifying ownership.
func (m *Manager) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	if err := m.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// SubmitMessage accepts an inbound user message for the session. The
// acknowledgment event it emits is the durable record of the user's side of
// the conversation; driving the agent turn itself is the runtime's job.
func (m *Manager) SubmitMessage(ctx context.Context, sessionID, userID, messageID, text string) error {
	s, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return s.AckUserMessage(ctx, messageID, text)
}

// Decide records a human approval decision after verifying ownership.
func (m *Manager) Decide(ctx context.Context, sessionID, userID, approvalID string, decision approval.Decision, reason string) error {
	s, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return s.ResolveApproval(ctx, approvalID, decision, reason)
}

// History returns the session's durable records ordered by sequence number,
// after verifying ownership. Unlike Get it does not require the session to
// be live in this process: history survives the session.
func (m *Manager) History(ctx context.Context, sessionID, userID string, limit, offset int) ([]history.Record, error) {
	if err := m.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return m.deps.History.List(ctx, sessionID, limit, offset)
}

// Watch joins the caller to the session's live room after verifying
// ownership. Like History it works for sessions hosted by other processes
// when the broadcaster relays through a shared transport.
func (m *Manager) Watch(ctx context.Context, sessionID, userID string) (*broadcast.Subscription, error) {
	if err := m.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return m.deps.Broadcaster.Join(ctx, sessionID)
}

// Unwatch removes a live subscription obtained from Watch.
func (m *Manager) Unwatch(sub *broadcast.Subscription) {
	m.deps.Broadcaster.Leave(sub)
}

// End terminates the session after verifying ownership.
func (m *Manager) End(ctx context.Context, sessionID, userID string) error {
	s, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if err := s.End(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// Live returns the number of sessions hosted by this process.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// authorize maps both "unknown session" and "not the owner" to ErrNotFound.
func (m *Manager) authorize(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return ErrNotFound
	}
	ok, err := m.deps.Owners.IsOwner(ctx, sessionID, userID)
	if err != nil {
		return fmt.Errorf("check session ownership: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
