// Package broadcast fans session events out to live viewers. Each session
// has a room; viewers join a room and receive every event published after
// they joined, in publish order. Two viewers of the same session always see
// identical event order because fan-out happens under the room lock.
//
// Subscribers consume through a buffered channel. A subscriber that falls
// behind its buffer is disconnected rather than allowed to stall the
// pipeline; clients recover by re-reading the durable history and rejoining.
//
// A Broadcaster optionally relays every published event to an external sink
// (for example a Pulse stream) so other processes can serve viewers too.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/relay/runtime/session/stream"
	"goa.design/relay/runtime/session/telemetry"
)

type (
	// Broadcaster routes events to per-session rooms. It implements
	// stream.Sink so the session pipeline can treat it as its live output.
	Broadcaster struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
		relay   stream.Sink
		buffer  int

		mu     sync.Mutex
		rooms  map[string]*room
		closed bool
	}

	// Subscription is one viewer's membership in a session room. Consume
	// from Events until it closes; check Lagged to distinguish a normal
	// close from a slow-consumer disconnect.
	Subscription struct {
		sessionID string
		ch        chan stream.Event

		mu     sync.Mutex
		closed bool
		lagged bool
	}

	// Option configures a Broadcaster.
	Option func(*Broadcaster)

	room struct {
		subs []*Subscription
	}
)

// ErrClosed indicates the broadcaster has shut down.
var ErrClosed = errors.New("broadcaster closed")

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 256

// WithRelay forwards every published event to the given sink in addition to
// local fan-out. Relay failures are logged, not propagated: local viewers
// must not suffer for a remote transport outage.
func WithRelay(sink stream.Sink) Option {
	return func(b *Broadcaster) { b.relay = sink }
}

// WithBuffer overrides the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for relay and slow-consumer reporting.
func WithLogger(log telemetry.Logger) Option {
	return func(b *Broadcaster) { b.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// New constructs a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		buffer:  defaultBuffer,
		rooms:   make(map[string]*room),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Join subscribes a viewer to the session's room. The subscription receives
// events published after Join returns.
func (b *Broadcaster) Join(ctx context.Context, sessionID string) (*Subscription, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &Subscription{sessionID: sessionID, ch: make(chan stream.Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	r, ok := b.rooms[sessionID]
	if !ok {
		r = &room{}
		b.rooms[sessionID] = r
	}
	r.subs = append(r.subs, sub)
	b.metrics.RecordGauge("broadcast.subscribers", float64(len(r.subs)), "session_id", sessionID)
	return sub, nil
}

// Leave removes the subscription from its room and closes its channel.
func (b *Broadcaster) Leave(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.detach(sub)
	b.mu.Unlock()
	sub.close(false)
}

// Send implements stream.Sink by publishing to the event's session room.
func (b *Broadcaster) Send(ctx context.Context, ev stream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	r := b.rooms[ev.SessionID()]
	var dropped []*Subscription
	if r != nil {
		for _, sub := range r.subs {
			select {
			case sub.ch <- ev:
			default:
				dropped = append(dropped, sub)
			}
		}
		for _, sub := range dropped {
			b.detach(sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close(true)
		b.metrics.IncCounter("broadcast.slow_consumer", 1, "session_id", ev.SessionID())
		b.log.Warn(ctx, "disconnected slow subscriber", "session_id", ev.SessionID())
	}

	if b.relay != nil {
		if err := b.relay.Send(ctx, ev); err != nil {
			b.metrics.IncCounter("broadcast.relay_error", 1)
			b.log.Error(ctx, "relay send failed", "session_id", ev.SessionID(), "error", err)
		}
	}
	return nil
}

// Close implements stream.Sink. It closes every subscription and the relay
// sink, if any.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, r := range b.rooms {
		subs = append(subs, r.subs...)
	}
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(false)
	}
	if b.relay != nil {
		if err := b.relay.Close(ctx); err != nil {
			return fmt.Errorf("close relay sink: %w", err)
		}
	}
	return nil
}

// detach removes the subscription from its room. Callers hold b.mu.
func (b *Broadcaster) detach(sub *Subscription) {
	r := b.rooms[sub.sessionID]
	if r == nil {
		return
	}
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	if len(r.subs) == 0 {
		delete(b.rooms, sub.sessionID)
	}
}

// Events returns the channel delivering the subscription's events. The
// channel closes when the viewer leaves, the broadcaster shuts down, or the
// subscriber is disconnected for lagging.
func (s *Subscription) Events() <-chan stream.Event { return s.ch }

// SessionID returns the session the subscription belongs to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Lagged reports whether the subscription was disconnected because its
// buffer overflowed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *Subscription) close(lagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.lagged = lagged
	close(s.ch)
}
