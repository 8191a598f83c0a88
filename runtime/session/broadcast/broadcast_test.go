package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/session/stream"
)

func event(session, text string) stream.Event {
	return stream.MessageDelta{
		Base: stream.NewBase(stream.EventMessageDelta, session, stream.MessageDeltaPayload{Delta: text}),
		Data: stream.MessageDeltaPayload{Delta: text},
	}
}

func TestTwoViewersSeeIdenticalOrder(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	defer b.Close(ctx)

	sub1, err := b.Join(ctx, "session-1")
	require.NoError(t, err)
	sub2, err := b.Join(ctx, "session-1")
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Send(ctx, event("session-1", string(rune('a'+i%26)))))
	}

	collect := func(sub *Subscription) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			ev := <-sub.Events()
			out = append(out, ev.(stream.MessageDelta).Data.Delta)
		}
		return out
	}
	assert.Equal(t, collect(sub1), collect(sub2))
}

func TestRoomsAreIsolatedBySession(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	defer b.Close(ctx)

	subA, err := b.Join(ctx, "session-a")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, event("session-b", "x")))
	require.NoError(t, b.Send(ctx, event("session-a", "y")))

	ev := <-subA.Events()
	assert.Equal(t, "session-a", ev.SessionID())
	select {
	case extra := <-subA.Events():
		t.Fatalf("unexpected event for session %s", extra.SessionID())
	default:
	}
}

func TestJoinReceivesOnlyLaterEvents(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	defer b.Close(ctx)

	require.NoError(t, b.Send(ctx, event("session-1", "before")))

	sub, err := b.Join(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, event("session-1", "after")))

	ev := <-sub.Events()
	assert.Equal(t, "after", ev.(stream.MessageDelta).Data.Delta)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	t.Parallel()

	b := New(WithBuffer(2))
	ctx := context.Background()
	defer b.Close(ctx)

	sub, err := b.Join(ctx, "session-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(ctx, event("session-1", "x")))
	}

	// Drain: two buffered events, then the channel closes.
	var got int
	for range sub.Events() {
		got++
	}
	assert.Equal(t, 2, got)
	assert.True(t, sub.Lagged())
}

func TestLeaveClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	defer b.Close(ctx)

	sub, err := b.Join(ctx, "session-1")
	require.NoError(t, err)
	b.Leave(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, sub.Lagged())

	// Publishing after leave must not panic or deliver.
	require.NoError(t, b.Send(ctx, event("session-1", "x")))
}

func TestCloseShutsDownEverything(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	sub, err := b.Join(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	_, open := <-sub.Events()
	assert.False(t, open)

	require.ErrorIs(t, b.Send(ctx, event("session-1", "x")), ErrClosed)
	_, err = b.Join(ctx, "session-1")
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, b.Close(ctx), "close is idempotent")
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
	fail   bool
	closed bool
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("relay down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRelayReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	relay := &recordingSink{}
	b := New(WithRelay(relay))
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, event("session-1", "a")))
	require.NoError(t, b.Send(ctx, event("session-1", "b")))
	require.NoError(t, b.Close(ctx))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.events, 2)
	assert.True(t, relay.closed)
}

func TestRelayFailureDoesNotBreakLocalFanout(t *testing.T) {
	t.Parallel()

	relay := &recordingSink{fail: true}
	b := New(WithRelay(relay))
	ctx := context.Background()
	defer b.Close(ctx)

	sub, err := b.Join(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, event("session-1", "a")))

	ev := <-sub.Events()
	assert.Equal(t, "session-1", ev.SessionID())
}
