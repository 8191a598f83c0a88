package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/session/history"
	"goa.design/relay/runtime/session/history/inmem"
	"goa.design/relay/runtime/session/stream"
)

// flakyStore fails the first failures calls to Upsert and then delegates.
type flakyStore struct {
	mu       sync.Mutex
	inner    history.Store
	failures int
	calls    int
}

func (s *flakyStore) Upsert(ctx context.Context, rec history.Record) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.inner.Upsert(ctx, rec)
}

func (s *flakyStore) List(ctx context.Context, sessionID string, limit, offset int) ([]history.Record, error) {
	return s.inner.List(ctx, sessionID, limit, offset)
}

func persistedEvent(session string, seq uint64, text string) stream.Event {
	return stream.Message{
		Base: stream.NewBase(stream.EventMessage, session, stream.MessagePayload{Text: text}).WithSequence(seq),
		Data: stream.MessagePayload{Text: text},
	}
}

func TestEnqueueAndDrainWritesAllRecords(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	w, err := New(store, nil, nil, Config{})
	require.NoError(t, err)
	defer w.Close(context.Background())

	for seq := uint64(0); seq < 20; seq++ {
		require.NoError(t, w.Enqueue(persistedEvent("session-1", seq, "m")))
	}
	require.NoError(t, w.Drain(context.Background()))

	recs, err := store.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	assert.NoError(t, history.CheckContiguous(recs))
	assert.Equal(t, 0, w.Pending())
}

func TestRetryEventuallySucceedsWithoutDuplicates(t *testing.T) {
	t.Parallel()

	store := &flakyStore{inner: inmem.New(), failures: 2}
	w, err := New(store, nil, nil, Config{MaxAttempts: 5, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	defer w.Close(context.Background())

	require.NoError(t, w.Enqueue(persistedEvent("session-1", 0, "m")))
	require.NoError(t, w.Drain(context.Background()))

	recs, err := store.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0, w.Dropped())
}

func TestRecordDroppedAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	store := &flakyStore{inner: inmem.New(), failures: 100}
	w, err := New(store, nil, nil, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	defer w.Close(context.Background())

	require.NoError(t, w.Enqueue(persistedEvent("session-1", 0, "m")))
	require.NoError(t, w.Drain(context.Background()))

	assert.Equal(t, 1, w.Dropped())
	recs, err := store.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEnqueueRejectsTransientEvents(t *testing.T) {
	t.Parallel()

	w, err := New(inmem.New(), nil, nil, Config{})
	require.NoError(t, err)
	defer w.Close(context.Background())

	delta := stream.MessageDelta{
		Base: stream.NewBase(stream.EventMessageDelta, "session-1", stream.MessageDeltaPayload{Delta: "h"}),
		Data: stream.MessageDeltaPayload{Delta: "h"},
	}
	require.Error(t, w.Enqueue(delta))
}

func TestCloseDrainsAndRejectsFurtherWrites(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	w, err := New(store, nil, nil, Config{})
	require.NoError(t, err)

	require.NoError(t, w.Enqueue(persistedEvent("session-1", 0, "m")))
	require.NoError(t, w.Close(context.Background()))

	recs, err := store.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.ErrorIs(t, w.Enqueue(persistedEvent("session-1", 1, "m")), ErrClosed)
}

func TestPingReportsBacklog(t *testing.T) {
	t.Parallel()

	// A store that blocks until released keeps the backlog visible.
	release := make(chan struct{})
	store := &blockingStore{inner: inmem.New(), release: release}
	w, err := New(store, nil, nil, Config{Workers: 1, HealthyBacklog: 2})
	require.NoError(t, err)

	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, w.Enqueue(persistedEvent("session-1", seq, "m")))
	}
	require.Eventually(t, func() bool {
		return w.Ping(context.Background()) != nil
	}, time.Second, 5*time.Millisecond, "backlog above threshold must fail the ping")

	close(release)
	require.NoError(t, w.Drain(context.Background()))
	assert.NoError(t, w.Ping(context.Background()))
	require.NoError(t, w.Close(context.Background()))
	assert.Error(t, w.Ping(context.Background()))
}

type blockingStore struct {
	inner   history.Store
	release chan struct{}
}

func (s *blockingStore) Upsert(ctx context.Context, rec history.Record) error {
	<-s.release
	return s.inner.Upsert(ctx, rec)
}

func (s *blockingStore) List(ctx context.Context, sessionID string, limit, offset int) ([]history.Record, error) {
	return s.inner.List(ctx, sessionID, limit, offset)
}

func TestConcurrentEnqueueDrainSeesEveryRecord(t *testing.T) {
	t.Parallel()

	const (
		producers = 8
		perWorker = 500
	)
	store := inmem.New()
	w, err := New(store, nil, nil, Config{Workers: 4})
	require.NoError(t, err)
	defer w.Close(context.Background())

	// Pending must count a record before a worker can write and decrement
	// it, so the counter never goes negative and a drain started after the
	// last Enqueue returns covers every record.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				assert.GreaterOrEqual(t, w.Pending(), 0)
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq := uint64(p*perWorker + i)
				assert.NoError(t, w.Enqueue(persistedEvent("session-1", seq, "m")))
			}
		}(p)
	}
	wg.Wait()
	close(stop)

	require.NoError(t, w.Drain(context.Background()))

	recs, err := store.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, producers*perWorker)
	assert.NoError(t, history.CheckContiguous(recs))
	assert.Equal(t, 0, w.Pending())
}

func TestPerSessionOrderPreserved(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	w, err := New(store, nil, nil, Config{Workers: 8})
	require.NoError(t, err)
	defer w.Close(context.Background())

	sessions := []string{"session-a", "session-b", "session-c"}
	for seq := uint64(0); seq < 30; seq++ {
		for _, s := range sessions {
			require.NoError(t, w.Enqueue(persistedEvent(s, seq, "m")))
		}
	}
	require.NoError(t, w.Drain(context.Background()))

	for _, s := range sessions {
		recs, err := store.List(context.Background(), s, 0, 0)
		require.NoError(t, err)
		require.Len(t, recs, 30)
		assert.NoError(t, history.CheckContiguous(recs))
	}
}
