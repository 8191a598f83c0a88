package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/session/sequence"
)

// fakeClient is an in-process stand-in for the Redis counter.
type fakeClient struct {
	mu       sync.Mutex
	counters map[string]int64
	err      error
}

func newFakeClient() *fakeClient {
	return &fakeClient{counters: make(map[string]int64)}
}

func (c *fakeClient) Name() string { return "fake-redis" }

func (c *fakeClient) Ping(context.Context) error { return c.err }

func (c *fakeClient) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counters[key] += n
	return c.counters[key], nil
}

func TestNextStartsAtZero(t *testing.T) {
	t.Parallel()

	a, err := NewAllocator(newFakeClient())
	require.NoError(t, err)
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		got, err := a.Next(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReserveBlocksNeverOverlap(t *testing.T) {
	t.Parallel()

	a, err := NewAllocator(newFakeClient())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := a.Reserve(ctx, "session-1", 4)
	require.NoError(t, err)
	second, err := a.Reserve(ctx, "session-1", 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.Start)
	assert.Equal(t, first.End(), second.Start)

	next, err := a.Next(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, second.End(), next)
}

func TestSessionCountersAreIndependent(t *testing.T) {
	t.Parallel()

	a, err := NewAllocator(newFakeClient())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Reserve(ctx, "session-a", 10)
	require.NoError(t, err)

	got, err := a.Next(ctx, "session-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)
}

func TestCounterFailureFailsClosed(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	fake.err = errors.New("connection refused")
	a, err := NewAllocator(fake)
	require.NoError(t, err)

	_, err = a.Next(context.Background(), "session-1")
	require.ErrorIs(t, err, sequence.ErrUnavailable)

	_, err = a.Reserve(context.Background(), "session-1", 4)
	require.ErrorIs(t, err, sequence.ErrUnavailable)
}

func TestReserveValidatesInput(t *testing.T) {
	t.Parallel()

	a, err := NewAllocator(newFakeClient())
	require.NoError(t, err)

	_, err = a.Reserve(context.Background(), "", 1)
	require.Error(t, err)

	_, err = a.Reserve(context.Background(), "session-1", 0)
	require.Error(t, err)
}

func TestConcurrentReservationsDisjoint(t *testing.T) {
	t.Parallel()

	a, err := NewAllocator(newFakeClient())
	require.NoError(t, err)
	ctx := context.Background()

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		blocks []sequence.Block
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := a.Reserve(ctx, "session-1", 3)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			blocks = append(blocks, block)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, block := range blocks {
		for i := 0; i < block.Count; i++ {
			n := block.At(i)
			assert.False(t, seen[n], "sequence %d reserved twice", n)
			seen[n] = true
		}
	}
	assert.Len(t, seen, workers*3)
}
