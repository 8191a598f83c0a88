package track

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_1", Name: "search.web", ResolvedSeq: 2, SeqReserved: true}))
	require.Equal(t, 1, tr.OpenCount())

	inv, err := tr.Resolve("toolu_1")
	require.NoError(t, err)
	assert.Equal(t, "search.web", inv.Name)
	assert.True(t, inv.SeqReserved)
	assert.Equal(t, uint64(2), inv.ResolvedSeq)
	assert.Equal(t, 0, tr.OpenCount())
}

func TestResolveIsExactlyOnce(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_1", Name: "search.web"}))

	_, err := tr.Resolve("toolu_1")
	require.NoError(t, err)

	_, err = tr.Resolve("toolu_1")
	require.ErrorIs(t, err, ErrUnknownInvocation)
}

func TestResolveUnknownID(t *testing.T) {
	t.Parallel()

	tr := New()
	_, err := tr.Resolve("never-registered")
	require.ErrorIs(t, err, ErrUnknownInvocation)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_1"}))
	require.Error(t, tr.Register(Invocation{ToolUseID: "toolu_1"}))
}

func TestAbandonOpenPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_a", ResolvedSeq: 3}))
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_b", ResolvedSeq: 4}))
	require.NoError(t, tr.Register(Invocation{ToolUseID: "toolu_c", ResolvedSeq: 5}))

	_, err := tr.Resolve("toolu_b")
	require.NoError(t, err)

	abandoned := tr.AbandonOpen()
	require.Len(t, abandoned, 2)
	assert.Equal(t, "toolu_a", abandoned[0].ToolUseID)
	assert.Equal(t, "toolu_c", abandoned[1].ToolUseID)
	assert.Equal(t, 0, tr.OpenCount())

	assert.Nil(t, tr.AbandonOpen(), "draining twice yields nothing")
}

func TestConcurrentResolves(t *testing.T) {
	t.Parallel()

	tr := New()
	const n = 32
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a' + i%26)) + string(rune('0'+i/26))
		require.NoError(t, tr.Register(Invocation{ToolUseID: ids[i]}))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := tr.Resolve(id); err == nil {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, n, resolved)
	assert.Equal(t, 0, tr.OpenCount())
}
