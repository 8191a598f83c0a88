package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndApprove(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	id, done := c.Submit(Request{ToolUseID: "toolu_1", ToolName: "files.write", Summary: "write config"})
	require.NotEmpty(t, id)
	assert.Equal(t, 1, c.PendingCount())

	require.NoError(t, c.Resolve(context.Background(), id, DecisionApproved, "looks fine"))

	res := <-done
	assert.Equal(t, id, res.ApprovalID)
	assert.Equal(t, DecisionApproved, res.Decision)
	assert.Equal(t, "looks fine", res.Reason)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRejectDelivered(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	id, done := c.Submit(Request{ToolName: "shell.exec"})
	require.NoError(t, c.Resolve(context.Background(), id, DecisionRejected, ""))

	res := <-done
	assert.Equal(t, DecisionRejected, res.Decision)
}

func TestSecondDecisionFails(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	id, done := c.Submit(Request{ToolName: "shell.exec"})
	require.NoError(t, c.Resolve(context.Background(), id, DecisionApproved, ""))
	<-done

	err = c.Resolve(context.Background(), id, DecisionRejected, "changed my mind")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestUnknownApprovalID(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	err = c.Resolve(context.Background(), "never-issued", DecisionApproved, "")
	require.ErrorIs(t, err, ErrUnknownApproval)
}

func TestInvalidDecisionRejected(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	id, _ := c.Submit(Request{ToolName: "shell.exec"})
	err = c.Resolve(context.Background(), id, DecisionTimedOut, "")
	require.Error(t, err, "timeouts are internal, not a caller decision")
	err = c.Resolve(context.Background(), id, Decision("maybe"), "")
	require.Error(t, err)
}

func TestTimeoutResolvesAsTimedOut(t *testing.T) {
	t.Parallel()

	c, err := New(20 * time.Millisecond)
	require.NoError(t, err)

	id, done := c.Submit(Request{ToolName: "shell.exec"})

	select {
	case res := <-done:
		assert.Equal(t, DecisionTimedOut, res.Decision)
		assert.NotEmpty(t, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout resolution never arrived")
	}

	err = c.Resolve(context.Background(), id, DecisionApproved, "too late")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestApproveBeforeTimeoutWinsExactlyOnce(t *testing.T) {
	t.Parallel()

	c, err := New(50 * time.Millisecond)
	require.NoError(t, err)

	id, done := c.Submit(Request{ToolName: "shell.exec"})
	require.NoError(t, c.Resolve(context.Background(), id, DecisionApproved, ""))

	res := <-done
	assert.Equal(t, DecisionApproved, res.Decision)

	// The channel is closed after the single delivery; a fired timer must
	// not produce a second resolution.
	time.Sleep(80 * time.Millisecond)
	_, open := <-done
	assert.False(t, open)
}

func TestAbandonAllDrainsPending(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)

	_, done1 := c.Submit(Request{ToolName: "a"})
	_, done2 := c.Submit(Request{ToolName: "b"})
	require.Equal(t, 2, c.PendingCount())

	c.AbandonAll()

	for _, done := range []<-chan Resolution{done1, done2} {
		res := <-done
		assert.Equal(t, DecisionTimedOut, res.Decision)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestConcurrentResolversSingleWinner(t *testing.T) {
	t.Parallel()

	c, err := New(time.Minute)
	require.NoError(t, err)
	id, done := c.Submit(Request{ToolName: "shell.exec"})

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Resolve(context.Background(), id, DecisionApproved, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	res := <-done
	assert.Equal(t, DecisionApproved, res.Decision)
}

func TestNewRequiresPositiveTimeout(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
}
