package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	clientsredis "goa.design/relay/features/sequence/redis/clients/redis"
)

// TestAllocatorAgainstRedis exercises the allocator against a real Redis
// instance. Opt in with RELAY_INTEGRATION=1; it needs a Docker daemon.
func TestAllocatorAgainstRedis(t *testing.T) {
	if os.Getenv("RELAY_INTEGRATION") == "" {
		t.Skip("set RELAY_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })

	client, err := clientsredis.New(clientsredis.Options{Client: rdb})
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx))

	a, err := NewAllocator(client)
	require.NoError(t, err)

	// Concurrent mixed Next/Reserve traffic must produce a gapless,
	// duplicate-free sequence space.
	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		seen  = make(map[uint64]bool)
	)
	record := func(n uint64) {
		mu.Lock()
		defer mu.Unlock()
		assert.False(t, seen[n], "sequence %d allocated twice", n)
		seen[n] = true
		total++
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				n, err := a.Next(ctx, "itest-session")
				if assert.NoError(t, err) {
					record(n)
				}
				block, err := a.Reserve(ctx, "itest-session", 4)
				if assert.NoError(t, err) {
					for k := 0; k < block.Count; k++ {
						record(block.At(k))
					}
				}
			}
		}()
	}
	wg.Wait()

	for n := uint64(0); n < uint64(total); n++ {
		assert.True(t, seen[n], "sequence space has a gap at %d", n)
	}
}
