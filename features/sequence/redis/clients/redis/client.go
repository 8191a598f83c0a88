// Package redis implements the low-level Redis client used by the sequence
// allocator. Redis is the shared atomic counter: INCRBY gives every process
// serving a session the same monotonic view of its sequence space.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

type (
	// Client exposes the Redis operations the allocator needs.
	Client interface {
		health.Pinger

		// IncrBy atomically increments the counter at key by n and returns
		// the new value.
		IncrBy(ctx context.Context, key string, n int64) (int64, error)
	}

	// Options configures the Redis client implementation.
	Options struct {
		Client  *goredis.Client
		Timeout time.Duration
	}

	client struct {
		rdb     *goredis.Client
		timeout time.Duration
	}
)

const (
	defaultTimeout = 2 * time.Second
	clientName     = "sequence-redis"
)

// New returns a Client backed by the provided go-redis client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{rdb: opts.Client, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.IncrBy(ctx, key, n).Result()
}
