// Package redis wires the sequence.Allocator interface to the Redis client.
package redis

import (
	"context"
	"errors"
	"fmt"

	clientsredis "goa.design/relay/features/sequence/redis/clients/redis"
	"goa.design/relay/runtime/session/sequence"
)

// Allocator implements sequence.Allocator on a shared Redis counter. Every
// process serving a session allocates from the same INCRBY counter, so
// numbers stay unique and increasing across reconnects to different nodes.
type Allocator struct {
	client clientsredis.Client
	prefix string
}

// keyPrefix namespaces session counters in Redis.
const keyPrefix = "relay:seq:"

// NewAllocator builds a Redis-backed sequence allocator using the provided
// client.
func NewAllocator(client clientsredis.Client) (*Allocator, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Allocator{client: client, prefix: keyPrefix}, nil
}

// Next implements sequence.Allocator.
func (a *Allocator) Next(ctx context.Context, sessionID string) (uint64, error) {
	block, err := a.Reserve(ctx, sessionID, 1)
	if err != nil {
		return 0, err
	}
	return block.Start, nil
}

// Reserve implements sequence.Allocator. INCRBY returns the new counter
// value after the increment, so the reserved block is
// [end-count, end-1] and no concurrent caller can observe any number
// inside it. Counter failures wrap sequence.ErrUnavailable: allocation
// fails closed rather than guessing numbers.
func (a *Allocator) Reserve(ctx context.Context, sessionID string, count int) (sequence.Block, error) {
	if sessionID == "" {
		return sequence.Block{}, errors.New("session id is required")
	}
	if count < 1 {
		return sequence.Block{}, errors.New("reserve count must be at least 1")
	}
	end, err := a.client.IncrBy(ctx, a.prefix+sessionID, int64(count))
	if err != nil {
		return sequence.Block{}, fmt.Errorf("%w: incrby %s: %v", sequence.ErrUnavailable, sessionID, err)
	}
	return sequence.Block{Start: uint64(end) - uint64(count), Count: count}, nil
}
