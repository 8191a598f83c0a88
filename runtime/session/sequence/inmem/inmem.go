// Package inmem provides an in-memory sequence allocator for tests and
// single-process deployments. Counters reset on restart; production setups
// use the Redis-backed allocator instead.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/relay/runtime/session/sequence"
)

// Allocator is a process-local sequence.Allocator backed by a per-session
// counter map. It is safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// New constructs an empty in-memory allocator. Every session's counter
// starts at zero.
func New() *Allocator {
	return &Allocator{counters: make(map[string]uint64)}
}

// Next implements sequence.Allocator.
func (a *Allocator) Next(ctx context.Context, sessionID string) (uint64, error) {
	block, err := a.Reserve(ctx, sessionID, 1)
	if err != nil {
		return 0, err
	}
	return block.Start, nil
}

// Reserve implements sequence.Allocator.
func (a *Allocator) Reserve(ctx context.Context, sessionID string, count int) (sequence.Block, error) {
	if sessionID == "" {
		return sequence.Block{}, errors.New("inmem: session id is required")
	}
	if count < 1 {
		return sequence.Block{}, errors.New("inmem: reserve count must be at least 1")
	}
	if err := ctx.Err(); err != nil {
		return sequence.Block{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.counters[sessionID]
	a.counters[sessionID] = start + uint64(count)
	return sequence.Block{Start: start, Count: count}, nil
}
