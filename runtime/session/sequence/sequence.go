// Package sequence defines session-scoped sequence number allocation.
//
// Every persisted event carries a sequence number that is unique and strictly
// increasing within its session. Allocators hand out numbers one at a time or
// as contiguous blocks; a block lets the session pipeline pre-assign stream
// positions to a batch of parallel tool calls before any of them executes, so
// the durable order reflects request order regardless of completion order.
//
// Allocation must fail closed: when the backing counter is unreachable the
// allocator returns an error wrapping ErrUnavailable and no event is emitted
// with a guessed number.
package sequence

import (
	"context"
	"errors"
)

type (
	// Allocator hands out session-scoped sequence numbers. Implementations
	// must guarantee that within a session every allocated number is unique
	// and numbers from successive calls are strictly increasing, including
	// across process restarts for durable backends.
	Allocator interface {
		// Next allocates the next sequence number for the session.
		Next(ctx context.Context, sessionID string) (uint64, error)

		// Reserve atomically allocates a contiguous block of count numbers.
		// No other caller observes any number inside the returned block.
		// count must be at least 1.
		Reserve(ctx context.Context, sessionID string, count int) (Block, error)
	}

	// Block is a contiguous reservation of sequence numbers
	// [Start, Start+Count).
	Block struct {
		// Start is the first number in the block.
		Start uint64
		// Count is the number of reserved values.
		Count int
	}
)

// ErrUnavailable indicates the backing counter could not be reached.
// Callers must treat it as fatal for the current emission: no sequence
// number means no event.
var ErrUnavailable = errors.New("sequence allocator unavailable")

// At returns the i-th number in the block. It panics if i is outside
// [0, Count).
func (b Block) At(i int) uint64 {
	if i < 0 || i >= b.Count {
		panic("sequence: block index out of range")
	}
	return b.Start + uint64(i)
}

// End returns the first number after the block.
func (b Block) End() uint64 { return b.Start + uint64(b.Count) }
