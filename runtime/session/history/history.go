// Package history defines the durable session history store. Each persisted
// event becomes one record keyed by (session id, sequence number); writes are
// idempotent upserts so the persistence pipeline can retry without creating
// duplicates.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/session/stream"
)

type (
	// Store persists session event records and serves ordered reads for
	// recovery and history pagination.
	Store interface {
		// Upsert writes the record keyed by (SessionID, Sequence). Writing
		// the same key twice is a no-op: the first write wins and no
		// duplicate is created.
		Upsert(ctx context.Context, rec Record) error

		// List returns records for the session ordered by ascending
		// sequence number, skipping offset records and returning at most
		// limit. A limit of 0 or less means no limit.
		List(ctx context.Context, sessionID string, limit, offset int) ([]Record, error)
	}

	// Record is the durable form of a persisted session event.
	Record struct {
		// SessionID identifies the owning session.
		SessionID string
		// Sequence is the session-scoped position of the event.
		Sequence uint64
		// EventID is the globally unique event identifier.
		EventID string
		// Type is the event kind.
		Type stream.EventType
		// Payload is the canonical JSON payload of the event.
		Payload json.RawMessage
		// CreatedAt is the event creation time (UTC).
		CreatedAt time.Time
	}
)

// ErrNotFound indicates the requested session has no history.
var ErrNotFound = errors.New("session history not found")

// RecordOf converts a persisted event into its durable record. It returns an
// error if the event carries no sequence number or its payload cannot be
// marshaled.
func RecordOf(ev stream.Event) (Record, error) {
	seq, ok := ev.Sequence()
	if !ok {
		return Record{}, fmt.Errorf("event %s (%s) has no sequence number", ev.EventID(), ev.Type())
	}
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload for event %s: %w", ev.EventID(), err)
	}
	return Record{
		SessionID: ev.SessionID(),
		Sequence:  seq,
		EventID:   ev.EventID(),
		Type:      ev.Type(),
		Payload:   payload,
		CreatedAt: ev.Timestamp(),
	}, nil
}

// Event reconstructs the stream event for the record. The payload is
// returned raw; consumers unmarshal into the typed payload struct for the
// record's Type when they need structured access.
func (r Record) Event() stream.Event {
	seq := r.Sequence
	return restoredEvent{Base: stream.RestoreBase(r.Type, r.EventID, r.SessionID, r.CreatedAt, &seq, r.Payload)}
}

type restoredEvent struct {
	stream.Base
}

// ReadAll drains the store for the session in pages of pageSize records and
// returns the full ordered history. It is the recovery read path: a client
// reconnecting after a gap replays the result before resuming the live
// stream.
func ReadAll(ctx context.Context, store Store, sessionID string, pageSize int) ([]Record, error) {
	if pageSize < 1 {
		pageSize = 100
	}
	var all []Record
	for offset := 0; ; offset += pageSize {
		page, err := store.List(ctx, sessionID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// CheckContiguous verifies that the records form a strictly increasing
// sequence run and reports the first gap found. Histories may legitimately
// contain gaps while persistence is still catching up; callers use the
// result to decide whether to re-read.
func CheckContiguous(recs []Record) error {
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1].Sequence, recs[i].Sequence
		if cur <= prev {
			return fmt.Errorf("history out of order at index %d: sequence %d follows %d", i, cur, prev)
		}
		if cur != prev+1 {
			return fmt.Errorf("history gap between sequences %d and %d", prev, cur)
		}
	}
	return nil
}
