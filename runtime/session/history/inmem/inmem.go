// Package inmem provides an in-memory history store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/relay/runtime/session/history"
)

// Store is a process-local history.Store backed by per-session record maps.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64]history.Record
}

// New constructs an empty in-memory history store.
func New() *Store {
	return &Store{sessions: make(map[string]map[uint64]history.Record)}
}

// Upsert implements history.Store. The first write for a
// (session, sequence) key wins; later writes for the same key are ignored.
func (s *Store) Upsert(ctx context.Context, rec history.Record) error {
	if rec.SessionID == "" {
		return errors.New("inmem: record session id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.sessions[rec.SessionID]
	if !ok {
		recs = make(map[uint64]history.Record)
		s.sessions[rec.SessionID] = recs
	}
	if _, exists := recs[rec.Sequence]; exists {
		return nil
	}
	recs[rec.Sequence] = rec
	return nil
}

// List implements history.Store.
func (s *Store) List(ctx context.Context, sessionID string, limit, offset int) ([]history.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := s.sessions[sessionID]
	ordered := make([]history.Record, 0, len(recs))
	for _, rec := range recs {
		ordered = append(ordered, rec)
	}
	s.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	if offset >= len(ordered) {
		return nil, nil
	}
	ordered = ordered[offset:]
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}
	return ordered, nil
}
