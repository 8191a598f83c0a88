// Package mongo wires the history.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/history/mongo/clients/mongo"
	"goa.design/relay/runtime/session/history"
)

// Store implements history.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed session history store using the provided
// client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert implements history.Store.
func (s *Store) Upsert(ctx context.Context, rec history.Record) error {
	return s.client.Upsert(ctx, rec)
}

// List implements history.Store.
func (s *Store) List(ctx context.Context, sessionID string, limit, offset int) ([]history.Record, error) {
	return s.client.List(ctx, sessionID, limit, offset)
}
