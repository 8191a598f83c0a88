// Package mongo registers MongoDB-backed session history storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a history.Store that upserts session event records by their
// (session id, sequence number) natural key.
package mongo
