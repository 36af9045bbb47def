// Package keystore abstracts the platform secure key-value store the engine
// persists credentials into. Records are addressed by a (service, account)
// pair where the service namespaces a record kind per client id and the
// account is the decimal user id.
package keystore

import (
	"context"
	"errors"
)

// ErrItemNotFound is the distinguished "no such record" condition. Callers
// must branch on it rather than treating it as a storage failure.
var ErrItemNotFound = errors.New("idkit keystore: item not found")

// Key addresses one stored record.
type Key struct {
	// Service is recordKind + "." + clientID, e.g. "session.51871234".
	Service string
	// Account is the owning user id rendered as a decimal string.
	Account string
}

// ServiceFor builds the service component for a record kind under a client id.
func ServiceFor(recordKind, clientID string) string {
	return recordKind + "." + clientID
}

// Item is one stored record together with its key.
type Item struct {
	Key   Key
	Value []byte
}

// Store is the secure store contract. Single-key operations are assumed safe
// under concurrent use; the engine serializes per-identity access itself.
type Store interface {
	// Put writes value under key, replacing any existing record.
	Put(ctx context.Context, key Key, value []byte) error
	// Get returns the record under key or ErrItemNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)
	// GetAll returns every record whose service equals the given service.
	GetAll(ctx context.Context, service string) ([]Item, error)
	// Delete removes the record under key. Deleting a missing record returns
	// ErrItemNotFound.
	Delete(ctx context.Context, key Key) error
}
