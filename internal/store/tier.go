package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by a Tier when the key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned by a Tier used after Close.
	ErrClosed = errors.New("store: tier closed")
	// ErrVersionChanged means the backing database was migrated by someone else.
	ErrVersionChanged = errors.New("store: schema version changed")
)

// Tier is one storage level of the PersistenceStore. Values are opaque bytes.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
