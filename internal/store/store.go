// Package store defines the shared versioned key-value abstraction the
// cluster coordinates through.
package store

import (
	"context"
	"errors"
	"time"
)

// Versioned pairs a value with its monotonically increasing version.
type Versioned struct {
	Version int64
	Data    []byte
}

// Store is a narrow atomic key-value interface. Every durable cluster
// entity (tasks, workers, credentials, cache entries) lives behind it so
// the coordinator logic stays store-agnostic.
type Store interface {
	// Get returns the value and version for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Versioned, error)
	// Put writes unconditionally, bumping the version. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) (int64, error)
	// CompareAndSwap replaces the value only if the stored version matches
	// expected. expected == 0 requires the key to be absent (create).
	// Returns the new version, or ErrConflict / ErrNotFound.
	CompareAndSwap(ctx context.Context, key string, expected int64, data []byte, ttl time.Duration) (int64, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying client.
	Close() error
}

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("store: key not found")
	ErrConflict = errors.New("store: version conflict")
)
