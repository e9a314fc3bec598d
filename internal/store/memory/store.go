// Package memory provides an in-memory store for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/localgrid/scraper-cluster/internal/store"
)

type entry struct {
	data    []byte
	version int64
	expires time.Time
}

// Store is a mutex-guarded map satisfying store.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewWithClock constructs a Store whose TTL expiry follows the given clock.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// Get returns the value at key, honoring lazy TTL expiry.
func (s *Store) Get(_ context.Context, key string) (store.Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return store.Versioned{}, store.ErrNotFound
	}
	return store.Versioned{Version: e.version, Data: cloneBytes(e.data)}, nil
}

// Put writes unconditionally, bumping the version.
func (s *Store) Put(_ context.Context, key string, data []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := int64(1)
	if e, ok := s.live(key); ok {
		version = e.version + 1
	}
	s.entries[key] = entry{data: cloneBytes(data), version: version, expires: s.expiry(ttl)}
	return version, nil
}

// CompareAndSwap replaces the value only when the stored version matches.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected int64, data []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	switch {
	case !ok && expected != 0:
		return 0, store.ErrNotFound
	case ok && e.version != expected:
		return 0, store.ErrConflict
	}
	version := expected + 1
	s.entries[key] = entry{data: cloneBytes(data), version: version, expires: s.expiry(ttl)}
	return version, nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys lists live keys with the given prefix.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// live returns the entry at key if present and unexpired, pruning it
// otherwise. Callers must hold the mutex.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
