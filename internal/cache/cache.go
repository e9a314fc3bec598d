// Package cache stores completed search responses keyed by the query
// parameters so repeated lookups skip the scrape pipeline entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/store"
)

const keyPrefix = "cache:"

// Cache is a TTL result cache over the shared store.
type Cache struct {
	store store.Store
	ttl   time.Duration
}

// New constructs a Cache. ttl <= 0 disables expiry.
func New(st store.Store, ttl time.Duration) *Cache {
	return &Cache{store: st, ttl: ttl}
}

// Get returns the cached result for the request, if any.
func (c *Cache) Get(ctx context.Context, query, location string, limit int) (cluster.SearchResult, bool, error) {
	v, err := c.store.Get(ctx, cacheKey(query, location, limit))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cluster.SearchResult{}, false, nil
		}
		return cluster.SearchResult{}, false, fmt.Errorf("cache get: %w", err)
	}
	var result cluster.SearchResult
	if err := json.Unmarshal(v.Data, &result); err != nil {
		return cluster.SearchResult{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return result, true, nil
}

// Put stores a result under the request key.
func (c *Cache) Put(ctx context.Context, query, location string, limit int, result cluster.SearchResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if _, err := c.store.Put(ctx, cacheKey(query, location, limit), data, c.ttl); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Clear drops every cached result and returns the number removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("cache list: %w", err)
	}
	for i, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("cache delete: %w", err)
		}
	}
	return len(keys), nil
}

// cacheKey includes the limit so responses of different sizes never mix.
func cacheKey(query, location string, limit int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", query, location, limit))
	return keyPrefix + hex.EncodeToString(sum[:])
}
