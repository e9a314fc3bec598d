// Package redis implements the shared store on a Redis instance.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/localgrid/scraper-cluster/internal/store"
)

// Values are stored as "<version>\n<payload>" so the Lua scripts can do
// the version check and swap atomically server-side.
var (
	putScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local version = 1
if raw then
  local nl = string.find(raw, '\n', 1, true)
  version = tonumber(string.sub(raw, 1, nl - 1)) + 1
end
local value = tostring(version) .. '\n' .. ARGV[1]
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], value, 'PX', ttl)
else
  redis.call('SET', KEYS[1], value)
end
return version
`)

	casScript = redis.NewScript(`
local expected = tonumber(ARGV[2])
local raw = redis.call('GET', KEYS[1])
if not raw then
  if expected ~= 0 then return -1 end
else
  local nl = string.find(raw, '\n', 1, true)
  local current = tonumber(string.sub(raw, 1, nl - 1))
  if current ~= expected then return -2 end
end
local version = expected + 1
local value = tostring(version) .. '\n' .. ARGV[1]
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], value, 'PX', ttl)
else
  redis.call('SET', KEYS[1], value)
end
return version
`)
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
}

// New constructs a Store from config.
func New(cfg Config) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get returns the versioned value at key.
func (s *Store) Get(ctx context.Context, key string) (store.Versioned, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.Versioned{}, store.ErrNotFound
		}
		return store.Versioned{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decode(raw)
}

// Put writes unconditionally, bumping the stored version.
func (s *Store) Put(ctx context.Context, key string, data []byte, ttl time.Duration) (int64, error) {
	version, err := putScript.Run(ctx, s.client, []string{key}, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis put %s: %w", key, err)
	}
	return version, nil
}

// CompareAndSwap replaces the value only when the stored version matches.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, data []byte, ttl time.Duration) (int64, error) {
	version, err := casScript.Run(ctx, s.client, []string{key}, data, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis cas %s: %w", key, err)
	}
	switch version {
	case -1:
		return 0, store.ErrNotFound
	case -2:
		return 0, store.ErrConflict
	}
	return version, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys scans for all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(raw []byte) (store.Versioned, error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return store.Versioned{}, errors.New("malformed store value")
	}
	version, err := strconv.ParseInt(string(raw[:nl]), 10, 64)
	if err != nil {
		return store.Versioned{}, fmt.Errorf("malformed store version: %w", err)
	}
	return store.Versioned{Version: version, Data: raw[nl+1:]}, nil
}
