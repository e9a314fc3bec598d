// Package registry tracks worker registrations and heartbeat liveness.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/store"
)

const workerKeyPrefix = "worker:"

// Config holds the liveness grace windows. A worker is active within
// ActiveWithin of its last heartbeat, stale within StaleWithin, and dead
// beyond that; dead records are removed after Retention.
type Config struct {
	ActiveWithin time.Duration
	StaleWithin  time.Duration
	Retention    time.Duration
}

// Registry is the worker registry over the shared store. Liveness is
// recomputed from heartbeat age on every read, never stored.
type Registry struct {
	store store.Store
	clock cluster.Clock
	cfg   Config
}

// New constructs a Registry.
func New(st store.Store, clock cluster.Clock, cfg Config) *Registry {
	if cfg.ActiveWithin <= 0 {
		cfg.ActiveWithin = 15 * time.Second
	}
	if cfg.StaleWithin <= cfg.ActiveWithin {
		cfg.StaleWithin = 4 * cfg.ActiveWithin
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Registry{store: st, clock: clock, cfg: cfg}
}

// Register upserts a worker record. It is idempotent: re-registering an
// existing worker refreshes its capacity and heartbeat.
func (r *Registry) Register(ctx context.Context, workerID, node string, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("worker %s: capacity must be > 0", workerID)
	}
	now := r.clock.Now()
	record := cluster.WorkerRecord{
		ID:            workerID,
		Node:          node,
		Capacity:      capacity,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if existing, err := r.get(ctx, workerID); err == nil {
		record.RegisteredAt = existing.RegisteredAt
		record.Load = existing.Load
	}
	return r.put(ctx, record)
}

// Heartbeat refreshes the worker's liveness and current load. Heartbeats
// are idempotent so a retried beat is harmless. A beat from a pruned
// worker fails, forcing it back through Register.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, load int) error {
	record, err := r.get(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("worker %s not registered", workerID)
		}
		return err
	}
	record.LastHeartbeat = r.clock.Now()
	record.Load = load
	return r.put(ctx, record)
}

// Status derives the worker's liveness at the current clock reading.
func (r *Registry) Status(record cluster.WorkerRecord) cluster.WorkerStatus {
	return record.StatusAt(r.clock.Now(), r.cfg.ActiveWithin, r.cfg.StaleWithin)
}

// IsDead reports whether the worker is missing or past the dead threshold.
// A worker the registry has never seen (or already pruned) is dead for
// reaping purposes.
func (r *Registry) IsDead(ctx context.Context, workerID string) bool {
	record, err := r.get(ctx, workerID)
	if err != nil {
		return true
	}
	return r.Status(record) == cluster.WorkerStatusDead
}

// List returns all worker records sorted by id.
func (r *Registry) List(ctx context.Context) ([]cluster.WorkerRecord, error) {
	keys, err := r.store.Keys(ctx, workerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	records := make([]cluster.WorkerRecord, 0, len(keys))
	for _, key := range keys {
		record, err := r.get(ctx, key[len(workerKeyPrefix):])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Prune removes workers dead for longer than the retention window. They
// must re-register before receiving tasks again.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	records, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	pruned := 0
	for _, record := range records {
		if now.Sub(record.LastHeartbeat) > r.cfg.StaleWithin+r.cfg.Retention {
			if err := r.store.Delete(ctx, workerKeyPrefix+record.ID); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

func (r *Registry) get(ctx context.Context, workerID string) (cluster.WorkerRecord, error) {
	v, err := r.store.Get(ctx, workerKeyPrefix+workerID)
	if err != nil {
		return cluster.WorkerRecord{}, err
	}
	var record cluster.WorkerRecord
	if err := json.Unmarshal(v.Data, &record); err != nil {
		return cluster.WorkerRecord{}, fmt.Errorf("unmarshal worker %s: %w", workerID, err)
	}
	return record, nil
}

func (r *Registry) put(ctx context.Context, record cluster.WorkerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	if _, err := r.store.Put(ctx, workerKeyPrefix+record.ID, data, 0); err != nil {
		return fmt.Errorf("store worker %s: %w", record.ID, err)
	}
	return nil
}
