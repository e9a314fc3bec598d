package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := memory.NewWithClock(clock.Now)
	reg := New(st, clock, Config{
		ActiveWithin: 15 * time.Second,
		StaleWithin:  60 * time.Second,
		Retention:    5 * time.Minute,
	})
	return reg, clock
}

func TestRegisterAndList(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "w1", "node-a", 2))
	require.NoError(t, reg.Register(ctx, "w2", "node-b", 4))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Equal(t, "w1", workers[0].ID)
	require.Equal(t, 4, workers[1].Capacity)
}

func TestRegisterRejectsZeroCapacity(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	require.Error(t, reg.Register(context.Background(), "w1", "node-a", 0))
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "w1", "node-a", 2))
	require.NoError(t, reg.Heartbeat(ctx, "w1", 1))
	registered := clock.Now()

	clock.Advance(10 * time.Second)
	require.NoError(t, reg.Register(ctx, "w1", "node-a", 3))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, 3, workers[0].Capacity)
	// Re-registration keeps the original registration time and load.
	require.Equal(t, registered, workers[0].RegisteredAt)
	require.Equal(t, 1, workers[0].Load)
}

func TestHeartbeatUnknownWorkerFails(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	require.Error(t, reg.Heartbeat(context.Background(), "ghost", 0))
}

func TestStatusDerivedFromHeartbeatAge(t *testing.T) {
	t.Parallel()
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "w1", "node-a", 2))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, cluster.WorkerStatusActive, reg.Status(workers[0]))

	clock.Advance(30 * time.Second)
	require.Equal(t, cluster.WorkerStatusStale, reg.Status(workers[0]))
	require.False(t, reg.IsDead(ctx, "w1"))

	clock.Advance(31 * time.Second)
	require.Equal(t, cluster.WorkerStatusDead, reg.Status(workers[0]))
	require.True(t, reg.IsDead(ctx, "w1"))

	// A heartbeat flips the worker straight back to active.
	require.NoError(t, reg.Heartbeat(ctx, "w1", 1))
	workers, err = reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, cluster.WorkerStatusActive, reg.Status(workers[0]))
}

func TestIsDeadForUnknownWorker(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	require.True(t, reg.IsDead(context.Background(), "never-seen"))
}

func TestPruneRemovesLongDeadWorkers(t *testing.T) {
	t.Parallel()
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "w1", "node-a", 2))
	require.NoError(t, reg.Register(ctx, "w2", "node-b", 2))
	clock.Advance(2 * time.Minute)
	require.NoError(t, reg.Heartbeat(ctx, "w2", 0))

	// w1 is dead but inside retention: listed, not pruned.
	pruned, err := reg.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, pruned)

	clock.Advance(5 * time.Minute)
	pruned, err = reg.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w2", workers[0].ID)

	// The pruned worker must re-register; its beats fail until then.
	require.Error(t, reg.Heartbeat(ctx, "w1", 0))
	require.NoError(t, reg.Register(ctx, "w1", "node-a", 2))
	require.NoError(t, reg.Heartbeat(ctx, "w1", 0))
}
