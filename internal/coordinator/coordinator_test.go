package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/cache"
	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/id/uuid"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
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

type harness struct {
	coord *Coordinator
	queue *queue.Queue
	clock *fakeClock
}

func newHarness(t *testing.T, queueCfg queue.Config, coordCfg Config) *harness {
	t.Helper()
	metrics.Init()
	clock := newFakeClock()
	st := memory.NewWithClock(clock.Now)
	taskQueue := queue.New(st, clock, queueCfg)
	reg := registry.New(st, clock, registry.Config{})
	pool := credentials.New(st, clock, credentials.Config{})
	resultCache := cache.New(st, time.Hour)

	// The clock is frozen, so the test worker stays active and the reaper
	// leaves its claims alone.
	require.NoError(t, reg.Register(context.Background(), "test-worker", "test", 100))

	if coordCfg.TickInterval <= 0 {
		coordCfg.TickInterval = 5 * time.Millisecond
	}
	coord := New(taskQueue, reg, pool, resultCache, clock, uuid.New(), coordCfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	return &harness{coord: coord, queue: taskQueue, clock: clock}
}

// drainTasks claims every pending task and completes or fails it.
func (h *harness) drainTasks(t *testing.T, succeed func(task cluster.Task) bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.queue.Claim(ctx, "test-worker", 100)
		if err != nil {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		require.NoError(t, h.queue.Start(ctx, task.ID, "test-worker", task.Attempt))
		if succeed(task) {
			records := make([]cluster.Record, task.Limit)
			for i := range records {
				records[i] = cluster.Record{
					Position: task.PositionOffset + i + 1,
					Title:    fmt.Sprintf("Place %d", task.PositionOffset+i+1),
				}
			}
			require.NoError(t, h.queue.Complete(ctx, task.ID, "test-worker", task.Attempt, records))
		} else {
			require.NoError(t, h.queue.Fail(ctx, task.ID, "test-worker", task.Attempt, cluster.ReasonExtractionFailed))
		}
	}
}

func submitAsync(h *harness, req cluster.SearchRequest) chan struct {
	result cluster.SearchResult
	err    error
} {
	out := make(chan struct {
		result cluster.SearchResult
		err    error
	}, 1)
	go func() {
		result, err := h.coord.Submit(context.Background(), req)
		out <- struct {
			result cluster.SearchResult
			err    error
		}{result, err}
	}()
	return out
}

func TestSubmitSplitsAndMergesComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "padaria", Location: "Curitiba", Limit: 25})
	go h.drainTasks(t, func(cluster.Task) bool { return true })

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, cluster.SessionComplete, out.result.Status)
		require.Equal(t, 25, out.result.Requested)
		require.Equal(t, 25, out.result.Returned)
		require.False(t, out.result.Partial)
		// Merged output is ordered by global position across segments.
		for i, record := range out.result.Records {
			require.Equal(t, i+1, record.Position)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve")
	}
}

func TestSubmitClampsLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{}, Config{SegmentSize: 10, MaxLimit: 30})

	done := submitAsync(h, cluster.SearchRequest{Query: "farmacia", Limit: 500})
	go h.drainTasks(t, func(cluster.Task) bool { return true })

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, 30, out.result.Requested)
		require.Equal(t, 30, out.result.Returned)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve")
	}
}

func TestSubmitPartialOnMixedOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxAttempts: 1}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "mercado", Limit: 20})
	// First segment succeeds, second fails its only attempt and expires.
	go h.drainTasks(t, func(task cluster.Task) bool { return task.PositionOffset == 0 })

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, cluster.SessionPartial, out.result.Status)
		require.True(t, out.result.Partial)
		require.Equal(t, 20, out.result.Requested)
		require.Equal(t, 10, out.result.Returned)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve")
	}
}

func TestSubmitTimesOutWithNoWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "hotel", Limit: 10, Deadline: time.Minute})

	// Wait for the session's tasks to appear, then push past the deadline.
	require.Eventually(t, func() bool {
		counts, err := h.queue.Snapshot(context.Background())
		return err == nil && counts[cluster.TaskStatusPending] == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.clock.Advance(2 * time.Minute)

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, cluster.ErrTimedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve")
	}
}

func TestSubmitInternalErrorWhenAllSegmentsExpire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxAttempts: 1}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "livraria", Limit: 10})
	go h.drainTasks(t, func(cluster.Task) bool { return false })

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, cluster.ErrInternal)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve")
	}
}

func TestSubmitRejectsWholeSplitWhenQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxBacklog: 2}, Config{SegmentSize: 10, MaxLimit: 50})

	_, err := h.coord.Submit(context.Background(), cluster.SearchRequest{Query: "pizzaria", Limit: 30})
	require.ErrorIs(t, err, cluster.ErrQueueFull)

	// No orphan children from the rejected request.
	counts, err := h.queue.Snapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts[cluster.TaskStatusPending])
}

func TestSubmitServesFromCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "cafe", Location: "Recife", Limit: 10, UseCache: true})
	go h.drainTasks(t, func(cluster.Task) bool { return true })

	out := <-done
	require.NoError(t, out.err)
	require.False(t, out.result.FromCache)

	// The identical request now resolves from cache with no new tasks.
	cached, err := h.coord.Submit(context.Background(), cluster.SearchRequest{Query: "cafe", Location: "Recife", Limit: 10, UseCache: true})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.Equal(t, out.result.Returned, cached.Returned)

	stats := h.coord.Stats()
	require.EqualValues(t, 1, stats.CacheHits)
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{}, Config{SegmentSize: 10, MaxLimit: 50})

	done := submitAsync(h, cluster.SearchRequest{Query: "bar", Limit: 10})
	go h.drainTasks(t, func(cluster.Task) bool { return true })
	out := <-done
	require.NoError(t, out.err)

	stats := h.coord.Stats()
	require.EqualValues(t, 1, stats.TotalRequests)
	require.EqualValues(t, 1, stats.Successful)
	require.Zero(t, stats.OpenSessions)
}
