package queue

import (
	"context"
	"fmt"
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

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := memory.NewWithClock(clock.Now)
	return New(st, clock, cfg), clock
}

func enqueue(t *testing.T, q *Queue, id string, priority int) cluster.Task {
	t.Helper()
	task := cluster.Task{
		ID:       id,
		Query:    "padaria",
		Location: "Curitiba",
		Limit:    10,
		Priority: priority,
	}
	require.NoError(t, q.Enqueue(context.Background(), task))
	return task
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MaxBacklog: 2})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	enqueue(t, q, "t2", 0)

	err := q.Enqueue(ctx, cluster.Task{ID: "t3"})
	require.ErrorIs(t, err, cluster.ErrQueueFull)

	// The rejected task must leave no trace behind.
	_, err = q.Get(ctx, "t3")
	require.ErrorIs(t, err, cluster.ErrUnknownTask)

	counts, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[cluster.TaskStatusPending])
}

func TestCheckRoomCountsOnlyPending(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MaxBacklog: 2})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	enqueue(t, q, "t2", 0)
	require.ErrorIs(t, q.CheckRoom(ctx, 1), cluster.ErrQueueFull)

	// Claiming moves a task out of pending, freeing backlog room.
	_, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, q.CheckRoom(ctx, 1))
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "old-low", 0)
	clock.Advance(time.Second)
	enqueue(t, q, "new-high", 5)
	clock.Advance(time.Second)
	enqueue(t, q, "newer-low", 0)

	first, err := q.Claim(ctx, "w1", 10)
	require.NoError(t, err)
	require.Equal(t, "new-high", first.ID)

	second, err := q.Claim(ctx, "w1", 10)
	require.NoError(t, err)
	require.Equal(t, "old-low", second.ID)

	third, err := q.Claim(ctx, "w1", 10)
	require.NoError(t, err)
	require.Equal(t, "newer-low", third.ID)

	_, err = q.Claim(ctx, "w1", 10)
	require.ErrorIs(t, err, cluster.ErrNoTask)
}

func TestClaimBumpsAttemptAndAssigns(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusAssigned, task.Status)
	require.Equal(t, "w1", task.WorkerID)
	require.Equal(t, 1, task.Attempt)
}

func TestClaimRespectsCapacity(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	_, err := q.Claim(ctx, "w1", 0)
	require.ErrorIs(t, err, cluster.ErrNoTask)
}

func TestCompleteHappyPath(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx, task.ID, "w1", task.Attempt))
	records := []cluster.Record{{Position: 1, Title: "Padaria Central"}}
	require.NoError(t, q.Complete(ctx, task.ID, "w1", task.Attempt, records))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusSucceeded, got.Status)
	require.Equal(t, records, got.Records)
	require.True(t, got.Status.Terminal())
}

func TestCompleteWrongTokenRejected(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)

	err = q.Complete(ctx, task.ID, "w1", task.Attempt+1, nil)
	require.ErrorIs(t, err, cluster.ErrStaleCompletion)
	err = q.Complete(ctx, task.ID, "w2", task.Attempt, nil)
	require.ErrorIs(t, err, cluster.ErrStaleCompletion)
}

func TestStaleWorkerCannotCompleteReassignedTask(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)

	// w1 disappears; the reaper hands the task to w2.
	clock.Advance(time.Minute)
	requeued, err := q.ReapStale(ctx, func(workerID string) bool { return workerID == "w1" })
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, requeued)

	reclaimed, err := q.Claim(ctx, "w2", 1)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed.Attempt)

	// w1 comes back with its old token and must be rejected.
	err = q.Complete(ctx, task.ID, "w1", task.Attempt, []cluster.Record{{Position: 1, Title: "late"}})
	require.ErrorIs(t, err, cluster.ErrStaleCompletion)

	// w2's report with the fresh token lands.
	require.NoError(t, q.Complete(ctx, reclaimed.ID, "w2", reclaimed.Attempt, nil))
}

func TestFailParksThenRequeues(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t, Config{MaxAttempts: 3, RetryDelay: 2 * time.Second})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, task.ID, "w1", task.Attempt, cluster.ReasonExtractionFailed))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusFailed, got.Status)
	require.False(t, got.Status.Terminal())

	// Before the retry delay the task is not claimable.
	_, err = q.Claim(ctx, "w1", 1)
	require.ErrorIs(t, err, cluster.ErrNoTask)

	clock.Advance(3 * time.Second)
	_, err = q.ReapStale(ctx, func(string) bool { return false })
	require.NoError(t, err)

	retry, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Attempt)
}

func TestFailExpiresAtAttemptCap(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t, Config{MaxAttempts: 2, RetryDelay: time.Second})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	for attempt := 1; attempt <= 2; attempt++ {
		clock.Advance(2 * time.Second)
		_, err := q.ReapStale(ctx, func(string) bool { return false })
		require.NoError(t, err)
		task, err := q.Claim(ctx, "w1", 1)
		require.NoError(t, err)
		require.Equal(t, attempt, task.Attempt)
		require.NoError(t, q.Fail(ctx, task.ID, "w1", task.Attempt, cluster.ReasonCaptchaUnsolved))
	}

	got, err := q.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusExpired, got.Status)
	require.Equal(t, cluster.ReasonCaptchaUnsolved, got.FailureReason)
	require.True(t, got.Status.Terminal())
}

func TestReapExpiresOverageTasks(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t, Config{MaxTaskAge: time.Minute})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	clock.Advance(2 * time.Minute)
	_, err := q.ReapStale(ctx, func(string) bool { return false })
	require.NoError(t, err)

	got, err := q.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusExpired, got.Status)
}

func TestReapLostWorkerAtCapExpires(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, task.Attempt)

	_, err = q.ReapStale(ctx, func(string) bool { return true })
	require.NoError(t, err)

	got, err := q.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, cluster.TaskStatusExpired, got.Status)
}

func TestReapIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	_, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)

	dead := func(string) bool { return true }
	first, err := q.ReapStale(ctx, dead)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second sweep sees the task already pending and does nothing.
	second, err := q.ReapStale(ctx, dead)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueue(t, q, "t1", 0)
	task, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, task.ID, "w1", task.Attempt, nil))

	err = q.Fail(ctx, task.ID, "w1", task.Attempt, "late failure")
	require.ErrorIs(t, err, cluster.ErrStaleCompletion)
}

func TestConcurrentClaimsNeverShareATask(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MaxBacklog: 64})
	ctx := context.Background()

	const tasks = 10
	for i := 0; i < tasks; i++ {
		enqueue(t, q, fmt.Sprintf("t%02d", i), 0)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := q.Claim(ctx, workerID, 10)
				if err != nil {
					return
				}
				mu.Lock()
				owner, dup := claimed[task.ID]
				claimed[task.ID] = workerID
				mu.Unlock()
				require.False(t, dup, "task %s claimed by both %s and %s", task.ID, owner, workerID)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, tasks)
}
