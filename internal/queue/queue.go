// Package queue implements the shared task queue and its state machine.
package queue

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

const taskKeyPrefix = "task:"

// Config controls queue policy. Retry caps and delays are policy knobs,
// not constants.
type Config struct {
	MaxBacklog  int
	MaxAttempts int
	RetryDelay  time.Duration
	MaxTaskAge  time.Duration
	ResultTTL   time.Duration
}

// DeadFunc reports whether the given worker is presumed dead.
type DeadFunc func(workerID string) bool

// Queue is the FIFO-per-priority task queue over the shared store.
// Claim and completion are fenced by the task's attempt token so two
// workers can never both believe they own the same task.
type Queue struct {
	store store.Store
	clock cluster.Clock
	cfg   Config
}

// New constructs a Queue.
func New(st store.Store, clock cluster.Clock, cfg Config) *Queue {
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxTaskAge <= 0 {
		cfg.MaxTaskAge = 10 * time.Minute
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 3 * time.Minute
	}
	return &Queue{store: st, clock: clock, cfg: cfg}
}

// CheckRoom verifies the backlog can admit n more pending tasks, so a
// request split into several tasks is rejected whole instead of leaving
// orphan children behind.
func (q *Queue) CheckRoom(ctx context.Context, n int) error {
	tasks, err := q.list(ctx)
	if err != nil {
		return err
	}
	pending := 0
	for _, vt := range tasks {
		if vt.task.Status == cluster.TaskStatusPending {
			pending++
		}
	}
	if pending+n > q.cfg.MaxBacklog {
		return cluster.ErrQueueFull
	}
	return nil
}

// Enqueue admits a new pending task, enforcing the backlog bound.
func (q *Queue) Enqueue(ctx context.Context, task cluster.Task) error {
	if err := q.CheckRoom(ctx, 1); err != nil {
		return err
	}
	now := q.clock.Now()
	task.Status = cluster.TaskStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := q.store.CompareAndSwap(ctx, taskKeyPrefix+task.ID, 0, data, 0); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Claim atomically assigns the oldest eligible pending task to the worker
// and returns it. The bumped attempt count is the completion token. Claim
// never blocks: callers poll with a backoff when ErrNoTask is returned.
func (q *Queue) Claim(ctx context.Context, workerID string, capacityRemaining int) (cluster.Task, error) {
	if capacityRemaining <= 0 {
		return cluster.Task{}, cluster.ErrNoTask
	}
	tasks, err := q.list(ctx)
	if err != nil {
		return cluster.Task{}, err
	}
	now := q.clock.Now()
	var eligible []versionedTask
	for _, vt := range tasks {
		if vt.task.Status == cluster.TaskStatusPending && !vt.task.NotBefore.After(now) {
			eligible = append(eligible, vt)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].task, eligible[j].task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for _, vt := range eligible {
		task := vt.task
		task.Status = cluster.TaskStatusAssigned
		task.WorkerID = workerID
		task.Attempt++
		task.UpdatedAt = now
		if err := q.swap(ctx, task, vt.version, 0); err != nil {
			if swapLost(err) {
				// Lost the race for this task; try the next candidate.
				continue
			}
			return cluster.Task{}, err
		}
		return task, nil
	}
	return cluster.Task{}, cluster.ErrNoTask
}

// Start transitions an assigned task to running, fenced by the token.
func (q *Queue) Start(ctx context.Context, taskID, workerID string, token int) error {
	return q.transition(ctx, taskID, workerID, token, func(task *cluster.Task) time.Duration {
		task.Status = cluster.TaskStatusRunning
		return 0
	})
}

// Complete stores the result payload and finalizes the task.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, token int, records []cluster.Record) error {
	return q.transition(ctx, taskID, workerID, token, func(task *cluster.Task) time.Duration {
		task.Status = cluster.TaskStatusSucceeded
		task.Records = records
		task.FailureReason = ""
		return q.cfg.ResultTTL
	})
}

// Fail records a failure. Below the attempt cap the task parks in failed
// until its retry delay passes and the reaper requeues it; at the cap it
// expires.
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, token int, reason string) error {
	return q.transition(ctx, taskID, workerID, token, func(task *cluster.Task) time.Duration {
		task.FailureReason = reason
		if task.Attempt >= q.cfg.MaxAttempts {
			task.Status = cluster.TaskStatusExpired
			return q.cfg.ResultTTL
		}
		task.Status = cluster.TaskStatusFailed
		task.WorkerID = ""
		task.NotBefore = q.clock.Now().Add(q.cfg.RetryDelay)
		return 0
	})
}

// ReapStale requeues in-flight tasks owned by dead workers and expires
// tasks past their attempt or age budget. It is idempotent and runs on
// every coordinator tick; this is the core self-healing mechanism.
func (q *Queue) ReapStale(ctx context.Context, isDead DeadFunc) ([]string, error) {
	tasks, err := q.list(ctx)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	var requeued []string
	for _, vt := range tasks {
		task := vt.task
		if task.Status.Terminal() {
			continue
		}
		switch {
		case now.Sub(task.CreatedAt) > q.cfg.MaxTaskAge:
			task.Status = cluster.TaskStatusExpired
			if task.FailureReason == "" {
				task.FailureReason = "exceeded max age"
			}
			task.UpdatedAt = now
			if err := q.swap(ctx, task, vt.version, q.cfg.ResultTTL); err != nil && !swapLost(err) {
				return requeued, err
			}
		case task.Status == cluster.TaskStatusFailed && !task.NotBefore.After(now):
			task.Status = cluster.TaskStatusPending
			task.UpdatedAt = now
			if err := q.swap(ctx, task, vt.version, 0); err != nil && !swapLost(err) {
				return requeued, err
			}
		case inFlight(task.Status) && isDead(task.WorkerID):
			if task.Attempt >= q.cfg.MaxAttempts {
				task.Status = cluster.TaskStatusExpired
				task.FailureReason = "worker lost after final attempt"
				task.UpdatedAt = now
				if err := q.swap(ctx, task, vt.version, q.cfg.ResultTTL); err != nil && !swapLost(err) {
					return requeued, err
				}
				continue
			}
			task.Status = cluster.TaskStatusPending
			task.WorkerID = ""
			task.UpdatedAt = now
			if err := q.swap(ctx, task, vt.version, 0); err != nil {
				if swapLost(err) {
					continue
				}
				return requeued, err
			}
			requeued = append(requeued, task.ID)
		}
	}
	return requeued, nil
}

// Get fetches a task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (cluster.Task, error) {
	vt, err := q.load(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cluster.Task{}, cluster.ErrUnknownTask
		}
		return cluster.Task{}, err
	}
	return vt.task, nil
}

// Snapshot returns the backlog count per status.
func (q *Queue) Snapshot(ctx context.Context) (map[cluster.TaskStatus]int, error) {
	tasks, err := q.list(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[cluster.TaskStatus]int)
	for _, vt := range tasks {
		counts[vt.task.Status]++
	}
	return counts, nil
}

type versionedTask struct {
	task    cluster.Task
	version int64
}

// transition applies a fenced mutation: the reporting worker must still
// hold the task at the echoed attempt token or the report is stale.
func (q *Queue) transition(ctx context.Context, taskID, workerID string, token int, mutate func(*cluster.Task) time.Duration) error {
	for {
		vt, err := q.load(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return cluster.ErrUnknownTask
			}
			return err
		}
		task := vt.task
		if !inFlight(task.Status) || task.WorkerID != workerID || task.Attempt != token {
			return cluster.ErrStaleCompletion
		}
		task.UpdatedAt = q.clock.Now()
		ttl := mutate(&task)
		err = q.swap(ctx, task, vt.version, ttl)
		if err == nil {
			return nil
		}
		if swapLost(err) {
			// Someone moved the task underneath us; re-read and re-validate.
			continue
		}
		return err
	}
}

func (q *Queue) load(ctx context.Context, taskID string) (versionedTask, error) {
	v, err := q.store.Get(ctx, taskKeyPrefix+taskID)
	if err != nil {
		return versionedTask{}, err
	}
	var task cluster.Task
	if err := json.Unmarshal(v.Data, &task); err != nil {
		return versionedTask{}, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return versionedTask{task: task, version: v.Version}, nil
}

func (q *Queue) list(ctx context.Context) ([]versionedTask, error) {
	keys, err := q.store.Keys(ctx, taskKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]versionedTask, 0, len(keys))
	for _, key := range keys {
		vt, err := q.load(ctx, key[len(taskKeyPrefix):])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, vt)
	}
	return tasks, nil
}

func (q *Queue) swap(ctx context.Context, task cluster.Task, version int64, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := q.store.CompareAndSwap(ctx, taskKeyPrefix+task.ID, version, data, ttl); err != nil {
		return err
	}
	return nil
}

func inFlight(status cluster.TaskStatus) bool {
	return status == cluster.TaskStatusAssigned || status == cluster.TaskStatusRunning
}

func swapLost(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound)
}
