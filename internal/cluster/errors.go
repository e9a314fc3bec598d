package cluster

import "errors"

// Sentinel errors shared across the queue, pool and coordinator.
var (
	// ErrQueueFull signals backpressure at enqueue time; the originating
	// request must be rejected or deferred, never silently dropped.
	ErrQueueFull = errors.New("task queue backlog full")

	// ErrNoTask means no eligible pending task exists right now.
	ErrNoTask = errors.New("no eligible task")

	// ErrUnknownTask means the task id is absent from the store.
	ErrUnknownTask = errors.New("unknown task")

	// ErrStaleCompletion means the reporting worker's attempt token no
	// longer matches the task; the task was reassigned away.
	ErrStaleCompletion = errors.New("stale completion")

	// ErrPoolExhausted means no credential is currently available.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	// ErrTimedOut means the session deadline elapsed with zero successes.
	ErrTimedOut = errors.New("request timed out")

	// ErrInternal means every child task failed after exhausting retries.
	ErrInternal = errors.New("all tasks exhausted retries")
)
