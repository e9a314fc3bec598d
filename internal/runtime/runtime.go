// Package runtime implements the worker-side control loop: claim polling,
// the scrape execution pipeline and heartbeating.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
)

// Config controls Runtime behavior.
type Config struct {
	WorkerID          string
	Node              string
	Capacity          int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	CaptchaAttempts   int
	SolveTimeout      time.Duration
}

// Runtime executes claimed tasks on a fixed number of slots, one browser
// session per slot. It blocks only on the external automation and solver
// calls, never on the queue: claims are non-blocking polls with a delay.
type Runtime struct {
	queue    *queue.Queue
	registry *registry.Registry
	pool     *credentials.Pool
	browser  cluster.Browser
	solver   cluster.Solver
	prober   cluster.Prober
	clock    cluster.Clock
	cfg      Config
	logger   *zap.Logger

	load atomic.Int64
}

// New constructs a Runtime. prober may be nil to skip preflight checks.
func New(
	q *queue.Queue,
	reg *registry.Registry,
	pool *credentials.Pool,
	browser cluster.Browser,
	solver cluster.Solver,
	prober cluster.Prober,
	clock cluster.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runtime {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CaptchaAttempts <= 0 {
		cfg.CaptchaAttempts = 2
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = 90 * time.Second
	}
	return &Runtime{
		queue:    q,
		registry: reg,
		pool:     pool,
		browser:  browser,
		solver:   solver,
		prober:   prober,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run registers the worker, starts the heartbeat and slot loops, and
// blocks until the context finishes.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.registry.Register(ctx, r.cfg.WorkerID, r.cfg.Node, r.cfg.Capacity); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.logger.Info("worker registered",
		zap.String("worker_id", r.cfg.WorkerID),
		zap.String("node", r.cfg.Node),
		zap.Int("capacity", r.cfg.Capacity),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	for i := 0; i < r.cfg.Capacity; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.slotLoop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return nil
}

// heartbeatLoop beats on a fixed interval independent of task activity,
// carrying the current load. A rejected beat (worker pruned while
// partitioned) re-registers.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Heartbeat(ctx, r.cfg.WorkerID, int(r.load.Load())); err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
				if err := r.registry.Register(ctx, r.cfg.WorkerID, r.cfg.Node, r.cfg.Capacity); err != nil {
					r.logger.Warn("re-register failed", zap.Error(err))
				}
			}
		}
	}
}

func (r *Runtime) slotLoop(ctx context.Context, slot int) {
	logger := r.logger.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		capacity := r.cfg.Capacity - int(r.load.Load())
		task, err := r.queue.Claim(ctx, r.cfg.WorkerID, capacity)
		if err != nil {
			if !errors.Is(err, cluster.ErrNoTask) {
				logger.Warn("claim failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		r.load.Add(1)
		r.execute(ctx, task, logger)
		r.load.Add(-1)
	}
}

// execute runs one claimed task end to end and reports the outcome. Every
// queue report is fenced by the claim's attempt token, so a task reaped
// away mid-flight surfaces as a stale completion and is dropped.
func (r *Runtime) execute(ctx context.Context, task cluster.Task, logger *zap.Logger) {
	logger = logger.With(zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
	started := r.clock.Now()

	if err := r.queue.Start(ctx, task.ID, r.cfg.WorkerID, task.Attempt); err != nil {
		logger.Warn("start report rejected", zap.Error(err))
		return
	}

	records, reason, err := r.scrape(ctx, task, logger)
	metrics.ObserveTaskDuration(r.clock.Now().Sub(started))
	if err != nil {
		logger.Warn("task failed", zap.String("reason", reason), zap.Error(err))
		metrics.ObserveTask(reason)
		if err := r.queue.Fail(ctx, task.ID, r.cfg.WorkerID, task.Attempt, reason); err != nil {
			logger.Warn("failure report rejected", zap.Error(err))
		}
		return
	}

	metrics.ObserveTask(string(cluster.TaskStatusSucceeded))
	metrics.ObserveExtraction(len(records))
	if err := r.queue.Complete(ctx, task.ID, r.cfg.WorkerID, task.Attempt, records); err != nil {
		logger.Warn("completion report rejected", zap.Error(err))
		return
	}
	logger.Info("task completed",
		zap.Int("records", len(records)),
		zap.Duration("took", r.clock.Now().Sub(started)),
	)
}

// scrape drives the automation collaborator through one search session.
func (r *Runtime) scrape(ctx context.Context, task cluster.Task, logger *zap.Logger) ([]cluster.Record, string, error) {
	if r.prober != nil {
		if err := r.prober.Preflight(ctx, task.Query, task.Location); err != nil {
			return nil, cluster.ReasonAutomationError, fmt.Errorf("preflight: %w", err)
		}
	}

	page, err := r.browser.OpenSearch(ctx, task.Query, task.Location)
	if err != nil {
		return nil, cluster.ReasonAutomationError, fmt.Errorf("open search: %w", err)
	}
	defer r.browser.ClosePage(page)

	challenge, err := r.browser.DetectCaptcha(ctx, page)
	if err != nil {
		return nil, cluster.ReasonAutomationError, fmt.Errorf("detect captcha: %w", err)
	}
	if challenge != nil {
		if err := r.solveChallenge(ctx, page, *challenge, logger); err != nil {
			return nil, cluster.ReasonCaptchaUnsolved, err
		}
	}

	records, err := r.browser.ExtractRecords(ctx, page, task.Limit)
	if err != nil {
		return nil, cluster.ReasonExtractionFailed, fmt.Errorf("extract records: %w", err)
	}
	if len(records) == 0 {
		return nil, cluster.ReasonExtractionFailed, errors.New("no records extracted")
	}
	for i := range records {
		records[i].Position += task.PositionOffset
	}
	return records, "", nil
}

// solveChallenge rotates through pool credentials, one per attempt, so a
// key that just failed is never retried back to back within a task.
func (r *Runtime) solveChallenge(ctx context.Context, page cluster.PageHandle, challenge cluster.Challenge, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.CaptchaAttempts; attempt++ {
		cred, err := r.pool.Acquire(ctx, r.cfg.WorkerID)
		if err != nil {
			if errors.Is(err, cluster.ErrPoolExhausted) {
				lastErr = err
				logger.Warn("credential pool exhausted", zap.Int("attempt", attempt))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.cfg.PollInterval):
				}
				continue
			}
			return fmt.Errorf("acquire credential: %w", err)
		}

		token, solveErr := r.solver.Solve(ctx, challenge, cred, r.cfg.SolveTimeout)
		if releaseErr := r.pool.Release(ctx, cred.ID, solveErr == nil); releaseErr != nil {
			logger.Warn("credential release failed", zap.Error(releaseErr))
		}
		if solveErr != nil {
			metrics.ObserveCaptchaSolve("failed")
			lastErr = solveErr
			logger.Warn("captcha solve failed",
				zap.String("credential", cred.ID),
				zap.Int("attempt", attempt),
				zap.Error(solveErr),
			)
			continue
		}

		metrics.ObserveCaptchaSolve("solved")
		if err := r.browser.SubmitToken(ctx, page, token); err != nil {
			return fmt.Errorf("submit captcha token: %w", err)
		}
		return nil
	}
	return fmt.Errorf("captcha unsolved after %d attempts: %w", r.cfg.CaptchaAttempts, lastErr)
}
