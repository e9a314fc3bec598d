// Package coordinator accepts search requests, splits them into tasks,
// tracks aggregation sessions and heals the cluster on every tick.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/cache"
	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
)

// Config controls request splitting and the tick cadence.
type Config struct {
	SegmentSize     int
	MaxLimit        int
	DefaultDeadline time.Duration
	TickInterval    time.Duration
}

// Coordinator is the cluster master: it owns aggregation sessions and is
// the only component that mutates the queue outside a worker's own task.
type Coordinator struct {
	queue    *queue.Queue
	registry *registry.Registry
	pool     *credentials.Pool
	cache    *cache.Cache
	clock    cluster.Clock
	idGen    cluster.IDGenerator
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session

	requestsTotal  atomic.Int64
	requestsServed atomic.Int64
	requestsFailed atomic.Int64
	cacheHits      atomic.Int64
}

// session is the ephemeral aggregation state for one caller request.
// Child results are collected per task and merged on resolution.
type session struct {
	id        string
	taskIDs   []string
	requested int
	deadline  time.Time
	results   map[string][]cluster.Record
	missing   map[string]string
	done      chan outcome
}

type outcome struct {
	result cluster.SearchResult
	err    error
}

// New constructs a Coordinator.
func New(
	q *queue.Queue,
	reg *registry.Registry,
	pool *credentials.Pool,
	resultCache *cache.Cache,
	clock cluster.Clock,
	idGen cluster.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 120 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Coordinator{
		queue:    q,
		registry: reg,
		pool:     pool,
		cache:    resultCache,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Submit splits the request into per-segment tasks, enqueues them and
// blocks until the aggregation session resolves or the deadline fires.
// Other requests proceed independently; only this caller waits.
func (c *Coordinator) Submit(ctx context.Context, req cluster.SearchRequest) (cluster.SearchResult, error) {
	c.requestsTotal.Add(1)
	req.Limit = clampLimit(req.Limit, c.cfg.MaxLimit)

	if req.UseCache && c.cache != nil {
		if result, ok, err := c.cache.Get(ctx, req.Query, req.Location, req.Limit); err != nil {
			c.logger.Warn("cache lookup failed", zap.Error(err))
		} else if ok {
			c.cacheHits.Add(1)
			c.requestsServed.Add(1)
			result.FromCache = true
			return result, nil
		}
	}

	s, err := c.openSession(ctx, req)
	if err != nil {
		c.requestsFailed.Add(1)
		return cluster.SearchResult{}, err
	}

	select {
	case <-ctx.Done():
		c.closeSession(s.id)
		c.requestsFailed.Add(1)
		return cluster.SearchResult{}, fmt.Errorf("submit canceled: %w", ctx.Err())
	case out := <-s.done:
		c.closeSession(s.id)
		if out.err != nil {
			c.requestsFailed.Add(1)
			return cluster.SearchResult{}, out.err
		}
		c.requestsServed.Add(1)
		if out.result.Status == cluster.SessionComplete && req.UseCache && c.cache != nil {
			if err := c.cache.Put(ctx, req.Query, req.Location, req.Limit, out.result); err != nil {
				c.logger.Warn("cache write failed", zap.Error(err))
			}
		}
		return out.result, nil
	}
}

// openSession reserves queue room for the whole split before enqueuing so
// a rejected request leaves no orphan children behind.
func (c *Coordinator) openSession(ctx context.Context, req cluster.SearchRequest) (*session, error) {
	segments := (req.Limit + c.cfg.SegmentSize - 1) / c.cfg.SegmentSize
	if err := c.queue.CheckRoom(ctx, segments); err != nil {
		return nil, err
	}
	sessionID, err := c.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = c.cfg.DefaultDeadline
	}
	s := &session{
		id:        sessionID,
		requested: req.Limit,
		deadline:  c.clock.Now().Add(deadline),
		results:   make(map[string][]cluster.Record),
		missing:   make(map[string]string),
		done:      make(chan outcome, 1),
	}

	for i := 0; i < segments; i++ {
		taskID, err := c.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		offset := i * c.cfg.SegmentSize
		limit := c.cfg.SegmentSize
		if offset+limit > req.Limit {
			limit = req.Limit - offset
		}
		task := cluster.Task{
			ID:             taskID,
			SessionID:      sessionID,
			Query:          req.Query,
			Location:       req.Location,
			Limit:          limit,
			PositionOffset: offset,
			Priority:       req.Priority,
		}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			// Raced past the room check; already-enqueued children are
			// aged out by the reaper.
			return nil, err
		}
		s.taskIDs = append(s.taskIDs, taskID)
	}

	c.mu.Lock()
	c.sessions[sessionID] = s
	c.mu.Unlock()

	c.logger.Info("session opened",
		zap.String("session_id", sessionID),
		zap.String("query", req.Query),
		zap.String("location", req.Location),
		zap.Int("limit", req.Limit),
		zap.Int("tasks", segments),
	)
	return s, nil
}

// Run drives the tick loop until the context finishes. Each tick prunes
// long-dead workers, reaps orphaned tasks, recovers cooled credentials
// and advances aggregation sessions.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if _, err := c.registry.Prune(ctx); err != nil {
		c.logger.Warn("registry prune failed", zap.Error(err))
	}
	requeued, err := c.queue.ReapStale(ctx, func(workerID string) bool {
		return c.registry.IsDead(ctx, workerID)
	})
	if err != nil {
		c.logger.Warn("reap failed", zap.Error(err))
	}
	for _, taskID := range requeued {
		c.logger.Info("task requeued from dead worker", zap.String("task_id", taskID))
	}
	if err := c.pool.Tick(ctx); err != nil {
		c.logger.Warn("credential tick failed", zap.Error(err))
	}
	c.scanSessions(ctx)
	c.publishGauges(ctx)
}

// scanSessions folds newly terminal child tasks into their sessions and
// resolves any session that is finished or past its deadline.
func (c *Coordinator) scanSessions(ctx context.Context) {
	c.mu.Lock()
	open := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()

	now := c.clock.Now()
	for _, s := range open {
		for _, taskID := range s.taskIDs {
			if _, ok := s.results[taskID]; ok {
				continue
			}
			if _, ok := s.missing[taskID]; ok {
				continue
			}
			task, err := c.queue.Get(ctx, taskID)
			if err != nil {
				if errors.Is(err, cluster.ErrUnknownTask) {
					s.missing[taskID] = "task evicted"
				}
				continue
			}
			switch task.Status {
			case cluster.TaskStatusSucceeded:
				s.results[taskID] = task.Records
			case cluster.TaskStatusExpired:
				s.missing[taskID] = task.FailureReason
			}
		}
		settled := len(s.results) + len(s.missing)
		switch {
		case settled == len(s.taskIDs):
			c.resolve(s, false)
		case !now.Before(s.deadline):
			c.resolve(s, true)
		}
	}
}

// resolve finishes a session. With every child terminal before the
// deadline: complete on full success, partial on any success, internal
// error on none. At the deadline: partial on any success, timeout on none.
func (c *Coordinator) resolve(s *session, deadlineHit bool) {
	successes := len(s.results)
	var out outcome
	switch {
	case successes == len(s.taskIDs):
		out.result = c.merge(s, cluster.SessionComplete)
	case successes > 0:
		out.result = c.merge(s, cluster.SessionPartial)
	case deadlineHit:
		out.err = cluster.ErrTimedOut
		metrics.ObserveSession(string(cluster.SessionTimedOut))
	default:
		out.err = cluster.ErrInternal
		metrics.ObserveSession("failed")
	}
	if out.err == nil {
		metrics.ObserveSession(string(out.result.Status))
	}

	select {
	case s.done <- out:
	default:
		// Caller already gone; closeSession will drop the session.
	}

	if out.err != nil {
		c.logger.Warn("session failed",
			zap.String("session_id", s.id),
			zap.Bool("deadline_hit", deadlineHit),
			zap.Error(out.err),
		)
	} else {
		c.logger.Info("session resolved",
			zap.String("session_id", s.id),
			zap.String("status", string(out.result.Status)),
			zap.Int("returned", out.result.Returned),
		)
	}
	c.closeSession(s.id)
}

// merge concatenates child payloads in task order. Each task owns a
// disjoint position range, so ordering by position is a plain sort with
// no cross-task identity merging.
func (c *Coordinator) merge(s *session, status cluster.SessionStatus) cluster.SearchResult {
	var records []cluster.Record
	for _, taskID := range s.taskIDs {
		records = append(records, s.results[taskID]...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Position < records[j].Position })
	return cluster.SearchResult{
		Status:    status,
		Records:   records,
		Requested: s.requested,
		Returned:  len(records),
		Partial:   status == cluster.SessionPartial,
	}
}

func (c *Coordinator) closeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Stats are the request counters served by the stats endpoint.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	CacheHits     int64 `json:"cache_hits"`
	OpenSessions  int   `json:"open_sessions"`
}

// Stats returns a snapshot of the request counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	open := len(c.sessions)
	c.mu.Unlock()
	return Stats{
		TotalRequests: c.requestsTotal.Load(),
		Successful:    c.requestsServed.Load(),
		Failed:        c.requestsFailed.Load(),
		CacheHits:     c.cacheHits.Load(),
		OpenSessions:  open,
	}
}

func (c *Coordinator) publishGauges(ctx context.Context) {
	if counts, err := c.queue.Snapshot(ctx); err == nil {
		for _, status := range []cluster.TaskStatus{
			cluster.TaskStatusPending,
			cluster.TaskStatusAssigned,
			cluster.TaskStatusRunning,
			cluster.TaskStatusSucceeded,
			cluster.TaskStatusFailed,
			cluster.TaskStatusExpired,
		} {
			metrics.SetQueueDepth(string(status), counts[status])
		}
	}
	if workers, err := c.registry.List(ctx); err == nil {
		byStatus := make(map[cluster.WorkerStatus]int)
		for _, w := range workers {
			byStatus[c.registry.Status(w)]++
		}
		for _, status := range []cluster.WorkerStatus{
			cluster.WorkerStatusActive,
			cluster.WorkerStatusStale,
			cluster.WorkerStatusDead,
		} {
			metrics.SetWorkers(string(status), byStatus[status])
		}
	}
	if creds, err := c.pool.List(ctx); err == nil {
		byStatus := make(map[cluster.CredentialStatus]int)
		for _, cred := range creds {
			byStatus[cred.Status]++
		}
		for _, status := range []cluster.CredentialStatus{
			cluster.CredentialAvailable,
			cluster.CredentialInUse,
			cluster.CredentialCoolingDown,
		} {
			metrics.SetCredentials(string(status), byStatus[status])
		}
	}
}

func clampLimit(limit, max int) int {
	if limit < 1 {
		return 10
	}
	if limit > max {
		return max
	}
	return limit
}
