// Package monitor composes read-only snapshots of cluster health from
// the shared store. It never mutates queue, registry or pool state.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
)

// WorkerView is one worker row in a snapshot.
type WorkerView struct {
	ID            string               `json:"id"`
	Node          string               `json:"node"`
	Status        cluster.WorkerStatus `json:"status"`
	Load          int                  `json:"load"`
	Capacity      int                  `json:"capacity"`
	HeartbeatAge  time.Duration        `json:"heartbeat_age"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
}

// CredentialView is one credential row in a snapshot. The key itself is
// never exposed.
type CredentialView struct {
	ID                string                   `json:"id"`
	Status            cluster.CredentialStatus `json:"status"`
	Failures          int                      `json:"failures"`
	Holder            string                   `json:"holder,omitempty"`
	CooldownRemaining time.Duration            `json:"cooldown_remaining,omitempty"`
}

// Snapshot is a point-in-time view of the whole cluster.
type Snapshot struct {
	TakenAt     time.Time                  `json:"taken_at"`
	Workers     []WorkerView               `json:"workers"`
	Queue       map[cluster.TaskStatus]int `json:"queue"`
	Credentials []CredentialView           `json:"credentials"`
}

// Monitor builds snapshots from the live subsystems.
type Monitor struct {
	registry *registry.Registry
	queue    *queue.Queue
	pool     *credentials.Pool
	clock    cluster.Clock
}

// New constructs a Monitor.
func New(reg *registry.Registry, q *queue.Queue, pool *credentials.Pool, clock cluster.Clock) *Monitor {
	return &Monitor{registry: reg, queue: q, pool: pool, clock: clock}
}

// Snapshot reads worker, queue and credential state in one pass.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	now := m.clock.Now()

	workers, err := m.registry.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list workers: %w", err)
	}
	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, WorkerView{
			ID:            w.ID,
			Node:          w.Node,
			Status:        m.registry.Status(w),
			Load:          w.Load,
			Capacity:      w.Capacity,
			HeartbeatAge:  now.Sub(w.LastHeartbeat),
			LastHeartbeat: w.LastHeartbeat,
		})
	}

	depth, err := m.queue.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue snapshot: %w", err)
	}

	creds, err := m.pool.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list credentials: %w", err)
	}
	credViews := make([]CredentialView, 0, len(creds))
	for _, c := range creds {
		view := CredentialView{
			ID:       c.ID,
			Status:   c.Status,
			Failures: c.Failures,
			Holder:   c.Holder,
		}
		if c.Status == cluster.CredentialCoolingDown && c.CooldownUntil.After(now) {
			view.CooldownRemaining = c.CooldownUntil.Sub(now)
		}
		credViews = append(credViews, view)
	}

	return Snapshot{
		TakenAt:     now,
		Workers:     views,
		Queue:       depth,
		Credentials: credViews,
	}, nil
}

// Render writes the snapshot as a plain-text dashboard.
func Render(w io.Writer, s Snapshot) {
	line := strings.Repeat("-", 72)

	fmt.Fprintf(w, "CLUSTER MONITOR  %s\n%s\n", s.TakenAt.Format("15:04:05"), line)

	active, stale, dead, load, capacity := 0, 0, 0, 0, 0
	for _, worker := range s.Workers {
		switch worker.Status {
		case cluster.WorkerStatusActive:
			active++
		case cluster.WorkerStatusStale:
			stale++
		default:
			dead++
		}
		load += worker.Load
		capacity += worker.Capacity
	}
	fmt.Fprintf(w, "WORKERS  %d active | %d stale | %d dead | load %d/%d\n", active, stale, dead, load, capacity)
	for _, worker := range s.Workers {
		fmt.Fprintf(w, "  %-24s %-8s %-10s %d/%d  beat %s ago\n",
			worker.ID, worker.Status, worker.Node, worker.Load, worker.Capacity,
			worker.HeartbeatAge.Round(time.Second))
	}

	fmt.Fprintf(w, "%s\nQUEUE\n", line)
	statuses := make([]cluster.TaskStatus, 0, len(s.Queue))
	for status := range s.Queue {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, status := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", status, s.Queue[status])
	}

	fmt.Fprintf(w, "%s\nCREDENTIALS\n", line)
	for _, cred := range s.Credentials {
		switch {
		case cred.CooldownRemaining > 0:
			fmt.Fprintf(w, "  %-10s %-14s failures=%d cooldown=%s\n",
				cred.ID, cred.Status, cred.Failures, cred.CooldownRemaining.Round(time.Second))
		case cred.Holder != "":
			fmt.Fprintf(w, "  %-10s %-14s held by %s\n", cred.ID, cred.Status, cred.Holder)
		default:
			fmt.Fprintf(w, "  %-10s %-14s failures=%d\n", cred.ID, cred.Status, cred.Failures)
		}
	}
}

// Watch renders a fresh snapshot on every interval until the context
// finishes. Errors are printed and retried, not fatal.
func (m *Monitor) Watch(ctx context.Context, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snapshot, err := m.Snapshot(ctx)
		if err != nil {
			fmt.Fprintf(w, "snapshot failed: %v\n", err)
		} else {
			fmt.Fprint(w, "\033[2J\033[H")
			Render(w, snapshot)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
