// Package cluster defines core types shared across subsystems.
package cluster

import (
	"time"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values persisted in the shared store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// Terminal reports whether the status is a final state. Failed is not
// terminal: a failed task sits out its retry delay and is requeued until
// the attempt cap expires it.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusExpired
}

// Failure reasons reported by workers.
const (
	ReasonCaptchaUnsolved  = "captcha_unsolved"
	ReasonExtractionFailed = "extraction_failed"
	ReasonAutomationError  = "automation_error"
)

// Task is one unit of scraping work covering a bounded result segment.
// Attempt increments exactly once per assignment and doubles as the
// optimistic-concurrency token echoed back on completion.
type Task struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Query          string     `json:"query"`
	Location       string     `json:"location"`
	Limit          int        `json:"limit"`
	PositionOffset int        `json:"position_offset"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	WorkerID       string     `json:"worker_id,omitempty"`
	Attempt        int        `json:"attempt"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	NotBefore      time.Time  `json:"not_before"`
	Records        []Record   `json:"records,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

// Record is a single extracted search result entry.
type Record struct {
	Position int      `json:"position"`
	Title    string   `json:"title"`
	Rating   *float64 `json:"rating,omitempty"`
}

// WorkerStatus is derived from heartbeat age, never stored.
type WorkerStatus string

// Worker liveness values.
const (
	WorkerStatusActive WorkerStatus = "active"
	WorkerStatusStale  WorkerStatus = "stale"
	WorkerStatusDead   WorkerStatus = "dead"
)

// WorkerRecord is the registry entry for one registered worker process.
type WorkerRecord struct {
	ID            string    `json:"id"`
	Node          string    `json:"node"`
	Capacity      int       `json:"capacity"`
	Load          int       `json:"load"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StatusAt derives the liveness status purely from heartbeat age.
func (w WorkerRecord) StatusAt(now time.Time, activeWithin, staleWithin time.Duration) WorkerStatus {
	age := now.Sub(w.LastHeartbeat)
	switch {
	case age < activeWithin:
		return WorkerStatusActive
	case age < staleWithin:
		return WorkerStatusStale
	default:
		return WorkerStatusDead
	}
}

// CredentialStatus is the rotation state of a CAPTCHA-solving key.
type CredentialStatus string

// Credential states.
const (
	CredentialAvailable   CredentialStatus = "available"
	CredentialInUse       CredentialStatus = "in_use"
	CredentialCoolingDown CredentialStatus = "cooling_down"
)

// Credential is a CAPTCHA-solving API key subject to rotation and cooldown.
type Credential struct {
	ID            string           `json:"id"`
	Key           string           `json:"key"`
	Status        CredentialStatus `json:"status"`
	Holder        string           `json:"holder,omitempty"`
	Failures      int              `json:"failures"`
	CooldownUntil time.Time        `json:"cooldown_until"`
	LastUsedAt    time.Time        `json:"last_used_at"`
}

// SessionStatus is the terminal disposition of an aggregation session.
type SessionStatus string

// Session outcomes surfaced to the caller.
const (
	SessionWaiting  SessionStatus = "waiting"
	SessionComplete SessionStatus = "complete"
	SessionPartial  SessionStatus = "partial"
	SessionTimedOut SessionStatus = "timed_out"
)

// SearchRequest carries one inbound caller request. Deadline bounds the
// synchronous wait; zero means the coordinator default.
type SearchRequest struct {
	Query    string
	Location string
	Limit    int
	Priority int
	UseCache bool
	Deadline time.Duration
}

// SearchResult is the aggregated answer returned to the caller.
type SearchResult struct {
	Status    SessionStatus `json:"status"`
	Records   []Record      `json:"places"`
	Requested int           `json:"requested"`
	Returned  int           `json:"returned"`
	Partial   bool          `json:"partial"`
	FromCache bool          `json:"from_cache"`
}

// Challenge is a CAPTCHA prompt detected mid-automation.
type Challenge struct {
	SiteKey string
	PageURL string
}
