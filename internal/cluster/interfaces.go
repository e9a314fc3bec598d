package cluster

import (
	"context"
	"time"
)

// Browser drives one search session in an external browser-automation
// collaborator. Implementations own the page handle lifecycle.
type Browser interface {
	// OpenSearch navigates to the results page for the query/location pair.
	OpenSearch(ctx context.Context, query, location string) (PageHandle, error)
	// DetectCaptcha inspects the page and returns the challenge, or nil.
	DetectCaptcha(ctx context.Context, page PageHandle) (*Challenge, error)
	// SubmitToken injects a solved token and resumes navigation.
	SubmitToken(ctx context.Context, page PageHandle, token string) error
	// ExtractRecords scrolls and extracts up to maxCount result entries.
	ExtractRecords(ctx context.Context, page PageHandle, maxCount int) ([]Record, error)
	// ClosePage releases the page handle.
	ClosePage(page PageHandle)
}

// PageHandle is an opaque reference to one open browser page.
type PageHandle interface{}

// Solver resolves a CAPTCHA challenge using the supplied credential.
type Solver interface {
	Solve(ctx context.Context, challenge Challenge, credential Credential, timeout time.Duration) (string, error)
}

// Prober cheaply checks whether the target currently serves a hard block,
// so a worker can fail fast before spending a browser session.
type Prober interface {
	Preflight(ctx context.Context, query, location string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
