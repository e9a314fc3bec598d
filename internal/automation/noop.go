package automation

import (
	"context"
	"errors"
	"time"

	"github.com/localgrid/scraper-cluster/internal/cluster"
)

// NoopBrowser implements cluster.Browser but always errors, for builds
// where no browser binary is available.
type NoopBrowser struct{}

// NewNoopBrowser creates a new NoopBrowser.
func NewNoopBrowser() *NoopBrowser {
	return &NoopBrowser{}
}

var errBrowserUnavailable = errors.New("browser automation not configured")

// OpenSearch returns an error since this is a stub implementation.
func (NoopBrowser) OpenSearch(_ context.Context, _, _ string) (cluster.PageHandle, error) {
	return nil, errBrowserUnavailable
}

// DetectCaptcha returns an error since this is a stub implementation.
func (NoopBrowser) DetectCaptcha(_ context.Context, _ cluster.PageHandle) (*cluster.Challenge, error) {
	return nil, errBrowserUnavailable
}

// SubmitToken returns an error since this is a stub implementation.
func (NoopBrowser) SubmitToken(_ context.Context, _ cluster.PageHandle, _ string) error {
	return errBrowserUnavailable
}

// ExtractRecords returns an error since this is a stub implementation.
func (NoopBrowser) ExtractRecords(_ context.Context, _ cluster.PageHandle, _ int) ([]cluster.Record, error) {
	return nil, errBrowserUnavailable
}

// ClosePage is a no-op.
func (NoopBrowser) ClosePage(_ cluster.PageHandle) {}

// NoopSolver implements cluster.Solver but always errors, for deployments
// without a solving service account.
type NoopSolver struct{}

// NewNoopSolver creates a new NoopSolver.
func NewNoopSolver() *NoopSolver {
	return &NoopSolver{}
}

// Solve returns an error since this is a stub implementation.
func (NoopSolver) Solve(_ context.Context, _ cluster.Challenge, _ cluster.Credential, _ time.Duration) (string, error) {
	return "", errors.New("captcha solver not configured")
}
