package automation

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// ProberConfig controls the preflight collector.
type ProberConfig struct {
	UserAgent string
	Language  string
	Timeout   time.Duration
}

// Prober issues a cheap plain-HTTP probe against the search target before
// a worker commits a browser session to a task. It reports hard blocks
// (rate limiting, block interstitials) so the task can fail fast.
type Prober struct {
	cfg           ProberConfig
	baseCollector *colly.Collector
}

// NewProber builds a Prober.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "pt-BR"
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, baseCollector: c}
}

// Preflight fetches the results page over plain HTTP and fails when the
// target answers with a throttle status or redirects to a block page.
func (p *Prober) Preflight(ctx context.Context, query, location string) error {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var probeErr error
	collector.OnResponse(func(r *colly.Response) {
		finalURL := r.Request.URL.String()
		switch {
		case r.StatusCode == http.StatusTooManyRequests:
			probeErr = fmt.Errorf("target throttling: status %d", r.StatusCode)
		case r.StatusCode >= 500:
			probeErr = fmt.Errorf("target unavailable: status %d", r.StatusCode)
		case blockedURL(finalURL):
			// A block page on plain HTTP still leaves the browser a chance
			// to solve it, so only the hard statuses above abort.
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && blockedPage(r) {
			// Block interstitials answer 429/503 with the captcha form.
			// The browser path handles those, not the probe.
			return
		}
		probeErr = err
	})

	if err := p.runCollector(ctx, collector, searchURL(query, location, p.cfg.Language)); err != nil {
		return err
	}
	if probeErr != nil {
		return fmt.Errorf("preflight probe: %w", probeErr)
	}
	return nil
}

func (p *Prober) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("preflight canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && !isBlockStatusErr(err) {
			return fmt.Errorf("preflight visit: %w", err)
		}
		return nil
	}
}

func blockedPage(r *colly.Response) bool {
	return blockedURL(r.Request.URL.String()) ||
		r.StatusCode == http.StatusTooManyRequests && strings.Contains(string(r.Body), "g-recaptcha")
}

// isBlockStatusErr matches colly's error for non-2xx answers that still
// carry the captcha interstitial.
func isBlockStatusErr(err error) bool {
	return strings.Contains(err.Error(), "Too Many Requests") ||
		strings.Contains(err.Error(), "Forbidden")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
