// Package solver integrates an external CAPTCHA-solving service that
// speaks the 2Captcha submit/poll protocol.
package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/cluster"
)

// Config controls the solving client.
type Config struct {
	BaseURL      string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// Client implements cluster.Solver against a 2Captcha-compatible API.
// The credential's key is sent per request, so one client serves the
// whole rotated pool.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// apiResponse is the service's JSON envelope for both endpoints.
type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

const notReady = "CAPCHA_NOT_READY"

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://2captcha.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}
}

// Solve submits the challenge and polls for the token until it resolves
// or the timeout elapses.
func (c *Client) Solve(ctx context.Context, challenge cluster.Challenge, credential cluster.Credential, timeout time.Duration) (string, error) {
	if challenge.SiteKey == "" {
		return "", fmt.Errorf("challenge carries no site key")
	}

	captchaID, err := c.submit(ctx, challenge, credential.Key)
	if err != nil {
		return "", err
	}
	c.logger.Debug("captcha submitted",
		zap.String("captcha_id", captchaID),
		zap.String("credential", credential.ID),
	)

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("captcha not solved within %s", timeout)
		}

		token, ready, err := c.poll(ctx, captchaID, credential.Key)
		if err != nil {
			// Transient poll errors are retried until the deadline.
			c.logger.Debug("captcha poll failed", zap.Error(err))
			continue
		}
		if ready {
			return token, nil
		}
	}
}

// submit posts the challenge and returns the service's captcha ID.
func (c *Client) submit(ctx context.Context, challenge cluster.Challenge, key string) (string, error) {
	form := url.Values{}
	form.Set("key", key)
	form.Set("method", "userrecaptcha")
	form.Set("googlekey", challenge.SiteKey)
	form.Set("pageurl", challenge.PageURL)
	form.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	result, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	if result.Status != 1 {
		return "", fmt.Errorf("solving service rejected captcha: %s", result.Request)
	}
	return result.Request, nil
}

// poll fetches the solve status once. ready is false while the service is
// still working.
func (c *Client) poll(ctx context.Context, captchaID, key string) (token string, ready bool, err error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("action", "get")
	q.Set("id", captchaID)
	q.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", false, fmt.Errorf("build poll request: %w", err)
	}

	result, err := c.do(req)
	if err != nil {
		return "", false, fmt.Errorf("poll captcha: %w", err)
	}
	switch {
	case result.Status == 1:
		return result.Request, true, nil
	case result.Request == notReady:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("solving service error: %s", result.Request)
	}
}

// Balance returns the remaining account balance for a credential key.
func (c *Client) Balance(ctx context.Context, key string) (float64, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("action", "getbalance")
	q.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}
	result, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	if result.Status != 1 {
		return 0, fmt.Errorf("solving service error: %s", result.Request)
	}
	var balance float64
	if _, err := fmt.Sscanf(result.Request, "%f", &balance); err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Request, err)
	}
	return balance, nil
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
