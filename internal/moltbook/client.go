// Package moltbook implements the rate-governed client for the upstream
// Moltbook API: request pacing, retry with backoff, and offset pagination.
package moltbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moltgraph/crawler/internal/metrics"
)

// Config controls client behavior.
type Config struct {
	BaseURL           string
	APIKey            string
	UserAgent         string
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client

	// Sleep overrides the retry sleep, for deterministic tests. It must
	// honor context cancellation like the default implementation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client issues paced, retried requests against the Moltbook API. All
// methods block in the rate gate until a token is available; that wait is
// the only suspension point in the crawl pipeline.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	backoff *BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// New builds a Client. The rate gate is a token bucket sized for the
// configured sustained requests-per-minute with a burst of one, matching
// the upstream's per-minute accounting.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		backoff: NewBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		sleep:   sleep,
		logger:  logger,
	}
}

// Fetch performs a GET against the given endpoint path (e.g. "/posts") and
// parses the response envelope. Transient failures are retried with jittered
// exponential backoff up to the configured attempt budget; a 429 honors
// Retry-After / X-RateLimit-Reset before falling back to the schedule.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) (*Envelope, error) {
	var lastStatus int
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.ObserveAPIRetry(endpoint)
		}
		if err := c.gate(ctx); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, endpoint, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryableNetErr(err) {
				metrics.ObserveAPIRequest(endpoint, "error")
				return nil, &PermanentError{Endpoint: endpoint, Err: err}
			}
			lastErr = err
			metrics.ObserveAPIRequest(endpoint, "error")
			// The final attempt surfaces the error without serving a
			// trailing backoff.
			if attempt+1 < c.cfg.MaxRetries {
				if err := c.sleep(ctx, c.backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		metrics.ObserveAPIRequest(endpoint, statusClass(resp.StatusCode))

		switch {
		case retryableStatus(resp.StatusCode):
			lastStatus = resp.StatusCode
			lastErr = nil
			wait := c.backoff.Delay(attempt)
			if resp.StatusCode == http.StatusTooManyRequests {
				if w, ok := rateLimitWait(resp.Header, time.Now()); ok {
					wait = w
				}
			}
			c.logger.Debug("retryable upstream status",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			if attempt+1 < c.cfg.MaxRetries {
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
			continue
		case resp.StatusCode >= 400:
			return nil, &PermanentError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		}

		if readErr != nil {
			lastErr = readErr
			if attempt+1 < c.cfg.MaxRetries {
				if err := c.sleep(ctx, c.backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}
		if closeErr != nil {
			c.logger.Debug("response close failed", zap.Error(closeErr))
		}

		env, err := ParseEnvelope(body)
		if err != nil {
			return nil, &PermanentError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
		}
		return env, nil
	}

	return nil, &TransientError{
		Endpoint:   endpoint,
		StatusCode: lastStatus,
		Attempts:   c.cfg.MaxRetries,
		Err:        lastErr,
	}
}

// gate blocks until the token bucket admits the request.
func (c *Client) gate(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate gate wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateGateDelay(d)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values) (*http.Response, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.http.Do(req)
}

// --- Typed endpoints ---

// ListSubmolts fetches one page of the submolt directory.
func (c *Client) ListSubmolts(ctx context.Context, sort string, limit, offset int) (*Envelope, error) {
	return c.Fetch(ctx, "/submolts", url.Values{
		"sort":   {sort},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	})
}

// GetSubmolt fetches the detail record for one submolt.
func (c *Client) GetSubmolt(ctx context.Context, name string) (map[string]any, error) {
	env, err := c.Fetch(ctx, "/submolts/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	return env.Object("submolt"), nil
}

// GetModerators fetches the full current moderator set for a submolt.
func (c *Client) GetModerators(ctx context.Context, name string) ([]map[string]any, error) {
	env, err := c.Fetch(ctx, "/submolts/"+url.PathEscape(name)+"/moderators", nil)
	if err != nil {
		return nil, err
	}
	return env.List("moderators", "data"), nil
}

// ListPostsParams filters a posts listing page.
type ListPostsParams struct {
	Sort    string
	Limit   int
	Offset  int
	Submolt string
}

// ListPosts fetches one page of the posts listing.
func (c *Client) ListPosts(ctx context.Context, p ListPostsParams) (*Envelope, error) {
	params := url.Values{
		"sort":   {p.Sort},
		"limit":  {strconv.Itoa(p.Limit)},
		"offset": {strconv.Itoa(p.Offset)},
	}
	if p.Submolt != "" {
		params.Set("submolt", p.Submolt)
	}
	return c.Fetch(ctx, "/posts", params)
}

// GetPost fetches the detail record for one post.
func (c *Client) GetPost(ctx context.Context, id string) (map[string]any, error) {
	env, err := c.Fetch(ctx, "/posts/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return env.Object("post"), nil
}

// GetComments fetches the comment tree for a post. The upstream returns
// either a bare array or a wrapped one.
func (c *Client) GetComments(ctx context.Context, postID, sort string, limit int) ([]map[string]any, error) {
	env, err := c.Fetch(ctx, "/posts/"+url.PathEscape(postID)+"/comments", url.Values{
		"sort":  {sort},
		"limit": {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	return env.List("comments", "data"), nil
}

// GetAgentProfile fetches the complete profile record for an agent.
func (c *Client) GetAgentProfile(ctx context.Context, name string) (map[string]any, error) {
	env, err := c.Fetch(ctx, "/agents/profile", url.Values{"name": {name}})
	if err != nil {
		return nil, err
	}
	return env.Object("agent"), nil
}

// GetMe fetches the authenticated agent's own record.
func (c *Client) GetMe(ctx context.Context) (map[string]any, error) {
	env, err := c.Fetch(ctx, "/agents/me", nil)
	if err != nil {
		return nil, err
	}
	return env.Object("agent"), nil
}

// GetFeed fetches one page of the personalized feed.
func (c *Client) GetFeed(ctx context.Context, sort string, limit, offset int) (*Envelope, error) {
	return c.Fetch(ctx, "/feed", url.Values{
		"sort":   {sort},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	})
}

// rateLimitWait derives a wait duration from 429 response headers.
func rateLimitWait(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d, true
			}
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseFloat(v, 64); err == nil {
			d := time.Duration((epoch - float64(now.Unix())) * float64(time.Second))
			if d < time.Second {
				d = time.Second
			}
			return d, true
		}
	}
	return 0, false
}

func retryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps connection resets and refusals from the transport.
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "other"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
