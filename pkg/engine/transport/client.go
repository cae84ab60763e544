// Package transport provides the provider-agnostic HTTP plumbing for
// calling a chat-completions-shaped LLM endpoint: request pacing,
// retry/backoff on transient failures, and rate-limit snapshot
// parsing. It deliberately knows nothing about message/tool schemas —
// those stay in the runtime package's per-provider LLM adapters, which
// call into this package for the parts every provider needs in common.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"turnengine/pkg/logger"
)

// Provider tags which vendor an endpoint speaks, purely for logging
// and error messages; rate-limit headers are parsed the same way for
// every provider.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderVolcEngine Provider = "volcengine"
	ProviderZhipuAI    Provider = "zhipuai"
)

// Options configures a Client for one provider endpoint.
type Options struct {
	Provider     Provider
	BaseURL      string
	APIKey       string
	Model        string
	ExtraHeaders map[string]string

	// RequestsPerSecond paces outgoing requests; 0 disables pacing
	// (the limiter becomes effectively unlimited).
	RequestsPerSecond float64
	// Burst is the token bucket burst size; 0 defaults to 1.
	Burst int

	// MaxRetries bounds retry attempts on 429/5xx responses; 0 means
	// no retries beyond the original attempt.
	MaxRetries int
	// Timeout is the per-request client timeout; streaming responses
	// need this long enough to cover an entire turn, not just headers.
	Timeout time.Duration
}

// Client wraps an *http.Client with provider-agnostic pacing and
// retry/backoff, plus the last observed rate-limit snapshot.
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter

	lastSnapshot RateLimitSnapshot
	haveSnapshot bool
}

// NewClient builds a Client. A zero RequestsPerSecond means "don't
// pace" — rate.Inf never blocks Wait().
func NewClient(opts Options) *Client {
	limit := rate.Inf
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour // streaming calls can run long
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Do sends req, pacing via the configured limiter and retrying once
// per attempt on 429 and 5xx responses up to MaxRetries, honoring a
// Retry-After header when present. The caller owns closing the final
// response body; Do closes intermediate (retried) response bodies
// itself.
func (c *Client) Do(ctx context.Context, buildReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	attempts := c.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := buildReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range c.opts.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt == attempts-1 {
				break
			}
			wait := computeBackoff(attempt, 0)
			logger.Warn("Transport", "request failed, retrying", map[string]interface{}{
				"provider": string(c.opts.Provider),
				"attempt":  attempt,
				"error":    err.Error(),
				"wait_ms":  wait.Milliseconds(),
			})
			if !sleepOrDone(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		if snap, ok := ParseRateLimitHeaders(resp.Header); ok {
			c.lastSnapshot = snap
			c.haveSnapshot = true
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("provider %s returned status %d: %s", c.opts.Provider, resp.StatusCode, strings.TrimSpace(string(raw)))
			if attempt == attempts-1 {
				break
			}
			wait := computeBackoff(attempt, retryAfter)
			logger.Warn("Transport", "provider rejected request, retrying", map[string]interface{}{
				"provider":    string(c.opts.Provider),
				"status_code": resp.StatusCode,
				"attempt":     attempt,
				"wait_ms":     wait.Milliseconds(),
			})
			if !sleepOrDone(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

// LastRateLimitSnapshot returns the most recently observed rate-limit
// snapshot and whether one has ever been parsed from a response.
func (c *Client) LastRateLimitSnapshot() (RateLimitSnapshot, bool) {
	return c.lastSnapshot, c.haveSnapshot
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
