// Package httpx provides the retrying HTTP client shared by every external
// gateway: exponential backoff with jitter, Retry-After support, and the
// pipeline-wide rules for which statuses are retryable.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTimeout is the per-request timeout for ordinary provider calls.
// LLM-heavy prompts override it to 60s; health HEAD probes use 10s.
const DefaultTimeout = 30 * time.Second

// Client wraps http.Client with backoff retries.
type Client struct {
	http        *http.Client
	maxRetries  uint64
	maxInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxRetries caps the number of retries after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New creates a retrying client. Defaults: 30s timeout, 3 retries.
func New(opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: DefaultTimeout},
		maxRetries:  3,
		maxInterval: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError reports a non-2xx response after retries are exhausted or for
// a non-retryable status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Retryable reports whether a status code warrants a retry: 408, 429, and
// all 5xx. Other 4xx are permanent failures.
func Retryable(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

// Do executes the request with exponential backoff and jitter. The request
// body, if any, is rewrapped from the byte slice on every attempt. Honors
// Retry-After on 429 responses. Returns the response body on any 2xx.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	var out []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport errors (timeouts, connection resets) are retryable.
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out = respBody
			return nil
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if !Retryable(resp.StatusCode) {
			return backoff.Permanent(statusErr)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			// Honor Retry-After before the backoff policy schedules the
			// next attempt.
			if wait := retryAfter(resp.Header); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
		}
		return statusErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(c.maxInterval), c.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// Head issues a single HEAD request with a short timeout, used by health
// probes. No retries: a probe failure is itself the signal.
func (c *Client) Head(ctx context.Context, url string, timeout time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, fmt.Errorf("probe failed: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, elapsed, nil
}

func newExponential(maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // bounded by retry count and ctx
	return b
}

func retryAfter(h http.Header) time.Duration {
	val := h.Get("Retry-After")
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
