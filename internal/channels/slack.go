package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/httpx"
)

// SlackMessage is one outbound webhook post. Blocks are optional; Text is
// the fallback rendering.
type SlackMessage struct {
	WebhookURL string
	Text       string
	Blocks     []slack.Block
}

// SlackSender is the surface the alerter depends on.
type SlackSender interface {
	SendSlack(ctx context.Context, msg SlackMessage) (Result, error)
}

// SlackClient posts to incoming webhooks. Success is HTTP 200 with body
// "ok". Max 3 attempts with delays 1s/2s/4s; Retry-After is honored on 429;
// other 4xx are not retried.
type SlackClient struct {
	http   *http.Client
	logger *zap.Logger
}

// NewSlackClient builds the production Slack gateway.
func NewSlackClient(logger *zap.Logger) *SlackClient {
	return &SlackClient{
		http:   &http.Client{Timeout: httpx.DefaultTimeout},
		logger: logger.Named("slack"),
	}
}

// SendSlack dispatches the message, retrying per the Slack policy.
func (c *SlackClient) SendSlack(ctx context.Context, msg SlackMessage) (Result, error) {
	payload := slack.WebhookMessage{Text: msg.Text}
	if len(msg.Blocks) > 0 {
		payload.Blocks = &slack.Blocks{BlockSet: msg.Blocks}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal slack message: %w", err)
	}

	var lastErr error
	waited := false
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 && !waited {
			if err := sleepCtx(ctx, retryDelays[attempt-1]); err != nil {
				return Result{Attempts: attempt}, err
			}
		}
		waited = false

		retryIn, err := c.post(ctx, msg.WebhookURL, body)
		if err == nil {
			return Result{Attempts: attempt + 1}, nil
		}
		lastErr = err
		if errors.Is(err, ErrNonRetryable) {
			return Result{Attempts: attempt + 1}, err
		}
		if retryIn > 0 {
			// Retry-After replaces the scheduled delay, it does not stack
			// on top of it.
			if err := sleepCtx(ctx, retryIn); err != nil {
				return Result{Attempts: attempt + 1}, err
			}
			waited = true
		}
		c.logger.Warn("slack send failed, will retry",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Result{Attempts: len(retryDelays) + 1}, fmt.Errorf("slack send exhausted retries: %w", lastErr)
}

// post returns a Retry-After hint alongside the error on 429.
func (c *SlackClient) post(ctx context.Context, webhookURL string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("slack transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusOK:
		if string(respBody) != "ok" {
			return 0, fmt.Errorf("%w: unexpected webhook body %q", ErrNonRetryable, string(respBody))
		}
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return wait, fmt.Errorf("slack rate limited")
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("slack webhook status %d", resp.StatusCode)
	default:
		return 0, fmt.Errorf("%w: slack webhook status %d: %s", ErrNonRetryable, resp.StatusCode, string(respBody))
	}
}
