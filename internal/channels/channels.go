// Package channels implements the alert delivery gateways: SendGrid-style
// email, Twilio-style SMS, and Slack incoming webhooks. Each channel owns
// its retry policy; the alerter records one AlertDelivery per attempt chain.
package channels

import (
	"context"
	"errors"
	"time"
)

// Result is the provider-side outcome of a send.
type Result struct {
	ProviderMessageID string
	Attempts          int
}

// retryDelays is the fixed schedule shared by email and Slack sends.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ErrNonRetryable marks a provider rejection that must not be retried.
var ErrNonRetryable = errors.New("non-retryable channel error")

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
