package discovery

import (
	"context"
	"sync"
	"time"
)

// intervalLimiter enforces a fixed minimum interval between requests to one
// upstream. Grants.gov detail fetches require at most one request per
// second; the other sources use it for politeness.
type intervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newIntervalLimiter(interval time.Duration) *intervalLimiter {
	return &intervalLimiter{interval: interval}
}

// Wait blocks until the next request slot or context cancellation.
func (l *intervalLimiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	next := l.last.Add(l.interval)
	if next.Before(now) {
		next = now
	}
	l.last = next
	l.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
