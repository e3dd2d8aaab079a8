// Package discovery implements the source-specific fetchers and the shared
// runner that deduplicates, publishes, and tracks discovered grants. Sources
// are pluggable: each one only fetches and normalizes; everything else —
// dedup, rate limiting, retries, circuit breaking, last-check bookkeeping —
// lives in the Runner.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
)

// Source fetches candidate grants from one upstream.
type Source interface {
	// Name is the stable source identifier carried on every grant.
	Name() string
	// Fetch returns candidates discovered since the given time. A non-nil
	// error with a non-empty slice signals partial success: the returned
	// records are published and last_check still advances.
	Fetch(ctx context.Context, since time.Time) ([]model.DiscoveredGrant, error)
}

// PartialError wraps per-record failures that did not abort the cycle.
type PartialError struct {
	Rejected int
	Cause    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d records rejected: %v", e.Rejected, e.Cause)
}

func (e *PartialError) Unwrap() error { return e.Cause }

// Runner drives one source through a discovery cycle.
type Runner struct {
	source  Source
	bus     *bus.Client
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewRunner wires a source to the bus with its circuit breaker.
func NewRunner(source Source, b *bus.Client, cb *breaker.Breaker, logger *zap.Logger) *Runner {
	return &Runner{
		source:  source,
		bus:     b,
		breaker: cb,
		logger:  logger.Named("discovery").With(zap.String("source", source.Name())),
	}
}

// Discover fetches since the last check, filters duplicates against the
// source's seen set, and marks new identities seen. It does not publish.
func (r *Runner) Discover(ctx context.Context) ([]model.DiscoveredGrant, error) {
	if !r.breaker.Allow() {
		r.logger.Warn("circuit open, skipping cycle")
		return nil, fmt.Errorf("circuit open for %s", r.source.Name())
	}

	since, err := r.bus.LastCheck(ctx, r.source.Name())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	candidates, err := r.source.Fetch(ctx, since)
	r.breaker.RecordLatency(time.Since(start))
	var partial *PartialError
	if err != nil {
		if !errors.As(err, &partial) {
			r.breaker.RecordFailure(err)
			return nil, fmt.Errorf("fetch failed for %s: %w", r.source.Name(), err)
		}
		// Partial success: publish what parsed, advance last_check.
		r.logger.Warn("fetch rejected some records",
			zap.Int("rejected", partial.Rejected), zap.Error(partial.Cause))
	}
	r.breaker.RecordSuccess()

	fresh := make([]model.DiscoveredGrant, 0, len(candidates))
	deduped := 0
	for _, g := range candidates {
		if err := g.Validate(); err != nil {
			r.logger.Warn("skipping malformed record", zap.Error(err))
			continue
		}
		key := model.DedupKey(g.Source, g.ExternalID, g.Title)
		seen, err := r.bus.IsSeen(ctx, g.Source, key)
		if err != nil {
			return nil, err
		}
		if seen {
			deduped++
			continue
		}
		if err := r.bus.MarkSeen(ctx, g.Source, key); err != nil {
			return nil, err
		}
		fresh = append(fresh, g)
	}
	if deduped > 0 {
		r.logger.Debug("deduplicated records", zap.Int("count", deduped))
	}
	return fresh, nil
}

// Run executes one full cycle: discover, publish, advance last_check, and
// heartbeat. Returns the number of newly published grants. On a fatal fetch
// error last_check is not advanced and the cycle fails.
func (r *Runner) Run(ctx context.Context) (int, error) {
	started := time.Now().UTC()

	grants, err := r.Discover(ctx)
	if err != nil {
		r.logger.Error("discovery cycle failed", zap.Error(err))
		return 0, err
	}

	published := 0
	for _, g := range grants {
		env := bus.NewDiscoveredEnvelope(g)
		if _, err := r.bus.Publish(ctx, bus.StreamDiscovered, env); err != nil {
			// Publish failures abort the cycle; unseen records will be
			// re-fetched next cycle because last_check did not advance.
			return published, fmt.Errorf("failed to publish %s/%s: %w", g.Source, g.ExternalID, err)
		}
		published++
	}

	if err := r.bus.SetLastCheck(ctx, r.source.Name(), started); err != nil {
		return published, err
	}
	if err := r.bus.Heartbeat(ctx, "discovery:"+r.source.Name()); err != nil {
		r.logger.Warn("failed to record heartbeat", zap.Error(err))
	}

	r.logger.Info("discovery cycle complete",
		zap.Int("published", published),
		zap.Duration("elapsed", time.Since(started)))
	return published, nil
}

// RunEvery drives cycles on a fixed cadence until the context is cancelled.
// The external scheduler normally owns cadence; this loop exists for the
// single-binary deployment.
func (r *Runner) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Run(ctx); err != nil {
			r.logger.Warn("cycle failed, will retry on next tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
