// Package breaker wraps sony/gobreaker with the latency-aware LLM breaker
// and primary/fallback provider routing the pipeline requires. Breaker state
// is per-process; a summary is mirrored to Redis for dashboards.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Settings configures a Breaker.
type Settings struct {
	Service          string
	FailureThreshold uint32        // consecutive failures before opening; default 3
	RecoveryTimeout  time.Duration // open -> half-open delay; default 60s
	LatencyWindow    int           // sliding window size for slow-call detection; default 10
	SlowCallMean     time.Duration // mean latency above which a synthetic failure is recorded
}

// Summary is the replicated snapshot of a breaker, mirrored to the store.
type Summary struct {
	Service         string     `json:"service"`
	State           string     `json:"state"`
	FailureCount    uint32     `json:"failure_count"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	RecoveryTimeout float64    `json:"recovery_timeout_s"`
}

// StateMirror receives breaker summaries on every state change.
type StateMirror interface {
	MirrorBreakerState(ctx context.Context, service string, summary any) error
}

type multiMirror []StateMirror

func (m multiMirror) MirrorBreakerState(ctx context.Context, service string, summary any) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.MirrorBreakerState(ctx, service, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiMirror fans each summary out to every mirror; a failing mirror does
// not stop the others.
func MultiMirror(mirrors ...StateMirror) StateMirror {
	return multiMirror(mirrors)
}

// Breaker guards one external service. The latency window turns a slow but
// technically successful dependency into breaker pressure: when the mean of
// the recent window exceeds SlowCallMean, a synthetic failure is recorded.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	settings Settings
	logger   *zap.Logger
	mirror   StateMirror

	mu            sync.Mutex
	latencies     []time.Duration
	lastFailureAt *time.Time
}

// New creates a breaker with the given settings.
func New(settings Settings, logger *zap.Logger, mirror StateMirror) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 3
	}
	if settings.RecoveryTimeout == 0 {
		settings.RecoveryTimeout = 60 * time.Second
	}
	if settings.LatencyWindow == 0 {
		settings.LatencyWindow = 10
	}
	if settings.SlowCallMean == 0 {
		settings.SlowCallMean = 10 * time.Second
	}

	b := &Breaker{
		settings: settings,
		logger:   logger.Named("breaker").With(zap.String("service", settings.Service)),
		mirror:   mirror,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    settings.Service,
		Timeout: settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			b.mirrorState(to)
		},
	})
	return b
}

// Execute runs fn through the breaker and records its latency.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	start := time.Now()
	out, err := b.cb.Execute(fn)
	b.RecordLatency(time.Since(start))
	if err != nil {
		b.noteFailure()
	}
	return out, err
}

// RecordSuccess feeds a success observed outside Execute.
func (b *Breaker) RecordSuccess() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, nil })
}

// RecordFailure feeds a failure observed outside Execute.
func (b *Breaker) RecordFailure(err error) {
	_, _ = b.cb.Execute(func() (any, error) { return nil, err })
	b.noteFailure()
}

// RecordLatency appends a latency sample to the sliding window. When the
// window is full and its mean exceeds SlowCallMean, a synthetic failure is
// recorded against the breaker.
func (b *Breaker) RecordLatency(d time.Duration) {
	b.mu.Lock()
	b.latencies = append(b.latencies, d)
	if len(b.latencies) > b.settings.LatencyWindow {
		b.latencies = b.latencies[len(b.latencies)-b.settings.LatencyWindow:]
	}
	slow := false
	if len(b.latencies) == b.settings.LatencyWindow {
		var total time.Duration
		for _, l := range b.latencies {
			total += l
		}
		slow = total/time.Duration(len(b.latencies)) > b.settings.SlowCallMean
	}
	b.mu.Unlock()

	if slow {
		b.logger.Warn("mean latency above threshold, recording synthetic failure",
			zap.Duration("threshold", b.settings.SlowCallMean))
		b.RecordFailure(errTooSlow)
		b.mu.Lock()
		b.latencies = nil // reset so one slow window records one failure
		b.mu.Unlock()
	}
}

// Allow reports whether a call should proceed (closed or half-open).
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// State returns the current breaker state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Summary returns the replicated snapshot of the breaker.
func (b *Breaker) Summary() Summary {
	b.mu.Lock()
	last := b.lastFailureAt
	b.mu.Unlock()
	return Summary{
		Service:         b.settings.Service,
		State:           b.cb.State().String(),
		FailureCount:    b.cb.Counts().ConsecutiveFailures,
		LastFailureAt:   last,
		RecoveryTimeout: b.settings.RecoveryTimeout.Seconds(),
	}
}

func (b *Breaker) noteFailure() {
	now := time.Now().UTC()
	b.mu.Lock()
	b.lastFailureAt = &now
	b.mu.Unlock()
}

func (b *Breaker) mirrorState(gobreaker.State) {
	if b.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.mirror.MirrorBreakerState(ctx, b.settings.Service, b.Summary()); err != nil {
		b.logger.Warn("failed to mirror breaker state", zap.Error(err))
	}
}

type slowCallError struct{}

func (slowCallError) Error() string { return "mean latency above slow-call threshold" }

var errTooSlow = slowCallError{}
