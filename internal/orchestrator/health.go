package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantradar/grantradar/pkg/bus"
)

// historySize bounds the per-component probe history ring.
const historySize = 1000

// unhealthyAfter is how many consecutive probe failures mark a component
// unhealthy.
const unhealthyAfter = 3

// latencyWindow is how many recent probes feed the elevated-latency signal.
const latencyWindow = 10

// elevatedLatency is the mean recent probe latency above which a component
// reports degraded even while its probes succeed.
const elevatedLatency = 2 * time.Second

// ComponentState is the three-tier classification of a component.
type ComponentState string

const (
	StateHealthy   ComponentState = "healthy"
	StateDegraded  ComponentState = "degraded"
	StateUnhealthy ComponentState = "unhealthy"
)

// Probe checks one component's health.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Check(ctx context.Context) error { return p.fn(ctx) }

// NewProbe wraps a function as a Probe.
func NewProbe(name string, fn func(ctx context.Context) error) Probe {
	return probeFunc{name: name, fn: fn}
}

// NewHeartbeatProbe fails when an agent has not reported a completed task
// within maxAge.
func NewHeartbeatProbe(b *bus.Client, agent string, maxAge time.Duration) Probe {
	return NewProbe("heartbeat:"+agent, func(ctx context.Context) error {
		last, err := b.LastHeartbeat(ctx, agent)
		if err != nil {
			if bus.IsNotFound(err) {
				return fmt.Errorf("agent %s has never reported", agent)
			}
			return err
		}
		if age := time.Since(last); age > maxAge {
			return fmt.Errorf("agent %s last reported %s ago", agent, age.Round(time.Second))
		}
		return nil
	})
}

// probeResult is one history entry.
type probeResult struct {
	At      time.Time `json:"at"`
	Healthy bool      `json:"healthy"`
	Error   string    `json:"error,omitempty"`
	Latency float64   `json:"latency_s"`
}

// ComponentStatus is the externally visible health of one component.
// Healthy stays true while the component is merely degraded; it only flips
// once the component is fully unhealthy.
type ComponentStatus struct {
	Name                string         `json:"name"`
	State               ComponentState `json:"state"`
	Healthy             bool           `json:"healthy"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	LastChecked         time.Time      `json:"last_checked"`
	UnhealthySince      *time.Time     `json:"unhealthy_since,omitempty"`
}

type componentState struct {
	history             []probeResult
	consecutiveFailures int
	lastError           string
	lastChecked         time.Time
	unhealthySince      *time.Time
}

// HealthChecker runs all probes on a fixed cadence and keeps a bounded
// history per component.
type HealthChecker struct {
	probes   []Probe
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	state map[string]*componentState
}

// NewHealthChecker builds a checker over the given probes.
func NewHealthChecker(probes []Probe, interval time.Duration, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		probes:   probes,
		interval: interval,
		logger:   logger.Named("health"),
		state:    make(map[string]*componentState),
	}
}

// Run probes on the configured interval until the context is cancelled. The
// first round runs immediately so startup status is never empty.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckAll runs every probe once, in parallel.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range h.probes {
		p := p
		g.Go(func() error {
			start := time.Now()
			err := p.Check(ctx)
			h.record(p.Name(), err, time.Since(start))
			return nil // one failing probe must not cancel the others
		})
	}
	_ = g.Wait()
}

func (h *HealthChecker) record(name string, err error, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.state[name]
	if !ok {
		st = &componentState{}
		h.state[name] = st
	}

	now := time.Now().UTC()
	r := probeResult{At: now, Healthy: err == nil, Latency: latency.Seconds()}
	if err != nil {
		r.Error = err.Error()
		st.consecutiveFailures++
		st.lastError = err.Error()
		if st.consecutiveFailures == unhealthyAfter {
			st.unhealthySince = &now
			h.logger.Error("component unhealthy",
				zap.String("component", name), zap.String("error", err.Error()))
		}
	} else {
		if st.unhealthySince != nil {
			h.logger.Info("component recovered", zap.String("component", name))
		}
		st.consecutiveFailures = 0
		st.lastError = ""
		st.unhealthySince = nil
	}
	st.lastChecked = now
	st.history = append(st.history, r)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}
}

// state classifies the component: failing every probe for unhealthyAfter
// rounds is unhealthy; intermittent failures or elevated probe latency is
// degraded.
func (st *componentState) state() ComponentState {
	switch {
	case st.consecutiveFailures >= unhealthyAfter:
		return StateUnhealthy
	case st.consecutiveFailures > 0 || st.latencyElevated():
		return StateDegraded
	}
	return StateHealthy
}

func (st *componentState) latencyElevated() bool {
	window := st.history
	if len(window) == 0 {
		return false
	}
	if len(window) > latencyWindow {
		window = window[len(window)-latencyWindow:]
	}
	var sum float64
	for _, r := range window {
		sum += r.Latency
	}
	return sum/float64(len(window)) > elevatedLatency.Seconds()
}

// Status returns the current status of every component.
func (h *HealthChecker) Status() []ComponentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ComponentStatus, 0, len(h.state))
	for name, st := range h.state {
		state := st.state()
		out = append(out, ComponentStatus{
			Name:                name,
			State:               state,
			Healthy:             state != StateUnhealthy,
			ConsecutiveFailures: st.consecutiveFailures,
			LastError:           st.lastError,
			LastChecked:         st.lastChecked,
			UnhealthySince:      st.unhealthySince,
		})
	}
	return out
}

// Healthy reports whether every component is healthy.
func (h *HealthChecker) Healthy() bool {
	for _, c := range h.Status() {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// History returns the bounded probe history for one component.
func (h *HealthChecker) History(name string) []probeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.state[name]
	if !ok {
		return nil
	}
	out := make([]probeResult, len(st.history))
	copy(out, st.history)
	return out
}
