// Package pipeline tracks the per-grant state machine. Agents record
// transitions through the Tracker as they work; the orchestrator only reads
// the resulting records for stall detection and status reporting, so the
// dependency flows one way: agents -> Redis <- orchestrator.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
)

// TTLs for pipeline-state records.
const (
	HealthyTTL = time.Hour
	FailedTTL  = 24 * time.Hour
)

// Per-stage latency targets; the pipeline SLO is the 120s total.
const (
	ValidationTarget = 30 * time.Second
	MatchingTarget   = 60 * time.Second
	AlertingTarget   = 30 * time.Second
	TotalTarget      = 120 * time.Second
)

// Tracker reads and writes pipeline-state records.
type Tracker struct {
	bus    *bus.Client
	logger *zap.Logger
}

// NewTracker creates a tracker over the given bus client.
func NewTracker(b *bus.Client, logger *zap.Logger) *Tracker {
	return &Tracker{bus: b, logger: logger.Named("pipeline")}
}

// Start creates the state record for a newly discovered grant.
func (t *Tracker) Start(ctx context.Context, grantID string, priority model.QueueClass) error {
	now := time.Now().UTC()
	state := &model.PipelineState{
		GrantID:      grantID,
		CurrentStage: model.StageDiscovered,
		StageTimestamps: map[model.PipelineStage]time.Time{
			model.StageDiscovered: now,
		},
		Latencies: map[model.PipelineStage]float64{},
		Priority:  priority,
		StartedAt: now,
	}
	return t.bus.SavePipelineState(ctx, state, HealthyTTL)
}

// Transition moves a grant from one stage to the next. Transitions are
// monotonic; a stale or out-of-order update is dropped with a warning
// rather than rewinding the machine. The latency of the completed stage is
// recorded on the way through.
func (t *Tracker) Transition(ctx context.Context, grantID string, from, to model.PipelineStage) error {
	state, err := t.bus.GetPipelineState(ctx, grantID)
	if err != nil {
		if bus.IsNotFound(err) {
			// Record expired or was never started; recreate mid-flight so
			// downstream latency tracking still works.
			state = &model.PipelineState{
				GrantID:         grantID,
				CurrentStage:    from,
				StageTimestamps: map[model.PipelineStage]time.Time{from: time.Now().UTC()},
				Latencies:       map[model.PipelineStage]float64{},
				Priority:        model.QueueNormal,
				StartedAt:       time.Now().UTC(),
			}
		} else {
			return fmt.Errorf("failed to load pipeline state for %s: %w", grantID, err)
		}
	}

	if !state.CurrentStage.CanTransitionTo(to) {
		t.logger.Warn("dropping non-monotonic stage transition",
			zap.String("grant_id", grantID),
			zap.String("current", string(state.CurrentStage)),
			zap.String("requested", string(to)))
		return nil
	}

	now := time.Now().UTC()
	if started, ok := state.StageTimestamps[state.CurrentStage]; ok {
		state.Latencies[state.CurrentStage] = now.Sub(started).Seconds()
	}
	state.CurrentStage = to
	state.StageTimestamps[to] = now
	return t.bus.SavePipelineState(ctx, state, HealthyTTL)
}

// metricTTL bounds the pipeline counters and latency samples.
const metricTTL = 24 * time.Hour

// Complete marks the pipeline finished and records the end-to-end latency.
func (t *Tracker) Complete(ctx context.Context, grantID string) error {
	if err := t.Transition(ctx, grantID, model.StageAlerting, model.StageCompleted); err != nil {
		return err
	}
	state, err := t.bus.GetPipelineState(ctx, grantID)
	if err != nil || state == nil || state.CurrentStage != model.StageCompleted {
		return nil
	}
	if err := t.bus.IncrCounter(ctx, "pipeline.completed", time.Now(), metricTTL); err != nil {
		t.logger.Warn("failed to increment pipeline counter", zap.Error(err))
	}
	if err := t.bus.RecordLatency(ctx, "pipeline.total", state.TotalLatency(), metricTTL); err != nil {
		t.logger.Warn("failed to record pipeline latency", zap.Error(err))
	}
	return nil
}

// Fail marks the pipeline failed and extends the record TTL to 24h so the
// failure stays visible for diagnosis.
func (t *Tracker) Fail(ctx context.Context, grantID string, cause error) error {
	state, err := t.bus.GetPipelineState(ctx, grantID)
	if err != nil {
		if bus.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load pipeline state for %s: %w", grantID, err)
	}
	now := time.Now().UTC()
	state.CurrentStage = model.StageFailed
	state.StageTimestamps[model.StageFailed] = now
	state.Error = cause.Error()
	if err := t.bus.IncrCounter(ctx, "pipeline.failed", now, metricTTL); err != nil {
		t.logger.Warn("failed to increment pipeline counter", zap.Error(err))
	}
	return t.bus.SavePipelineState(ctx, state, FailedTTL)
}

// IncrementRetry bumps the retry counter after a stall republish.
func (t *Tracker) IncrementRetry(ctx context.Context, grantID string) (int, error) {
	state, err := t.bus.GetPipelineState(ctx, grantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load pipeline state for %s: %w", grantID, err)
	}
	state.RetryCount++
	// Reset the stage clock so the retried stage gets a fresh stall window.
	state.StageTimestamps[state.CurrentStage] = time.Now().UTC()
	if err := t.bus.SavePipelineState(ctx, state, HealthyTTL); err != nil {
		return 0, err
	}
	return state.RetryCount, nil
}

// Get returns the state for one grant, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, grantID string) (*model.PipelineState, error) {
	state, err := t.bus.GetPipelineState(ctx, grantID)
	if err != nil {
		if bus.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

// Stalled returns in-flight pipelines whose current stage started more than
// threshold ago. Completed and failed pipelines are excluded.
func (t *Tracker) Stalled(ctx context.Context, threshold time.Duration) ([]*model.PipelineState, error) {
	states, err := t.bus.ListPipelineStates(ctx)
	if err != nil {
		return nil, err
	}
	var stalled []*model.PipelineState
	cutoff := time.Now().UTC().Add(-threshold)
	for _, s := range states {
		if s.CurrentStage == model.StageCompleted || s.CurrentStage == model.StageFailed {
			continue
		}
		if s.StageStartedAt().Before(cutoff) {
			stalled = append(stalled, s)
		}
	}
	return stalled, nil
}

// All returns every in-flight pipeline state.
func (t *Tracker) All(ctx context.Context) ([]*model.PipelineState, error) {
	return t.bus.ListPipelineStates(ctx)
}
