// Package orchestrator is the passive supervisor of the pipeline: it reads
// the state the agents write (pipeline records, heartbeats, counters) and
// acts only at the edges — stall recovery, visibility-timeout claims, queue
// autoscaling, health probing, SLO evaluation, and on-call paging. Agents
// never import this package; the dependency points one way.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/store"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

// streamMaxLen bounds each pipeline stream; trimmed periodically.
const streamMaxLen = 10000

// claimConsumer is the consumer name the engine claims abandoned messages
// under before re-enqueuing them.
const claimConsumer = "orchestrator-recovery"

// RecoveryStore is the slice of the entity store stall recovery depends on.
type RecoveryStore interface {
	GetGrant(ctx context.Context, grantID string) (*model.ValidatedGrant, error)
	MatchesByGrant(ctx context.Context, grantID string, threshold float64) ([]model.Match, error)
}

// Engine ties the orchestrator components together and runs their loops.
type Engine struct {
	cfg     config.OrchestratorConfig
	cfgAll  *config.Config
	bus     *bus.Client
	store   RecoveryStore
	tracker *pipeline.Tracker
	health  *HealthChecker
	metrics *Collector
	oncall  *OnCallNotifier
	logger  *zap.Logger
}

// NewEngine wires the orchestrator.
func NewEngine(cfgAll *config.Config, b *bus.Client, s RecoveryStore, tracker *pipeline.Tracker,
	health *HealthChecker, metrics *Collector, oncall *OnCallNotifier, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfgAll.Orchestrator,
		cfgAll:  cfgAll,
		bus:     b,
		store:   s,
		tracker: tracker,
		health:  health,
		metrics: metrics,
		oncall:  oncall,
		logger:  logger.Named("orchestrator"),
	}
}

// Run starts every loop and blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("orchestrator starting",
		zap.Duration("stall_threshold", e.cfg.StallThreshold),
		zap.Duration("visibility_timeout", e.cfg.VisibilityTimeout))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.health.Run(ctx) })
	g.Go(func() error { return e.metrics.Run(ctx) })
	g.Go(func() error { return e.stallLoop(ctx) })
	g.Go(func() error { return e.claimLoop(ctx) })
	g.Go(func() error { return e.oncallLoop(ctx) })
	g.Go(func() error { return e.trimLoop(ctx) })
	return g.Wait()
}

// stallLoop scans for pipelines stuck in one stage past the stall threshold
// and retries or fails them.
func (e *Engine) stallLoop(ctx context.Context) error {
	interval := e.cfg.StallThreshold / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		e.recoverStalledPipelines(ctx)
	}
}

// recoverStalledPipelines runs one recovery pass, highest queue class first.
func (e *Engine) recoverStalledPipelines(ctx context.Context) {
	stalled, err := e.tracker.Stalled(ctx, e.cfg.StallThreshold)
	if err != nil {
		e.logger.Error("stall scan failed", zap.Error(err))
		return
	}
	sort.SliceStable(stalled, func(i, j int) bool {
		return stalled[i].Priority.WorkerPriority() > stalled[j].Priority.WorkerPriority()
	})
	for _, state := range stalled {
		if err := e.recoverStalled(ctx, state); err != nil {
			e.logger.Error("stall recovery failed",
				zap.String("grant_id", state.GrantID), zap.Error(err))
		}
	}
}

// recoverStalled retries one stalled pipeline by republishing the stage's
// input event, up to the retry budget; after that the pipeline is failed.
func (e *Engine) recoverStalled(ctx context.Context, state *model.PipelineState) error {
	if state.RetryCount >= e.cfg.MaxStallRetries {
		e.logger.Warn("stalled pipeline exhausted retries, failing",
			zap.String("grant_id", state.GrantID),
			zap.String("stage", string(state.CurrentStage)),
			zap.Int("retries", state.RetryCount))
		return e.tracker.Fail(ctx, state.GrantID,
			fmt.Errorf("stalled in %s after %d retries", state.CurrentStage, state.RetryCount))
	}

	retries, err := e.tracker.IncrementRetry(ctx, state.GrantID)
	if err != nil {
		return err
	}
	e.logger.Warn("retrying stalled pipeline",
		zap.String("grant_id", state.GrantID),
		zap.String("stage", string(state.CurrentStage)),
		zap.Int("retry", retries))

	switch state.CurrentStage.InputStream() {
	case bus.StreamValidated:
		return e.republishValidated(ctx, state.GrantID)
	case bus.StreamComputed:
		return e.republishComputed(ctx, state.GrantID)
	}
	// The discovered event is still pending in the curation group; the
	// claim loop re-enqueues it. Nothing to rebuild here.
	return nil
}

// republishValidated rebuilds the validated event from the store.
func (e *Engine) republishValidated(ctx context.Context, grantID string) error {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.tracker.Fail(ctx, grantID, fmt.Errorf("stalled grant missing from store"))
		}
		return err
	}
	env := bus.ValidatedEnvelope{
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Version:      "1.0",
		GrantID:      g.GrantID,
		QualityScore: g.QualityScore / 100,
		Categories:   g.Categories,
		Keywords:     g.Keywords,
		ValidationDetails: bus.ValidationDetails{
			ConfidenceScore: g.ConfidenceScore,
			ValidatedAt:     g.ValidatedAt,
		},
		EmbeddingGenerated:  len(g.Embedding) > 0,
		EligibilityCriteria: g.EligibilityCriteria,
	}
	_, err = e.bus.Publish(ctx, bus.StreamValidated, env)
	return err
}

// republishComputed rebuilds the computed events for a grant from its stored
// matches.
func (e *Engine) republishComputed(ctx context.Context, grantID string) error {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.tracker.Fail(ctx, grantID, fmt.Errorf("stalled grant missing from store"))
		}
		return err
	}
	matches, err := e.store.MatchesByGrant(ctx, grantID, e.cfgAll.Matching.FinalMatchThreshold)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		// Nothing to alert on; close the pipeline rather than spinning.
		return e.tracker.Fail(ctx, grantID, fmt.Errorf("stalled in alerting with no matches"))
	}
	now := time.Now().UTC()
	for _, m := range matches {
		env := bus.ComputedEnvelope{
			EventID:       uuid.NewString(),
			MatchID:       m.MatchID,
			GrantID:       m.GrantID,
			UserID:        m.UserID,
			MatchScore:    m.FinalScore / 100,
			PriorityLevel: model.MatchPriority(m.FinalScore, g.Deadline, now),
			Explanation:   m.Reasoning,
			GrantDeadline: g.Deadline,
		}
		if _, err := e.bus.Publish(ctx, bus.StreamComputed, env); err != nil {
			return err
		}
	}
	return nil
}

// claimLoop takes over messages whose consumer died mid-flight: anything
// pending past the visibility timeout is claimed, re-enqueued at the stream
// tail, and acked, so a live consumer picks it up fresh.
func (e *Engine) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.VisibilityTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, q := range stageQueues {
			msgs, err := e.bus.Claim(ctx, q.Stream, q.Group, claimConsumer, e.cfg.VisibilityTimeout, 100)
			if err != nil {
				e.logger.Error("claim scan failed", zap.String("stream", q.Stream), zap.Error(err))
				continue
			}
			for _, msg := range msgs {
				if !json.Valid([]byte(msg.Payload)) {
					if err := e.bus.AckAndDLQ(ctx, q.Stream, q.Group, msg,
						fmt.Errorf("claimed message is not valid JSON"), "schema_error", 1); err != nil {
						e.logger.Error("failed to dead-letter claimed message", zap.Error(err))
					}
					continue
				}
				if _, err := e.bus.Republish(ctx, q.Stream, msg.Payload); err != nil {
					e.logger.Error("failed to re-enqueue claimed message",
						zap.String("stream", q.Stream), zap.String("id", msg.ID), zap.Error(err))
					continue
				}
				if err := e.bus.Ack(ctx, q.Stream, q.Group, msg.ID); err != nil {
					e.logger.Error("failed to ack claimed message",
						zap.String("stream", q.Stream), zap.String("id", msg.ID), zap.Error(err))
				}
			}
			if len(msgs) > 0 {
				e.logger.Info("re-enqueued abandoned messages",
					zap.String("stream", q.Stream), zap.Int("count", len(msgs)))
			}
		}
	}
}

// oncallLoop evaluates paging thresholds against the health state.
func (e *Engine) oncallLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		e.oncall.Evaluate(ctx, e.health.Status())
	}
}

// trimLoop bounds the pipeline streams.
func (e *Engine) trimLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	streams := []string{
		bus.StreamDiscovered, bus.StreamValidated, bus.StreamComputed, bus.StreamAlertsSent,
		bus.DLQStream(bus.StreamDiscovered), bus.DLQStream(bus.StreamValidated), bus.DLQStream(bus.StreamComputed),
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, s := range streams {
			if err := e.bus.Trim(ctx, s, streamMaxLen); err != nil {
				e.logger.Warn("failed to trim stream", zap.String("stream", s), zap.Error(err))
			}
		}
	}
}
