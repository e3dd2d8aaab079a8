// Package curation consumes grants:discovered, validates quality with the
// LLM (or a deterministic rubric when the model is down), enriches and
// embeds grants that pass, folds cross-source duplicates into the existing
// record, persists to the store, and publishes grants:validated. Messages
// are acked after processing; anything structurally unprocessable is
// dead-lettered and acked so one poison message cannot block the group.
package curation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/embedding"
	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/internal/store"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

// recentWindow is how many recent validated grants participate in duplicate
// detection.
const recentWindow = 1000

// subscribeBlock bounds each blocking stream read so shutdown stays prompt.
const subscribeBlock = 5 * time.Second

// metricTTL keeps curation counters and latency samples for a day.
const metricTTL = 24 * time.Hour

// GrantStore is the slice of the entity store curation depends on.
type GrantStore interface {
	InsertValidatedGrant(ctx context.Context, g *model.ValidatedGrant) error
	GrantExists(ctx context.Context, source, externalID string) (bool, error)
	UpdateGrantMerge(ctx context.Context, grantID, description string, mergedSources []string, discoveredAt time.Time, confidence float64) error
}

// Agent is one curation consumer in the curation_validators group.
type Agent struct {
	cfg      config.CurationConfig
	bus      *bus.Client
	store    GrantStore
	chat     llm.Chat
	embedder embedding.Embedder
	tracker  *pipeline.Tracker
	consumer string
	logger   *zap.Logger
}

// NewAgent wires a curation consumer.
func NewAgent(cfg config.CurationConfig, b *bus.Client, s GrantStore, chat llm.Chat, emb embedding.Embedder, tracker *pipeline.Tracker, consumer string, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		bus:      b,
		store:    s,
		chat:     chat,
		embedder: emb,
		tracker:  tracker,
		consumer: consumer,
		logger:   logger.Named("curation").With(zap.String("consumer", consumer)),
	}
}

// Run consumes until the context is cancelled. On startup the consumer first
// drains its own pending entries so work in flight at crash time is replayed.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.EnsureGroup(ctx, bus.StreamDiscovered, bus.GroupCuration); err != nil {
		return err
	}

	pending, err := a.bus.ReadOwnPending(ctx, bus.StreamDiscovered, bus.GroupCuration, a.consumer, a.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		a.handle(ctx, msg)
	}

	a.logger.Info("curation agent started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("curation agent stopping")
			return ctx.Err()
		default:
		}
		msgs, err := a.bus.Subscribe(ctx, bus.StreamDiscovered, bus.GroupCuration, a.consumer, a.cfg.BatchSize, subscribeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("failed to read discovered grants", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			a.handle(ctx, msg)
		}
	}
}

// handle routes one message through processing and decides its fate: ack on
// success or permanent rejection, dead-letter on structural failure, leave
// pending on transient failure so redelivery retries it.
func (a *Agent) handle(ctx context.Context, msg bus.Message) {
	var env bus.DiscoveredEnvelope
	if err := bus.DecodeEnvelope(msg.Payload, &env); err != nil {
		a.logger.Error("dead-lettering undecodable message", zap.String("id", msg.ID), zap.Error(err))
		if err := a.bus.AckAndDLQ(ctx, bus.StreamDiscovered, bus.GroupCuration, msg, err, "schema_error", 1); err != nil {
			a.logger.Error("failed to dead-letter message", zap.String("id", msg.ID), zap.Error(err))
		}
		return
	}

	if err := a.process(ctx, &env); err != nil {
		// Transient: leave pending; redelivery or claim will retry.
		a.logger.Error("processing failed, leaving pending",
			zap.String("id", msg.ID),
			zap.String("grant", env.Source+":"+env.ExternalID),
			zap.Error(err))
		return
	}
	if err := a.bus.Ack(ctx, bus.StreamDiscovered, bus.GroupCuration, msg.ID); err != nil {
		a.logger.Error("failed to ack message", zap.String("id", msg.ID), zap.Error(err))
	}
}

// process runs the full curation path for one discovered grant. A nil return
// means the message may be acked, whether the grant was validated, rejected,
// or merged.
func (a *Agent) process(ctx context.Context, env *bus.DiscoveredEnvelope) error {
	started := time.Now()
	g := env.Grant()

	// Replay guard: a grant already validated under this identity was fully
	// processed before a crash ate the ack.
	exists, err := a.store.GrantExists(ctx, g.Source, g.ExternalID)
	if err != nil {
		return err
	}
	if exists {
		a.logger.Debug("grant already validated, skipping replay",
			zap.String("grant", g.Source+":"+g.ExternalID))
		return nil
	}

	grantID := uuid.NewString()
	if err := a.tracker.Start(ctx, grantID, queueClass(g.Deadline)); err != nil {
		a.logger.Warn("failed to start pipeline tracking", zap.Error(err))
	}
	if err := a.tracker.Transition(ctx, grantID, model.StageDiscovered, model.StageValidating); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}

	verdict := a.assess(ctx, &g)
	if verdict.QualityScore < a.cfg.QualityThreshold {
		return a.reject(ctx, grantID, &g, verdict)
	}

	enrichment := a.enrich(ctx, &g)

	vec, err := a.embedder.Embed(ctx, embeddingText(&g))
	if err != nil {
		// A grant without an embedding is still alertable by keyword paths;
		// the matcher skips it. Better validated-without-vector than stuck.
		a.logger.Warn("embedding generation failed, validating without vector",
			zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
		vec = nil
	}

	dup, err := a.findDuplicate(ctx, &g)
	if err != nil {
		return err
	}
	if dup != nil {
		if err := a.merge(ctx, &g, dup); err != nil {
			return err
		}
		a.countAndTime(ctx, "curation.merged", started)
		return a.tracker.Transition(ctx, grantID, model.StageValidating, model.StageCompleted)
	}

	validated := &model.ValidatedGrant{
		DiscoveredGrant:     g,
		GrantID:             grantID,
		QualityScore:        verdict.QualityScore,
		Categories:          enrichment.Categories,
		Keywords:            enrichment.Keywords,
		EligibilityCriteria: firstNonEmpty(enrichment.Eligibility, g.Eligibility),
		Embedding:           vec,
		ConfidenceScore:     confidenceFor(verdict),
		ValidatedAt:         time.Now().UTC(),
	}
	if err := a.store.InsertValidatedGrant(ctx, validated); err != nil {
		if store.IsUniqueViolation(err) {
			a.logger.Debug("grant raced into store by another consumer",
				zap.String("grant", g.Source+":"+g.ExternalID))
			return nil
		}
		return err
	}

	if err := a.bus.PushRecentValidated(ctx, validated); err != nil {
		a.logger.Warn("failed to push recent validated grant", zap.Error(err))
	}

	out := bus.ValidatedEnvelope{
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Version:      "1.0",
		GrantID:      grantID,
		QualityScore: verdict.QualityScore / 100,
		Categories:   validated.Categories,
		Keywords:     validated.Keywords,
		ValidationDetails: bus.ValidationDetails{
			ConfidenceScore: validated.ConfidenceScore,
			ValidatedAt:     validated.ValidatedAt,
		},
		EmbeddingGenerated:  len(vec) > 0,
		EligibilityCriteria: validated.EligibilityCriteria,
	}
	if _, err := a.bus.Publish(ctx, bus.StreamValidated, out); err != nil {
		return fmt.Errorf("failed to publish validated grant %s: %w", grantID, err)
	}

	if err := a.tracker.Transition(ctx, grantID, model.StageValidating, model.StageValidated); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}
	a.countAndTime(ctx, "curation.validated", started)
	if err := a.bus.Heartbeat(ctx, "curation"); err != nil {
		a.logger.Warn("failed to record heartbeat", zap.Error(err))
	}

	a.logger.Info("grant validated",
		zap.String("grant_id", grantID),
		zap.String("grant", g.Source+":"+g.ExternalID),
		zap.Float64("quality", verdict.QualityScore),
		zap.Strings("categories", validated.Categories))
	return nil
}

// reject sidelines a below-threshold grant to the manual-review list and
// closes out its pipeline record.
func (a *Agent) reject(ctx context.Context, grantID string, g *model.DiscoveredGrant, verdict Assessment) error {
	item := &model.ManualReviewItem{
		GrantKey:      g.Source + ":" + g.ExternalID,
		Reason:        "quality below threshold",
		QualityScore:  verdict.QualityScore,
		Issues:        verdict.Issues,
		GrantSnapshot: g,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.bus.AppendManualReview(ctx, item); err != nil {
		return err
	}
	if err := a.bus.IncrCounter(ctx, "curation.rejected", time.Now(), metricTTL); err != nil {
		a.logger.Warn("failed to increment counter", zap.Error(err))
	}
	// A quality rejection is a terminal decision, not a processing failure;
	// the pipeline record closes as completed so SLOs stay honest.
	if err := a.tracker.Transition(ctx, grantID, model.StageValidating, model.StageCompleted); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}
	a.logger.Info("grant rejected for manual review",
		zap.String("grant", item.GrantKey),
		zap.Float64("quality", verdict.QualityScore),
		zap.Strings("issues", verdict.Issues))
	return nil
}

func (a *Agent) countAndTime(ctx context.Context, counter string, started time.Time) {
	if err := a.bus.IncrCounter(ctx, counter, time.Now(), metricTTL); err != nil {
		a.logger.Warn("failed to increment counter", zap.Error(err))
	}
	if err := a.bus.RecordLatency(ctx, "curation", time.Since(started).Seconds(), metricTTL); err != nil {
		a.logger.Warn("failed to record latency", zap.Error(err))
	}
}

// queueClass routes urgent deadlines onto the faster queues.
func queueClass(deadline *time.Time) model.QueueClass {
	days := model.DaysToDeadline(deadline, time.Now().UTC())
	switch {
	case days <= 7:
		return model.QueueCritical
	case days <= 30:
		return model.QueueHigh
	}
	return model.QueueNormal
}

// embeddingText is the canonical text embedded for a grant.
func embeddingText(g *model.DiscoveredGrant) string {
	return strings.TrimSpace(g.Title + "\n" + g.Description)
}

// confidenceFor maps a quality verdict onto the 0..1 confidence scale.
func confidenceFor(v Assessment) float64 {
	return v.QualityScore / 100
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
