// Package matcher consumes grants:validated and runs the two-phase matching
// algorithm: a pgvector similarity search narrows all profiles to a
// candidate set, then the LLM reranks the top candidates in small batches.
// The final score blends both phases; matches above the publish threshold go
// out on matches:computed.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/internal/store"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

const (
	subscribeBlock = 5 * time.Second
	batchCount     = 10
	metricTTL      = 24 * time.Hour
)

// MatchStore is the slice of the entity store the matcher depends on.
type MatchStore interface {
	GetGrant(ctx context.Context, grantID string) (*model.ValidatedGrant, error)
	SearchSimilarProfiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]store.ProfileCandidate, error)
	UpsertMatch(ctx context.Context, m *model.Match) error
	MatchExists(ctx context.Context, grantID, userID string) (bool, error)
}

// Agent is one matcher consumer in the matching_engine group.
type Agent struct {
	cfg      config.MatchingConfig
	bus      *bus.Client
	store    MatchStore
	chat     llm.Chat
	tracker  *pipeline.Tracker
	consumer string
	logger   *zap.Logger
}

// NewAgent wires a matcher consumer.
func NewAgent(cfg config.MatchingConfig, b *bus.Client, s MatchStore, chat llm.Chat, tracker *pipeline.Tracker, consumer string, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		bus:      b,
		store:    s,
		chat:     chat,
		tracker:  tracker,
		consumer: consumer,
		logger:   logger.Named("matcher").With(zap.String("consumer", consumer)),
	}
}

// Run consumes until the context is cancelled, draining own pending first.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.EnsureGroup(ctx, bus.StreamValidated, bus.GroupMatching); err != nil {
		return err
	}

	pending, err := a.bus.ReadOwnPending(ctx, bus.StreamValidated, bus.GroupMatching, a.consumer, batchCount)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		a.handle(ctx, msg)
	}

	a.logger.Info("matcher agent started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("matcher agent stopping")
			return ctx.Err()
		default:
		}
		msgs, err := a.bus.Subscribe(ctx, bus.StreamValidated, bus.GroupMatching, a.consumer, batchCount, subscribeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("failed to read validated grants", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			a.handle(ctx, msg)
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg bus.Message) {
	var env bus.ValidatedEnvelope
	if err := bus.DecodeEnvelope(msg.Payload, &env); err != nil {
		a.logger.Error("dead-lettering undecodable message", zap.String("id", msg.ID), zap.Error(err))
		if err := a.bus.AckAndDLQ(ctx, bus.StreamValidated, bus.GroupMatching, msg, err, "schema_error", 1); err != nil {
			a.logger.Error("failed to dead-letter message", zap.String("id", msg.ID), zap.Error(err))
		}
		return
	}

	if err := a.process(ctx, &env); err != nil {
		a.logger.Error("processing failed, leaving pending",
			zap.String("id", msg.ID), zap.String("grant_id", env.GrantID), zap.Error(err))
		return
	}
	if err := a.bus.Ack(ctx, bus.StreamValidated, bus.GroupMatching, msg.ID); err != nil {
		a.logger.Error("failed to ack message", zap.String("id", msg.ID), zap.Error(err))
	}
}

// process runs two-phase matching for one validated grant. A nil return
// means the message may be acked.
func (a *Agent) process(ctx context.Context, env *bus.ValidatedEnvelope) error {
	started := time.Now()

	if err := a.tracker.Transition(ctx, env.GrantID, model.StageValidated, model.StageMatching); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}

	g, err := a.store.GetGrant(ctx, env.GrantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The event references a grant the store never saw; replaying
			// will not make it appear.
			a.logger.Warn("validated event references unknown grant, dropping",
				zap.String("grant_id", env.GrantID))
			return nil
		}
		return err
	}

	if len(g.Embedding) == 0 {
		a.logger.Info("grant has no embedding, skipping matching",
			zap.String("grant_id", g.GrantID))
		a.count(ctx, "matcher.skipped_no_embedding")
		return a.finish(ctx, g.GrantID, started, 0)
	}

	candidates, err := a.store.SearchSimilarProfiles(ctx, g.Embedding, a.cfg.VectorThreshold, a.cfg.TopCandidates)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		a.logger.Info("no candidate profiles above similarity threshold",
			zap.String("grant_id", g.GrantID))
		a.count(ctx, "matcher.no_candidates")
		return a.finish(ctx, g.GrantID, started, 0)
	}

	// Replayed events skip pairs that already have a match row; their alerts
	// went out (or are pending) the first time through.
	fresh := candidates[:0]
	for _, c := range candidates {
		exists, err := a.store.MatchExists(ctx, g.GrantID, c.Profile.UserID)
		if err != nil {
			return err
		}
		if !exists {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		a.logger.Debug("all candidates already matched, replay complete",
			zap.String("grant_id", g.GrantID))
		return a.finish(ctx, g.GrantID, started, 0)
	}

	if len(fresh) > a.cfg.LLMRerankLimit {
		fresh = fresh[:a.cfg.LLMRerankLimit]
	}
	scores := a.rerank(ctx, g, fresh)

	published := 0
	now := time.Now().UTC()
	for _, c := range fresh {
		r, ok := scores[c.Profile.UserID]
		if !ok {
			continue // batch failed or candidate dropped
		}
		final := model.FinalScore(c.Similarity, r.Score)
		m := &model.Match{
			MatchID:          uuid.NewString(),
			GrantID:          g.GrantID,
			UserID:           c.Profile.UserID,
			VectorSimilarity: c.Similarity,
			LLMMatchScore:    r.Score,
			FinalScore:       final,
			KeyStrengths:     r.KeyStrengths,
			Concerns:         r.Concerns,
			Reasoning:        r.Reasoning,
			PredictedSuccess: r.PredictedSuccess,
			CreatedAt:        now,
		}
		if err := a.store.UpsertMatch(ctx, m); err != nil {
			return err
		}
		if final <= a.cfg.FinalMatchThreshold {
			continue
		}

		out := bus.ComputedEnvelope{
			EventID:          uuid.NewString(),
			MatchID:          m.MatchID,
			GrantID:          g.GrantID,
			UserID:           c.Profile.UserID,
			MatchScore:       final / 100,
			PriorityLevel:    model.MatchPriority(final, g.Deadline, now),
			MatchingCriteria: r.KeyStrengths,
			Explanation:      r.Reasoning,
			GrantDeadline:    g.Deadline,
		}
		if _, err := a.bus.Publish(ctx, bus.StreamComputed, out); err != nil {
			return fmt.Errorf("failed to publish match %s: %w", m.MatchID, err)
		}
		published++
	}

	a.logger.Info("matching complete",
		zap.String("grant_id", g.GrantID),
		zap.Int("candidates", len(candidates)),
		zap.Int("reranked", len(scores)),
		zap.Int("published", published))
	return a.finish(ctx, g.GrantID, started, published)
}

// finish records the stage transition, metrics, and heartbeat shared by
// every exit path that acks the message.
func (a *Agent) finish(ctx context.Context, grantID string, started time.Time, published int) error {
	if err := a.tracker.Transition(ctx, grantID, model.StageMatching, model.StageMatched); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}
	if published == 0 {
		// No alert will ever pick this grant up; close the pipeline here.
		if err := a.tracker.Transition(ctx, grantID, model.StageMatched, model.StageCompleted); err != nil {
			a.logger.Warn("failed to record stage transition", zap.Error(err))
		}
	}
	a.count(ctx, "matcher.processed")
	if err := a.bus.RecordLatency(ctx, "matcher", time.Since(started).Seconds(), metricTTL); err != nil {
		a.logger.Warn("failed to record latency", zap.Error(err))
	}
	if err := a.bus.Heartbeat(ctx, "matcher"); err != nil {
		a.logger.Warn("failed to record heartbeat", zap.Error(err))
	}
	return nil
}

func (a *Agent) count(ctx context.Context, name string) {
	if err := a.bus.IncrCounter(ctx, name, time.Now(), metricTTL); err != nil {
		a.logger.Warn("failed to increment counter", zap.Error(err))
	}
}
