// Package alerter consumes matches:computed and delivers alerts over email,
// SMS, and Slack according to the derived priority and the user's
// notification preferences. Non-critical alerts for digest users are parked
// on the pending-digest list; the digest processor flushes them at end of
// day. The latest delivery row per (match, channel) gates re-sends, so a
// redelivered event never double-notifies.
package alerter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/channels"
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

// AlertStore is the slice of the entity store the alerter depends on.
type AlertStore interface {
	GetGrant(ctx context.Context, grantID string) (*model.ValidatedGrant, error)
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	InsertDelivery(ctx context.Context, d *model.AlertDelivery) error
	LatestDelivery(ctx context.Context, matchID string, channel model.Channel) (*model.AlertDelivery, error)
}

// Agent is one alerter consumer in the alerter group.
type Agent struct {
	cfg      config.AlertingConfig
	bus      *bus.Client
	store    AlertStore
	chat     llm.Chat
	email    channels.EmailSender
	sms      channels.SMSSender
	slack    channels.SlackSender
	tracker  *pipeline.Tracker
	consumer string
	logger   *zap.Logger
}

// NewAgent wires an alerter consumer.
func NewAgent(cfg config.AlertingConfig, b *bus.Client, s AlertStore, chat llm.Chat,
	email channels.EmailSender, sms channels.SMSSender, slk channels.SlackSender,
	tracker *pipeline.Tracker, consumer string, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		bus:      b,
		store:    s,
		chat:     chat,
		email:    email,
		sms:      sms,
		slack:    slk,
		tracker:  tracker,
		consumer: consumer,
		logger:   logger.Named("alerter").With(zap.String("consumer", consumer)),
	}
}

// Run consumes until the context is cancelled, draining own pending first.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.EnsureGroup(ctx, bus.StreamComputed, bus.GroupAlerter); err != nil {
		return err
	}

	pending, err := a.bus.ReadOwnPending(ctx, bus.StreamComputed, bus.GroupAlerter, a.consumer, batchCount)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		a.handle(ctx, msg)
	}

	a.logger.Info("alerter agent started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("alerter agent stopping")
			return ctx.Err()
		default:
		}
		msgs, err := a.bus.Subscribe(ctx, bus.StreamComputed, bus.GroupAlerter, a.consumer, batchCount, subscribeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("failed to read computed matches", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			a.handle(ctx, msg)
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg bus.Message) {
	var env bus.ComputedEnvelope
	if err := bus.DecodeEnvelope(msg.Payload, &env); err != nil {
		a.logger.Error("dead-lettering undecodable message", zap.String("id", msg.ID), zap.Error(err))
		if err := a.bus.AckAndDLQ(ctx, bus.StreamComputed, bus.GroupAlerter, msg, err, "schema_error", 1); err != nil {
			a.logger.Error("failed to dead-letter message", zap.String("id", msg.ID), zap.Error(err))
		}
		return
	}

	if err := a.process(ctx, &env); err != nil {
		a.logger.Error("processing failed, leaving pending",
			zap.String("id", msg.ID), zap.String("match_id", env.MatchID), zap.Error(err))
		return
	}
	if err := a.bus.Ack(ctx, bus.StreamComputed, bus.GroupAlerter, msg.ID); err != nil {
		a.logger.Error("failed to ack message", zap.String("id", msg.ID), zap.Error(err))
	}
}

// process delivers (or parks) the alert for one computed match. A nil return
// means the message may be acked.
func (a *Agent) process(ctx context.Context, env *bus.ComputedEnvelope) error {
	started := time.Now()

	if err := a.tracker.Transition(ctx, env.GrantID, model.StageMatched, model.StageAlerting); err != nil {
		a.logger.Warn("failed to record stage transition", zap.Error(err))
	}

	profile, err := a.store.GetProfile(ctx, env.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("computed event references unknown user, dropping",
				zap.String("user_id", env.UserID))
			return a.finish(ctx, env.GrantID, started)
		}
		return err
	}
	grant, err := a.store.GetGrant(ctx, env.GrantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("computed event references unknown grant, dropping",
				zap.String("grant_id", env.GrantID))
			return a.finish(ctx, env.GrantID, started)
		}
		return err
	}

	if env.MatchScore < profile.MinimumMatchScore {
		a.logger.Debug("match below user minimum, suppressing alert",
			zap.String("match_id", env.MatchID),
			zap.Float64("score", env.MatchScore),
			zap.Float64("minimum", profile.MinimumMatchScore))
		a.count(ctx, "alerter.suppressed")
		return a.finish(ctx, env.GrantID, started)
	}

	now := time.Now().UTC()
	priority := model.AlertPriority(env.MatchScore, env.GrantDeadline, now)
	if priority == model.PriorityLow {
		a.count(ctx, "alerter.suppressed")
		return a.finish(ctx, env.GrantID, started)
	}

	chans := eligibleChannels(priority, profile)
	if len(chans) == 0 {
		a.logger.Debug("no deliverable channels for alert",
			zap.String("match_id", env.MatchID), zap.String("priority", string(priority)))
		a.count(ctx, "alerter.no_channels")
		return a.finish(ctx, env.GrantID, started)
	}

	// Critical alerts always go out now. Everything else defers to the
	// user's digest when they asked for one. Immediate users get medium
	// alerts right away until enough are already queued for the day; after
	// that new ones join the queue and the end-of-day digest run delivers
	// them all at once.
	if priority != model.PriorityCritical {
		if profile.DigestFrequency != model.DigestImmediate {
			if err := a.parkForDigest(ctx, env, grant, priority, now); err != nil {
				return err
			}
			return a.finish(ctx, env.GrantID, started)
		}
		if priority == model.PriorityMedium {
			pending, err := a.bus.DigestLen(ctx, env.UserID, now)
			if err != nil {
				return err
			}
			if pending >= int64(a.cfg.MediumBatchThreshold) {
				if err := a.parkForDigest(ctx, env, grant, priority, now); err != nil {
					return err
				}
				return a.finish(ctx, env.GrantID, started)
			}
		}
	}

	for _, ch := range chans {
		if err := a.deliver(ctx, env, grant, profile, ch, priority); err != nil {
			return err
		}
	}
	return a.finish(ctx, env.GrantID, started)
}

// deliver sends on one channel, gated by the latest delivery row.
func (a *Agent) deliver(ctx context.Context, env *bus.ComputedEnvelope, grant *model.ValidatedGrant,
	profile *model.UserProfile, ch model.Channel, priority model.Priority) error {

	prev, err := a.store.LatestDelivery(ctx, env.MatchID, ch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if prev != nil && (prev.Status == model.DeliverySent || prev.Status == model.DeliveryDelivered) {
		a.logger.Debug("channel already delivered, skipping",
			zap.String("match_id", env.MatchID), zap.String("channel", string(ch)))
		return nil
	}

	score := env.MatchScore * 100
	var result channels.Result
	var sendErr error
	switch ch {
	case model.ChannelEmail:
		content := a.composeEmail(ctx, grant, score, env.Explanation)
		result, sendErr = a.email.SendEmail(ctx, channels.EmailMessage{
			To:         profile.Email,
			Subject:    content.Subject,
			HTMLBody:   content.HTMLBody,
			TextBody:   content.TextBody,
			TrackingID: env.MatchID,
		})
	case model.ChannelSMS:
		result, sendErr = a.sms.SendSMS(ctx, channels.SMSMessage{
			To:   profile.Phone,
			Body: composeSMS(grant, score),
		})
	case model.ChannelSlack:
		msg := composeSlack(grant, score, priority, env.Explanation)
		msg.WebhookURL = profile.SlackWebhookURL
		result, sendErr = a.slack.SendSlack(ctx, msg)
	}

	now := time.Now().UTC()
	delivery := &model.AlertDelivery{
		AlertID:    uuid.NewString(),
		MatchID:    env.MatchID,
		Channel:    ch,
		RetryCount: result.Attempts - 1,
	}
	if sendErr != nil {
		delivery.Status = model.DeliveryFailed
		delivery.Error = sendErr.Error()
		a.logger.Error("channel delivery failed",
			zap.String("match_id", env.MatchID),
			zap.String("channel", string(ch)), zap.Error(sendErr))
		a.count(ctx, "alerter.failed")
	} else {
		delivery.Status = model.DeliverySent
		delivery.SentAt = &now
		delivery.ProviderMessageID = result.ProviderMessageID
		// Alert latency is measured from when the grant entered the
		// pipeline, not from the channel call.
		if !grant.DiscoveredAt.IsZero() {
			delivery.LatencySeconds = now.Sub(grant.DiscoveredAt).Seconds()
		}
		a.count(ctx, "alerter.sent")
	}
	if delivery.RetryCount < 0 {
		delivery.RetryCount = 0
	}

	if err := a.store.InsertDelivery(ctx, delivery); err != nil {
		return err
	}
	if sendErr != nil {
		// Recorded and counted; the channel's own retry policy is exhausted,
		// so the failure is terminal for this event.
		return nil
	}

	sent := bus.AlertSentEnvelope{
		AlertID:  delivery.AlertID,
		MatchID:  env.MatchID,
		UserID:   env.UserID,
		Channel:  ch,
		Status:   delivery.Status,
		SentAt:   now,
		Priority: priority,
	}
	if _, err := a.bus.Publish(ctx, bus.StreamAlertsSent, sent); err != nil {
		a.logger.Warn("failed to publish alert sent event", zap.Error(err))
	}
	return nil
}

// parkForDigest appends the alert to the user's pending-digest list.
func (a *Agent) parkForDigest(ctx context.Context, env *bus.ComputedEnvelope, grant *model.ValidatedGrant,
	priority model.Priority, now time.Time) error {
	item := DigestItem{
		MatchID:     env.MatchID,
		GrantID:     env.GrantID,
		UserID:      env.UserID,
		Title:       grant.Title,
		Agency:      grant.FundingAgency,
		URL:         grant.URL,
		Score:       env.MatchScore,
		Priority:    priority,
		Deadline:    grant.Deadline,
		Explanation: env.Explanation,
	}
	if err := a.bus.PushDigestItem(ctx, env.UserID, now, item); err != nil {
		return err
	}
	a.count(ctx, "alerter.digested")
	a.logger.Debug("alert parked for digest",
		zap.String("match_id", env.MatchID), zap.String("user_id", env.UserID))
	return nil
}

func (a *Agent) finish(ctx context.Context, grantID string, started time.Time) error {
	if err := a.tracker.Complete(ctx, grantID); err != nil {
		a.logger.Warn("failed to complete pipeline", zap.Error(err))
	}
	if err := a.bus.RecordLatency(ctx, "alerter", time.Since(started).Seconds(), metricTTL); err != nil {
		a.logger.Warn("failed to record latency", zap.Error(err))
	}
	if err := a.bus.Heartbeat(ctx, "alerter"); err != nil {
		a.logger.Warn("failed to record heartbeat", zap.Error(err))
	}
	return nil
}

func (a *Agent) count(ctx context.Context, name string) {
	if err := a.bus.IncrCounter(ctx, name, time.Now(), metricTTL); err != nil {
		a.logger.Warn("failed to increment counter", zap.Error(err))
	}
}

// eligibleChannels intersects the priority's default channel set with the
// user's enabled channels, dropping channels with no destination on file.
func eligibleChannels(p model.Priority, profile *model.UserProfile) []model.Channel {
	var out []model.Channel
	for _, ch := range model.ChannelsForPriority(p) {
		if !profile.ChannelEnabled(ch) {
			continue
		}
		switch ch {
		case model.ChannelEmail:
			if profile.Email == "" {
				continue
			}
		case model.ChannelSMS:
			if profile.Phone == "" {
				continue
			}
		case model.ChannelSlack:
			if profile.SlackWebhookURL == "" {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}
