package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/grantradar/grantradar/pkg/model"
)

// InsertDelivery appends one channel delivery attempt. Rows are append-only;
// the newest row per (match_id, channel) is the effective status.
func (s *Store) InsertDelivery(ctx context.Context, d *model.AlertDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_deliveries (
			alert_id, match_id, channel, status, sent_at, delivered_at,
			provider_message_id, retry_count, latency_seconds, error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.AlertID, d.MatchID, string(d.Channel), string(d.Status), d.SentAt,
		d.DeliveredAt, d.ProviderMessageID, d.RetryCount,
		nilIfZero(d.LatencySeconds), d.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery for match %s: %w", d.MatchID, err)
	}
	return nil
}

// LatestDelivery returns the most recent attempt for (match_id, channel).
// This is the idempotency gate: a redelivered computed event re-sends only
// when the previous attempt is absent or failed.
func (s *Store) LatestDelivery(ctx context.Context, matchID string, channel model.Channel) (*model.AlertDelivery, error) {
	var d model.AlertDelivery
	var ch, status string
	var latency *float64
	err := s.pool.QueryRow(ctx, `
		SELECT alert_id, match_id, channel, status, sent_at, delivered_at,
			provider_message_id, retry_count, latency_seconds, error
		FROM alert_deliveries
		WHERE match_id = $1 AND channel = $2
		ORDER BY created_at DESC LIMIT 1`, matchID, string(channel)).Scan(
		&d.AlertID, &d.MatchID, &ch, &status, &d.SentAt, &d.DeliveredAt,
		&d.ProviderMessageID, &d.RetryCount, &latency, &d.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery for match %s: %w", matchID, err)
	}
	d.Channel = model.Channel(ch)
	d.Status = model.DeliveryStatus(status)
	if latency != nil {
		d.LatencySeconds = *latency
	}
	return &d, nil
}

// MirrorBreakerState implements breaker.StateMirror so circuit state lands
// in the breaker_states table alongside the Redis copy.
func (s *Store) MirrorBreakerState(ctx context.Context, service string, summary any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker summary for %s: %w", service, err)
	}
	return s.UpsertBreakerSummary(ctx, service, payload)
}

// UpsertBreakerSummary mirrors a circuit breaker summary for dashboards.
func (s *Store) UpsertBreakerSummary(ctx context.Context, service string, summary []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO breaker_states (service, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (service) DO UPDATE SET summary = EXCLUDED.summary, updated_at = now()`,
		service, summary)
	if err != nil {
		return fmt.Errorf("failed to upsert breaker summary for %s: %w", service, err)
	}
	return nil
}
