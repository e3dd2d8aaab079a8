package store

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. The vector extension must be
// available on the server; dimension 1536 matches model.EmbeddingDim.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS grants (
	grant_id             UUID PRIMARY KEY,
	source               TEXT NOT NULL,
	external_id          TEXT NOT NULL,
	title                TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	url                  TEXT NOT NULL DEFAULT '',
	funding_agency       TEXT NOT NULL DEFAULT '',
	amount_min           DOUBLE PRECISION,
	amount_max           DOUBLE PRECISION,
	deadline             TIMESTAMPTZ,
	eligibility_criteria TEXT NOT NULL DEFAULT '',
	quality_score        DOUBLE PRECISION NOT NULL,
	confidence_score     DOUBLE PRECISION NOT NULL,
	categories           TEXT[] NOT NULL DEFAULT '{}',
	keywords             TEXT[] NOT NULL DEFAULT '{}',
	merged_sources       TEXT[] NOT NULL DEFAULT '{}',
	embedding            vector(1536),
	discovered_at        TIMESTAMPTZ NOT NULL,
	validated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id              TEXT PRIMARY KEY,
	research_areas       TEXT[] NOT NULL DEFAULT '{}',
	methods              TEXT[] NOT NULL DEFAULT '{}',
	past_grants          TEXT[] NOT NULL DEFAULT '{}',
	institution          TEXT NOT NULL DEFAULT '',
	department           TEXT NOT NULL DEFAULT '',
	keywords             TEXT[] NOT NULL DEFAULT '{}',
	profile_embedding    vector(1536),
	source_text_hash     TEXT NOT NULL DEFAULT '',
	embedding_updated_at TIMESTAMPTZ,
	minimum_match_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	digest_frequency     TEXT NOT NULL DEFAULT 'immediate',
	enabled_channels     TEXT[] NOT NULL DEFAULT '{email}',
	email                TEXT NOT NULL DEFAULT '',
	phone                TEXT NOT NULL DEFAULT '',
	slack_webhook_url    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS matches (
	match_id          UUID NOT NULL,
	grant_id          UUID NOT NULL REFERENCES grants(grant_id),
	user_id           TEXT NOT NULL REFERENCES profiles(user_id),
	vector_similarity DOUBLE PRECISION NOT NULL,
	llm_match_score   DOUBLE PRECISION NOT NULL,
	final_score       DOUBLE PRECISION NOT NULL,
	key_strengths     TEXT[] NOT NULL DEFAULT '{}',
	concerns          TEXT[] NOT NULL DEFAULT '{}',
	reasoning         TEXT NOT NULL DEFAULT '',
	predicted_success DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (grant_id, user_id)
);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	alert_id            UUID PRIMARY KEY,
	match_id            UUID NOT NULL,
	channel             TEXT NOT NULL,
	status              TEXT NOT NULL,
	sent_at             TIMESTAMPTZ,
	delivered_at        TIMESTAMPTZ,
	provider_message_id TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	latency_seconds     DOUBLE PRECISION,
	error               TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_deliveries_match_channel
	ON alert_deliveries (match_id, channel, created_at DESC);

CREATE TABLE IF NOT EXISTS breaker_states (
	service     TEXT PRIMARY KEY,
	summary     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies the schema. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
