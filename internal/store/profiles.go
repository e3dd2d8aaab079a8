package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grantradar/grantradar/pkg/model"
)

// ProfileCandidate is a vector-search hit: a profile plus its cosine
// similarity to the query embedding.
type ProfileCandidate struct {
	Profile    model.UserProfile
	Similarity float64
}

// SearchSimilarProfiles runs the phase-1 candidate query: profiles whose
// embedding exists and whose cosine similarity to the grant embedding
// exceeds threshold, ordered by similarity, capped at limit.
func (s *Store) SearchSimilarProfiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ProfileCandidate, error) {
	lit := VectorLiteral(embedding)
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, research_areas, methods, past_grants, institution,
			department, keywords, minimum_match_score, digest_frequency,
			enabled_channels, email, phone, slack_webhook_url,
			1 - (profile_embedding <=> $1::vector) AS similarity
		FROM profiles
		WHERE profile_embedding IS NOT NULL
			AND 1 - (profile_embedding <=> $1::vector) > $2
		ORDER BY similarity DESC
		LIMIT $3`, lit, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar profiles: %w", err)
	}
	defer rows.Close()

	var out []ProfileCandidate
	for rows.Next() {
		var c ProfileCandidate
		var freq string
		var channels []string
		if err := rows.Scan(
			&c.Profile.UserID, &c.Profile.ResearchAreas, &c.Profile.Methods,
			&c.Profile.PastGrants, &c.Profile.Institution, &c.Profile.Department,
			&c.Profile.Keywords, &c.Profile.MinimumMatchScore, &freq,
			&channels, &c.Profile.Email, &c.Profile.Phone, &c.Profile.SlackWebhookURL,
			&c.Similarity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan profile candidate: %w", err)
		}
		c.Profile.DigestFrequency = model.DigestFrequency(freq)
		c.Profile.EnabledChannels = toChannels(channels)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profile candidates: %w", err)
	}
	return out, nil
}

// GetProfile fetches a user profile with notification preferences.
func (s *Store) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	var p model.UserProfile
	var freq string
	var channels []string
	var embedding *string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, research_areas, methods, past_grants, institution,
			department, keywords, profile_embedding::text, source_text_hash,
			embedding_updated_at, minimum_match_score, digest_frequency,
			enabled_channels, email, phone, slack_webhook_url
		FROM profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.ResearchAreas, &p.Methods, &p.PastGrants, &p.Institution,
		&p.Department, &p.Keywords, &embedding, &p.SourceTextHash,
		&p.EmbeddingUpdatedAt, &p.MinimumMatchScore, &freq,
		&channels, &p.Email, &p.Phone, &p.SlackWebhookURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	p.DigestFrequency = model.DigestFrequency(freq)
	p.EnabledChannels = toChannels(channels)
	if embedding != nil {
		vec, err := ParseVector(*embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to parse profile embedding: %w", err)
		}
		p.Embedding = vec
	}
	return &p, nil
}

// ListProfiles returns every profile, without embeddings. Used by the
// embedding refresh pass, which decides per profile whether the vector is
// stale by comparing text hashes.
func (s *Store) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, research_areas, methods, past_grants, institution,
			department, keywords, source_text_hash, embedding_updated_at,
			minimum_match_score, digest_frequency, enabled_channels,
			email, phone, slack_webhook_url
		FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.UserProfile
	for rows.Next() {
		var p model.UserProfile
		var freq string
		var channels []string
		if err := rows.Scan(
			&p.UserID, &p.ResearchAreas, &p.Methods, &p.PastGrants, &p.Institution,
			&p.Department, &p.Keywords, &p.SourceTextHash, &p.EmbeddingUpdatedAt,
			&p.MinimumMatchScore, &freq, &channels, &p.Email, &p.Phone, &p.SlackWebhookURL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		p.DigestFrequency = model.DigestFrequency(freq)
		p.EnabledChannels = toChannels(channels)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return out, nil
}

// UpdateProfileEmbedding stores a freshly generated profile embedding along
// with the text hash that produced it.
func (s *Store) UpdateProfileEmbedding(ctx context.Context, userID string, embedding []float32, textHash string) error {
	lit := VectorLiteral(embedding)
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles
		SET profile_embedding = $2::vector, source_text_hash = $3, embedding_updated_at = $4
		WHERE user_id = $1`, userID, lit, textHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update embedding for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func toChannels(in []string) []model.Channel {
	out := make([]model.Channel, 0, len(in))
	for _, c := range in {
		ch := model.Channel(c)
		if ch.Validate() == nil {
			out = append(out, ch)
		}
	}
	return out
}
