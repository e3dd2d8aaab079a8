package store

import (
	"context"
	"fmt"

	"github.com/grantradar/grantradar/pkg/model"
)

// UpsertMatch inserts or replaces the match for (grant_id, user_id). Safe
// under redelivery: a retried validated event converges on the same row.
func (s *Store) UpsertMatch(ctx context.Context, m *model.Match) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid match: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO matches (
			match_id, grant_id, user_id, vector_similarity, llm_match_score,
			final_score, key_strengths, concerns, reasoning, predicted_success,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (grant_id, user_id) DO UPDATE SET
			vector_similarity = EXCLUDED.vector_similarity,
			llm_match_score = EXCLUDED.llm_match_score,
			final_score = EXCLUDED.final_score,
			key_strengths = EXCLUDED.key_strengths,
			concerns = EXCLUDED.concerns,
			reasoning = EXCLUDED.reasoning,
			predicted_success = EXCLUDED.predicted_success`,
		m.MatchID, m.GrantID, m.UserID, m.VectorSimilarity, m.LLMMatchScore,
		m.FinalScore, m.KeyStrengths, m.Concerns, m.Reasoning, m.PredictedSuccess,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert match %s/%s: %w", m.GrantID, m.UserID, err)
	}
	return nil
}

// MatchesByGrant returns all matches for a grant with final scores above
// threshold, highest first. Stall recovery uses this to rebuild the computed
// events for a grant stuck in alerting.
func (s *Store) MatchesByGrant(ctx context.Context, grantID string, threshold float64) ([]model.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT match_id, grant_id, user_id, vector_similarity, llm_match_score,
			final_score, key_strengths, concerns, reasoning, predicted_success,
			created_at
		FROM matches WHERE grant_id = $1 AND final_score > $2
		ORDER BY final_score DESC`, grantID, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches for grant %s: %w", grantID, err)
	}
	defer rows.Close()

	var out []model.Match
	for rows.Next() {
		var m model.Match
		if err := rows.Scan(
			&m.MatchID, &m.GrantID, &m.UserID, &m.VectorSimilarity, &m.LLMMatchScore,
			&m.FinalScore, &m.KeyStrengths, &m.Concerns, &m.Reasoning, &m.PredictedSuccess,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate matches: %w", err)
	}
	return out, nil
}

// MatchExists reports whether a match row exists for the pair.
func (s *Store) MatchExists(ctx context.Context, grantID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM matches WHERE grant_id = $1 AND user_id = $2)`,
		grantID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check match existence: %w", err)
	}
	return exists, nil
}
