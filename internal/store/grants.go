package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/grantradar/grantradar/pkg/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Curation treats a violation on (source, external_id) as the
// duplicate signal it is rather than an error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InsertValidatedGrant persists a curated grant. The unique (source,
// external_id) constraint makes a second publish for the same identity fail;
// callers treat that as the dedup signal it is.
func (s *Store) InsertValidatedGrant(ctx context.Context, g *model.ValidatedGrant) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid validated grant: %w", err)
	}
	var embedding *string
	if len(g.Embedding) > 0 {
		lit := VectorLiteral(g.Embedding)
		embedding = &lit
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grants (
			grant_id, source, external_id, title, description, url,
			funding_agency, amount_min, amount_max, deadline,
			eligibility_criteria, quality_score, confidence_score,
			categories, keywords, merged_sources, embedding,
			discovered_at, validated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::vector,$18,$19)`,
		g.GrantID, g.Source, g.ExternalID, g.Title, g.Description, g.URL,
		g.FundingAgency, nilIfZero(g.AmountMin), nilIfZero(g.AmountMax), g.Deadline,
		g.EligibilityCriteria, g.QualityScore, g.ConfidenceScore,
		g.Categories, g.Keywords, g.MergedSources, embedding,
		g.DiscoveredAt, g.ValidatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant %s: %w", g.GrantID, err)
	}
	return nil
}

// UpdateGrantMerge folds a duplicate discovery into an existing grant:
// the caller has already decided the winning description, source union,
// earliest discovery time, and degraded confidence.
func (s *Store) UpdateGrantMerge(ctx context.Context, grantID, description string, mergedSources []string, discoveredAt time.Time, confidence float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE grants
		SET description = $2, merged_sources = $3, discovered_at = $4, confidence_score = $5
		WHERE grant_id = $1`,
		grantID, description, mergedSources, discoveredAt, confidence)
	if err != nil {
		return fmt.Errorf("failed to merge into grant %s: %w", grantID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGrant fetches a validated grant by its ID.
func (s *Store) GetGrant(ctx context.Context, grantID string) (*model.ValidatedGrant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT grant_id, source, external_id, title, description, url,
			funding_agency, COALESCE(amount_min, 0), COALESCE(amount_max, 0),
			deadline, eligibility_criteria, quality_score, confidence_score,
			categories, keywords, merged_sources, embedding::text,
			discovered_at, validated_at
		FROM grants WHERE grant_id = $1`, grantID)
	return scanGrant(row)
}

// GrantExists reports whether a grant with the given identity was already
// validated.
func (s *Store) GrantExists(ctx context.Context, source, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM grants WHERE source = $1 AND external_id = $2)`,
		source, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check grant existence: %w", err)
	}
	return exists, nil
}

func scanGrant(row pgx.Row) (*model.ValidatedGrant, error) {
	var g model.ValidatedGrant
	var embedding *string
	err := row.Scan(
		&g.GrantID, &g.Source, &g.ExternalID, &g.Title, &g.Description, &g.URL,
		&g.FundingAgency, &g.AmountMin, &g.AmountMax,
		&g.Deadline, &g.EligibilityCriteria, &g.QualityScore, &g.ConfidenceScore,
		&g.Categories, &g.Keywords, &g.MergedSources, &embedding,
		&g.DiscoveredAt, &g.ValidatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	if embedding != nil {
		vec, err := ParseVector(*embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to parse grant embedding: %w", err)
		}
		g.Embedding = vec
	}
	return &g, nil
}

func nilIfZero(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
