// Package store is the persistent entity store: validated grants, user
// profiles (with pgvector similarity search), matches, and alert deliveries.
// The bus carries only event envelopes; the authoritative record lives here.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
)

// Store wraps a pgx connection pool with the pipeline's repositories.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to Postgres with the configured pool bounds (min 2, max 10 by
// default) and verifies connectivity.
func New(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres not accessible: %w", err)
	}
	return &Store{pool: pool, logger: logger.Named("store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping runs the trivial health-check query and returns its latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	return time.Since(start), err
}
