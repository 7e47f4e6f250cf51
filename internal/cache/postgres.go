package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the shared cache table. It is unlogged: losing cached tool
// results on a database crash only costs recomputation.
const schema = `
CREATE UNLOGGED TABLE IF NOT EXISTS toolgate_cache (
    key        TEXT        PRIMARY KEY,
    value      BYTEA       NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS toolgate_cache_expires_at_idx ON toolgate_cache (expires_at);
`

// PostgresStore keeps shared cache entries in a PostgreSQL table. Expired
// rows are hidden from reads and removed by [PostgresStore.PurgeExpired].
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Purger = (*PostgresStore)(nil)
)

// OpenPostgres connects to the database at dsn and creates the cache table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the cache table and its index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("cache: postgres: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM toolgate_cache WHERE key = $1 AND expires_at > now()`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: postgres get: %w", err)
	}
	return v, nil
}

// Set implements [Store].
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO toolgate_cache (key, value, expires_at)
		 VALUES ($1, $2, now() + $3::float8 * interval '1 second')
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("cache: postgres set: %w", err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM toolgate_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache: postgres delete: %w", err)
	}
	return nil
}

// PurgeExpired implements [Purger].
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM toolgate_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cache: postgres purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity; used as a readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
