package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL. It lets several workers
// share one cache.
type PostgresStore struct {
	log logrus.FieldLogger
	dsn string
	db  *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(log logrus.FieldLogger, dsn string) Store {
	return &PostgresStore{
		log: log.WithField("component", "store"),
		dsn: dsn,
	}
}

// Start opens the database connection.
func (s *PostgresStore) Start(ctx context.Context) error {
	s.log.Debug("Opening PostgreSQL database")

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Configure connection pool.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *PostgresStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.log.Debug("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			ttl_class TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// GetEntry returns the live entry stored under key.
func (s *PostgresStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	var entry Entry

	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, namespace, endpoint, ttl_class, data, created_at, expires_at
		FROM cache_entries
		WHERE cache_key = $1 AND expires_at > $2
	`, key, time.Now()).Scan(
		&entry.Key, &entry.Namespace, &entry.Endpoint, &entry.TTLClass,
		&entry.Data, &entry.CreatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}

	return &entry, nil
}

// PutEntry inserts or replaces an entry.
func (s *PostgresStore) PutEntry(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, namespace, endpoint, ttl_class, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cache_key) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			endpoint = EXCLUDED.endpoint,
			ttl_class = EXCLUDED.ttl_class,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, entry.Key, entry.Namespace, entry.Endpoint, entry.TTLClass, entry.Data,
		entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}

	return nil
}

// DeleteEntries removes matching entries.
func (s *PostgresStore) DeleteEntries(ctx context.Context, namespace, pattern string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE ($1 = '' OR namespace = $1) AND ($2 = '' OR strpos(endpoint, $2) > 0)
	`, namespace, pattern)
	if err != nil {
		return 0, fmt.Errorf("deleting cache entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cache entries: %w", err)
	}

	return int(rows), nil
}

// DeleteExpired removes entries that are stale at now.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired cache entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting expired cache entries: %w", err)
	}

	return int(rows), nil
}

// Stats summarizes live entries in namespace.
func (s *PostgresStore) Stats(ctx context.Context, namespace string, now time.Time) (*Stats, error) {
	var (
		stats  Stats
		oldest sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(octet_length(data)), 0), MIN(created_at)
		FROM cache_entries
		WHERE ($1 = '' OR namespace = $1) AND expires_at > $2
	`, namespace, now).Scan(&stats.Entries, &stats.SizeBytes, &oldest)
	if err != nil {
		return nil, fmt.Errorf("querying cache stats: %w", err)
	}

	if oldest.Valid {
		stats.OldestAge = now.Sub(oldest.Time)
	}

	return &stats, nil
}
