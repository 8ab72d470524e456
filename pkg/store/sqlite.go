package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	log  logrus.FieldLogger
	path string
	db   *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(log logrus.FieldLogger, path string) Store {
	return &SQLiteStore{
		log:  log.WithField("component", "store"),
		path: path,
	}
}

// Start opens the database connection.
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.log.WithField("path", s.path).Debug("Opening SQLite database")

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Test connection.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *SQLiteStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.log.Debug("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			ttl_class TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
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
func (s *SQLiteStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	var (
		entry     Entry
		createdAt int64
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, namespace, endpoint, ttl_class, data, created_at, expires_at
		FROM cache_entries
		WHERE cache_key = ? AND expires_at > ?
	`, key, time.Now().UnixMilli()).Scan(
		&entry.Key, &entry.Namespace, &entry.Endpoint, &entry.TTLClass,
		&entry.Data, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}

	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.ExpiresAt = time.UnixMilli(expiresAt)

	return &entry, nil
}

// PutEntry inserts or replaces an entry.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, namespace, endpoint, ttl_class, data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			namespace = excluded.namespace,
			endpoint = excluded.endpoint,
			ttl_class = excluded.ttl_class,
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, entry.Key, entry.Namespace, entry.Endpoint, entry.TTLClass, entry.Data,
		entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}

	return nil
}

// DeleteEntries removes matching entries.
func (s *SQLiteStore) DeleteEntries(ctx context.Context, namespace, pattern string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE (? = '' OR namespace = ?) AND (? = '' OR instr(endpoint, ?) > 0)
	`, namespace, namespace, pattern, pattern)
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
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
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
func (s *SQLiteStore) Stats(ctx context.Context, namespace string, now time.Time) (*Stats, error) {
	var (
		stats  Stats
		oldest sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0), MIN(created_at)
		FROM cache_entries
		WHERE (? = '' OR namespace = ?) AND expires_at > ?
	`, namespace, namespace, now.UnixMilli()).Scan(&stats.Entries, &stats.SizeBytes, &oldest)
	if err != nil {
		return nil, fmt.Errorf("querying cache stats: %w", err)
	}

	if oldest.Valid {
		stats.OldestAge = now.Sub(time.UnixMilli(oldest.Int64))
	}

	return &stats, nil
}
