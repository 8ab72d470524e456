package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no live entry.
var ErrNotFound = errors.New("entry not found")

// Store defines the key-value persistence backend used by the response cache.
type Store interface {
	// Lifecycle.
	Start(ctx context.Context) error
	Stop() error

	// Entries.
	GetEntry(ctx context.Context, key string) (*Entry, error)
	PutEntry(ctx context.Context, entry *Entry) error

	// DeleteEntries removes entries in namespace whose endpoint contains
	// pattern. An empty namespace matches every namespace and an empty
	// pattern matches every endpoint.
	DeleteEntries(ctx context.Context, namespace, pattern string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Diagnostics.
	Stats(ctx context.Context, namespace string, now time.Time) (*Stats, error)

	// Migrations.
	Migrate(ctx context.Context) error
}

// Entry is a cached response payload.
type Entry struct {
	Key       string    `json:"key"`
	Namespace string    `json:"namespace"`
	Endpoint  string    `json:"endpoint"`
	TTLClass  string    `json:"ttl_class"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a diagnostic snapshot of live entries.
type Stats struct {
	Entries   int           `json:"entries"`
	SizeBytes int64         `json:"size_bytes"`
	OldestAge time.Duration `json:"-"`
}
