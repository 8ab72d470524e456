package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStore implements Store in process memory. Entries die with the process.
type MemoryStore struct {
	log  logrus.FieldLogger
	mu   sync.RWMutex
	data map[string]*Entry
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(log logrus.FieldLogger) Store {
	return &MemoryStore{
		log:  log.WithField("component", "store"),
		data: make(map[string]*Entry, 64),
	}
}

// Start is a no-op.
func (s *MemoryStore) Start(_ context.Context) error {
	s.log.Debug("Using in-memory cache store")

	return nil
}

// Stop drops all entries.
func (s *MemoryStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*Entry)

	return nil
}

// Migrate is a no-op.
func (s *MemoryStore) Migrate(_ context.Context) error {
	return nil
}

// GetEntry returns a copy of the live entry stored under key. Expired
// entries read as absent and stay until DeleteExpired.
func (s *MemoryStore) GetEntry(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	return cloneEntry(entry), nil
}

// PutEntry stores a copy of entry, replacing any previous value.
func (s *MemoryStore) PutEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[entry.Key] = cloneEntry(entry)

	return nil
}

// DeleteEntries removes matching entries.
func (s *MemoryStore) DeleteEntries(_ context.Context, namespace, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for key, entry := range s.data {
		if namespace != "" && entry.Namespace != namespace {
			continue
		}

		if pattern != "" && !strings.Contains(entry.Endpoint, pattern) {
			continue
		}

		delete(s.data, key)
		removed++
	}

	return removed, nil
}

// DeleteExpired removes entries that are stale at now.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for key, entry := range s.data {
		if entry.Expired(now) {
			delete(s.data, key)
			removed++
		}
	}

	return removed, nil
}

// Stats summarizes live entries in namespace.
func (s *MemoryStore) Stats(_ context.Context, namespace string, now time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}

	var oldest time.Time

	for _, entry := range s.data {
		if namespace != "" && entry.Namespace != namespace {
			continue
		}

		if entry.Expired(now) {
			continue
		}

		stats.Entries++
		stats.SizeBytes += int64(len(entry.Data))

		if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
			oldest = entry.CreatedAt
		}
	}

	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}

	return stats, nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)

	return &c
}
