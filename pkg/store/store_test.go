package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// envPostgresDSN points the store tests at a disposable PostgreSQL database.
const envPostgresDSN = "PROJECTOOR_TEST_POSTGRES_DSN"

// backends returns every store under test. Redis runs in process; PostgreSQL
// only when envPostgresDSN is set.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)

	stores := map[string]Store{
		DriverMemory: NewMemoryStore(testLogger()),
		DriverSQLite: NewSQLiteStore(testLogger(), filepath.Join(t.TempDir(), "cache", "test.db")),
		DriverRedis:  NewRedisStore(testLogger(), "redis://"+mr.Addr()+"/0", ""),
	}

	if dsn := os.Getenv(envPostgresDSN); dsn != "" {
		stores[DriverPostgres] = NewPostgresStore(testLogger(), dsn)
	}

	return stores
}

func startStore(t *testing.T, st Store) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, st.Start(ctx))
	require.NoError(t, st.Migrate(ctx))

	// Shared backends may hold entries from an earlier run.
	_, err := st.DeleteEntries(ctx, "", "")
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Stop() })
}

func newEntry(key, namespace, endpoint string, data string, created time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Key:       key,
		Namespace: namespace,
		Endpoint:  endpoint,
		TTLClass:  "standard",
		Data:      []byte(data),
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestStorePutGet(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			startStore(t, st)

			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)

			require.NoError(t, st.PutEntry(ctx, newEntry("org1:a", "org1", "projects", `{"data":[]}`, now, time.Hour)))

			got, err := st.GetEntry(ctx, "org1:a")
			require.NoError(t, err)

			assert.Equal(t, "org1", got.Namespace)
			assert.Equal(t, "projects", got.Endpoint)
			assert.Equal(t, []byte(`{"data":[]}`), got.Data)
			assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))

			_, err = st.GetEntry(ctx, "org1:missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreOverwrite(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			startStore(t, st)

			ctx := context.Background()
			now := time.Now()

			require.NoError(t, st.PutEntry(ctx, newEntry("k", "org1", "people", "old", now, time.Hour)))
			require.NoError(t, st.PutEntry(ctx, newEntry("k", "org1", "people", "new", now, time.Hour)))

			got, err := st.GetEntry(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "new", string(got.Data))
		})
	}
}

func TestStoreExpiredEntryIsAbsent(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			startStore(t, st)

			ctx := context.Background()
			created := time.Now().Add(-2 * time.Hour)

			require.NoError(t, st.PutEntry(ctx, newEntry("stale", "org1", "tasks", "x", created, time.Hour)))

			_, err := st.GetEntry(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)

			// Redis never stores an entry that is already expired.
			want := 1
			if name == DriverRedis {
				want = 0
			}

			removed, err := st.DeleteExpired(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, want, removed)

			_, err = st.GetEntry(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteEntries(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			startStore(t, st)

			ctx := context.Background()
			now := time.Now()

			entries := []*Entry{
				newEntry("org1:1", "org1", "projects", "a", now, time.Hour),
				newEntry("org1:2", "org1", "projects/12", "b", now, time.Hour),
				newEntry("org1:3", "org1", "people", "c", now, time.Hour),
				newEntry("org2:1", "org2", "projects", "d", now, time.Hour),
			}

			for _, e := range entries {
				require.NoError(t, st.PutEntry(ctx, e))
			}

			removed, err := st.DeleteEntries(ctx, "org1", "projects")
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			_, err = st.GetEntry(ctx, "org1:3")
			assert.NoError(t, err, "non-matching endpoint survives")

			_, err = st.GetEntry(ctx, "org2:1")
			assert.NoError(t, err, "other namespace survives")

			removed, err = st.DeleteEntries(ctx, "", "")
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
		})
	}
}

func TestStoreStats(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			startStore(t, st)

			ctx := context.Background()
			now := time.Now()

			require.NoError(t, st.PutEntry(ctx, newEntry("a", "org1", "projects", "1234", now.Add(-time.Minute), time.Hour)))
			require.NoError(t, st.PutEntry(ctx, newEntry("b", "org1", "people", "12", now.Add(-10*time.Second), time.Hour)))
			require.NoError(t, st.PutEntry(ctx, newEntry("c", "org2", "people", "123456", now, time.Hour)))
			require.NoError(t, st.PutEntry(ctx, newEntry("d", "org1", "tasks", "zz", now.Add(-3*time.Hour), time.Hour)))

			stats, err := st.Stats(ctx, "org1", now)
			require.NoError(t, err)

			assert.Equal(t, 2, stats.Entries)
			assert.Equal(t, int64(6), stats.SizeBytes)
			assert.InDelta(t, time.Minute.Seconds(), stats.OldestAge.Seconds(), 0.01)

			all, err := st.Stats(ctx, "", now)
			require.NoError(t, err)
			assert.Equal(t, 3, all.Entries)

			empty, err := st.Stats(ctx, "org9", now)
			require.NoError(t, err)
			assert.Equal(t, 0, empty.Entries)
			assert.Zero(t, empty.OldestAge)
		})
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := New(testLogger(), Options{Driver: "etcd"})
	require.Error(t, err)

	st, err := New(testLogger(), Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)
}

func TestRedisKeyPrefix(t *testing.T) {
	st := NewRedisStore(testLogger(), "localhost:6379", "custom:").(*RedisStore)
	assert.Equal(t, "custom:org1:abc", st.redisKey("org1:abc"))

	def := NewRedisStore(testLogger(), "localhost:6379", "").(*RedisStore)
	assert.Equal(t, defaultRedisKeyPrefix+":k", def.redisKey("k"))
}

func TestRedisDropsUndecodableEntry(t *testing.T) {
	mr := miniredis.RunT(t)

	st := NewRedisStore(testLogger(), mr.Addr(), "")
	startStore(t, st)

	require.NoError(t, mr.Set(defaultRedisKeyPrefix+":org1:bad", "not json"))

	_, err := st.GetEntry(context.Background(), "org1:bad")
	require.Error(t, err)
	assert.False(t, mr.Exists(defaultRedisKeyPrefix+":org1:bad"))

	stats, err := st.Stats(context.Background(), "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}
