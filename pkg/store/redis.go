package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultRedisKeyPrefix = "projectoor:cache"
	redisScanCount        = 200
)

// RedisStore implements Store on Redis. Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	log    logrus.FieldLogger
	url    string
	prefix string
	client *redis.Client
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store. url is either a redis:// URL or a
// plain host:port address.
func NewRedisStore(log logrus.FieldLogger, url, keyPrefix string) Store {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	return &RedisStore{
		log:    log.WithField("component", "store"),
		url:    url,
		prefix: strings.TrimSuffix(keyPrefix, ":"),
	}
}

// Start connects to Redis.
func (s *RedisStore) Start(ctx context.Context) error {
	s.log.Debug("Connecting to Redis")

	client, err := connectRedis(s.url)
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return fmt.Errorf("pinging redis: %w", err)
	}

	s.client = client

	return nil
}

func connectRedis(url string) (*redis.Client, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}

		return redis.NewClient(opt), nil
	}

	return redis.NewClient(&redis.Options{Addr: url}), nil
}

// Stop closes the connection.
func (s *RedisStore) Stop() error {
	if s.client != nil {
		return s.client.Close()
	}

	return nil
}

// Migrate is a no-op; Redis has no schema.
func (s *RedisStore) Migrate(_ context.Context) error {
	return nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

// GetEntry returns the live entry stored under key.
func (s *RedisStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting cache entry: %w", err)
	}

	var entry Entry
	if err := sonic.Unmarshal(raw, &entry); err != nil {
		// Unreadable payloads are dropped so they cannot poison later reads.
		if derr := s.client.Del(ctx, s.redisKey(key)).Err(); derr != nil {
			s.log.WithError(derr).WithField("key", key).Warn("Failed to drop undecodable cache entry")
		}

		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}

	if entry.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	return &entry, nil
}

// PutEntry stores entry with a Redis TTL matching its expiry.
func (s *RedisStore) PutEntry(ctx context.Context, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	raw, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.redisKey(entry.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("setting cache entry: %w", err)
	}

	return nil
}

// DeleteEntries removes matching entries.
func (s *RedisStore) DeleteEntries(ctx context.Context, namespace, pattern string) (int, error) {
	removed := 0

	err := s.scan(ctx, func(key string, entry *Entry) error {
		if namespace != "" && entry.Namespace != namespace {
			return nil
		}

		if pattern != "" && !strings.Contains(entry.Endpoint, pattern) {
			return nil
		}

		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("deleting cache entry: %w", err)
		}

		removed += int(n)

		return nil
	})

	return removed, err
}

// DeleteExpired is a no-op; Redis evicts expired keys itself.
func (s *RedisStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Stats summarizes live entries in namespace.
func (s *RedisStore) Stats(ctx context.Context, namespace string, now time.Time) (*Stats, error) {
	stats := &Stats{}

	var oldest time.Time

	err := s.scan(ctx, func(_ string, entry *Entry) error {
		if namespace != "" && entry.Namespace != namespace {
			return nil
		}

		if entry.Expired(now) {
			return nil
		}

		stats.Entries++
		stats.SizeBytes += int64(len(entry.Data))

		if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
			oldest = entry.CreatedAt
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}

	return stats, nil
}

// scan walks every key under the prefix and decodes its entry.
func (s *RedisStore) scan(ctx context.Context, fn func(key string, entry *Entry) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", redisScanCount).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return fmt.Errorf("getting cache entry: %w", err)
		}

		var entry Entry
		if err := sonic.Unmarshal(raw, &entry); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Skipping undecodable cache entry")

			continue
		}

		if err := fn(key, &entry); err != nil {
			return err
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache entries: %w", err)
	}

	return nil
}
