package cache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/ethpandaops/projectoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Cache stores API responses keyed by endpoint, query and organization.
//
// Backend failures never surface: reads become misses, writes are skipped.
type Cache interface {
	// SetOrgID switches the active namespace.
	SetOrgID(orgID string)
	// OrgID returns the active namespace's organization.
	OrgID() string
	// Enabled reports whether the cache does anything.
	Enabled() bool
	// Get returns the cached payload, or false on a miss.
	Get(ctx context.Context, endpoint string, query url.Values, orgID string) ([]byte, bool)
	// Set stores data under the key for (endpoint, query, orgID).
	Set(ctx context.Context, endpoint string, query url.Values, orgID string, data []byte, opts ...SetOption)
	// Invalidate removes entries whose endpoint contains pattern, or all
	// entries when pattern is empty. It returns the number removed.
	Invalidate(ctx context.Context, pattern string) int
	// InvalidateOrg is Invalidate scoped to orgID. An empty orgID behaves
	// like Invalidate.
	InvalidateOrg(ctx context.Context, orgID, pattern string) int
	// Stats returns a snapshot of the active namespace.
	Stats(ctx context.Context) Stats
	// Prune removes expired entries from the backend.
	Prune(ctx context.Context) int
}

// Options configures the cache.
type Options struct {
	Enabled      bool
	ReferenceTTL time.Duration
	StandardTTL  time.Duration
	VolatileTTL  time.Duration
	// ResourceTTL overrides the class TTL for single resources.
	ResourceTTL map[string]time.Duration
}

// DefaultOptions returns an enabled cache with the default TTL table.
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		ReferenceTTL: DefaultReferenceTTL,
		StandardTTL:  DefaultStandardTTL,
		VolatileTTL:  DefaultVolatileTTL,
	}
}

// Stats is a diagnostic snapshot.
type Stats struct {
	Enabled          bool          `json:"enabled"`
	Namespace        string        `json:"namespace"`
	Entries          int           `json:"entries"`
	SizeBytes        int64         `json:"size_bytes"`
	OldestAge        time.Duration `json:"-"`
	OldestAgeSeconds float64       `json:"oldest_age_seconds"`
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl    time.Duration
	hasTTL bool
}

// WithTTL overrides the class TTL. A non-positive TTL skips the write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// cache implements Cache.
type cache struct {
	log     logrus.FieldLogger
	store   store.Store
	opts    Options
	metrics *metrics.Metrics

	mu    sync.RWMutex
	orgID string

	now func() time.Time
}

// Ensure cache implements Cache.
var _ Cache = (*cache)(nil)

// New creates a new cache over st. A nil store disables the cache.
func New(log logrus.FieldLogger, st store.Store, opts Options, m *metrics.Metrics) Cache {
	if opts.ReferenceTTL <= 0 {
		opts.ReferenceTTL = DefaultReferenceTTL
	}

	if opts.StandardTTL <= 0 {
		opts.StandardTTL = DefaultStandardTTL
	}

	if opts.VolatileTTL <= 0 {
		opts.VolatileTTL = DefaultVolatileTTL
	}

	if st == nil {
		opts.Enabled = false
	}

	return &cache{
		log:     log.WithField("component", "cache"),
		store:   st,
		opts:    opts,
		metrics: m,
		now:     time.Now,
	}
}

// SetOrgID switches the active namespace. Other namespaces keep their data.
func (c *cache) SetOrgID(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orgID != orgID {
		c.log.WithField("org_id", orgID).Debug("Switching cache namespace")
	}

	c.orgID = orgID
}

// OrgID returns the active organization.
func (c *cache) OrgID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.orgID
}

// Enabled reports whether the cache is active.
func (c *cache) Enabled() bool {
	return c.opts.Enabled
}

// scope returns orgID, or the active organization when orgID is empty.
func (c *cache) scope(orgID string) string {
	if orgID != "" {
		return orgID
	}

	return c.OrgID()
}

// Get returns the cached payload for (endpoint, query, orgID).
func (c *cache) Get(ctx context.Context, endpoint string, query url.Values, orgID string) ([]byte, bool) {
	if !c.opts.Enabled {
		return nil, false
	}

	class := ClassFor(endpoint)
	key := Key(endpoint, query, c.scope(orgID))

	entry, err := c.store.GetEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WithError(err).WithField("endpoint", endpoint).Warn("Cache read failed, treating as miss")
			c.metrics.RecordCacheError("get")
		}

		c.metrics.RecordCacheMiss(class)

		return nil, false
	}

	if entry.Expired(c.now()) {
		c.metrics.RecordCacheMiss(class)

		return nil, false
	}

	c.metrics.RecordCacheHit(class)

	c.log.WithFields(logrus.Fields{
		"endpoint":  endpoint,
		"ttl_class": entry.TTLClass,
	}).Debug("Cache hit")

	return entry.Data, true
}

// Set stores data for (endpoint, query, orgID).
func (c *cache) Set(
	ctx context.Context,
	endpoint string,
	query url.Values,
	orgID string,
	data []byte,
	opts ...SetOption,
) {
	if !c.opts.Enabled {
		return
	}

	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}

	class, ttl := c.opts.ttlFor(endpoint)
	if so.hasTTL {
		ttl = so.ttl
	}

	if ttl <= 0 {
		return
	}

	if data == nil {
		data = []byte{}
	}

	scope := c.scope(orgID)
	now := c.now()

	entry := &store.Entry{
		Key:       Key(endpoint, query, scope),
		Namespace: namespaceFor(scope),
		Endpoint:  endpoint,
		TTLClass:  class,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := c.store.PutEntry(ctx, entry); err != nil {
		c.log.WithError(err).WithField("endpoint", endpoint).Warn("Cache write failed, skipping")
		c.metrics.RecordCacheError("set")

		return
	}

	c.metrics.RecordCacheWrite(class)
}

// namespaceScope returns the namespace used by Invalidate and Stats. An empty
// result covers every namespace.
func (c *cache) namespaceScope() string {
	if orgID := c.OrgID(); orgID != "" {
		return namespaceFor(orgID)
	}

	return ""
}

// Invalidate removes matching entries in the active namespace.
func (c *cache) Invalidate(ctx context.Context, pattern string) int {
	return c.InvalidateOrg(ctx, "", pattern)
}

// InvalidateOrg removes matching entries in orgID's namespace.
func (c *cache) InvalidateOrg(ctx context.Context, orgID, pattern string) int {
	if !c.opts.Enabled {
		return 0
	}

	namespace := c.namespaceScope()
	if orgID != "" {
		namespace = namespaceFor(orgID)
	}

	removed, err := c.store.DeleteEntries(ctx, namespace, pattern)
	if err != nil {
		c.log.WithError(err).WithField("pattern", pattern).Warn("Cache invalidation failed")
		c.metrics.RecordCacheError("invalidate")

		return 0
	}

	c.metrics.RecordCacheInvalidation(removed)

	c.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"pattern":   pattern,
		"removed":   removed,
	}).Debug("Invalidated cache entries")

	return removed
}

// Stats returns a snapshot of the active namespace.
func (c *cache) Stats(ctx context.Context) Stats {
	stats := Stats{
		Enabled:   c.opts.Enabled,
		Namespace: c.namespaceScope(),
	}

	if !c.opts.Enabled {
		return stats
	}

	s, err := c.store.Stats(ctx, stats.Namespace, c.now())
	if err != nil {
		c.log.WithError(err).Warn("Reading cache stats failed")
		c.metrics.RecordCacheError("stats")

		return stats
	}

	stats.Entries = s.Entries
	stats.SizeBytes = s.SizeBytes
	stats.OldestAge = s.OldestAge
	stats.OldestAgeSeconds = s.OldestAge.Seconds()

	return stats
}

// Prune removes expired entries in every namespace.
func (c *cache) Prune(ctx context.Context) int {
	if !c.opts.Enabled {
		return 0
	}

	removed, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		c.log.WithError(err).Warn("Pruning cache failed")
		c.metrics.RecordCacheError("prune")

		return 0
	}

	c.metrics.RecordCachePrune(removed)

	if removed > 0 {
		c.log.WithField("removed", removed).Info("Pruned expired cache entries")
	}

	return removed
}
