package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/ethpandaops/projectoor/pkg/ratelimit"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/sirupsen/logrus"
)

var (
	// ErrThrottled means the remote service kept answering 429.
	ErrThrottled = errors.New("throttled by remote service")
	// ErrUnavailable means the remote service kept answering 502/503/504.
	ErrUnavailable = errors.New("remote service unavailable")
	// ErrStatus means the remote service answered with a non-retryable error status.
	ErrStatus = errors.New("unexpected status")
)

// Request is one API request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	// OrgID overrides the active organization for this request.
	OrgID string
	// Resolve maps filter names (the x in filter[x], or a bare query key) to
	// the resource type their value should be resolved as.
	Resolve        map[string]resolve.ResourceType
	ResolveOptions []resolve.Option
	// NoCache skips the cache for reads.
	NoCache bool
	// TTL overrides the cache TTL class for this read.
	TTL time.Duration
}

// Response is the outcome of a successful request.
type Response struct {
	Status      int                        `json:"status"`
	Headers     http.Header                `json:"-"`
	Body        []byte                     `json:"-"`
	Cached      bool                       `json:"cached"`
	Attempts    int                        `json:"attempts"`
	Resolutions map[string]*resolve.Result `json:"resolutions,omitempty"`
}

// RequestError is returned when a request fails for good.
type RequestError struct {
	Method   string
	Endpoint string
	Attempts int
	Status   int
	Body     []byte
	Err      error
}

func (e *RequestError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s failed after %d attempt", e.Method, e.Endpoint, e.Attempts)

	if e.Attempts != 1 {
		b.WriteString("s")
	}

	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}

	fmt.Fprintf(&b, ": %v", e.Err)

	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Dispatcher runs requests through resolution, cache, rate limiter and
// transport.
type Dispatcher interface {
	resolve.Fetcher

	Do(ctx context.Context, req *Request) (*Response, error)
	SetResolver(r resolve.Resolver)
	Cache() cache.Cache
	Limiter() *ratelimit.Limiter
}

// dispatcher implements Dispatcher.
type dispatcher struct {
	log       logrus.FieldLogger
	transport Transport
	cache     cache.Cache
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	resolver resolve.Resolver

	sleep func(ctx context.Context, d time.Duration) error
}

// Ensure dispatcher implements Dispatcher.
var _ Dispatcher = (*dispatcher)(nil)

// NewDispatcher creates a new dispatcher.
func NewDispatcher(
	log logrus.FieldLogger,
	transport Transport,
	c cache.Cache,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
) Dispatcher {
	return &dispatcher{
		log:       log.WithField("component", "dispatcher"),
		transport: transport,
		cache:     c,
		limiter:   limiter,
		metrics:   m,
		sleep:     sleepContext,
	}
}

// SetResolver sets the resolver used for Request.Resolve.
func (d *dispatcher) SetResolver(r resolve.Resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolver = r
}

func (d *dispatcher) getResolver() resolve.Resolver {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.resolver
}

// Cache returns the response cache.
func (d *dispatcher) Cache() cache.Cache {
	return d.cache
}

// Limiter returns the rate limiter.
func (d *dispatcher) Limiter() *ratelimit.Limiter {
	return d.limiter
}

// Fetch performs a cached, rate-limited GET for orgID without identifier
// resolution.
func (d *dispatcher) Fetch(ctx context.Context, path string, query url.Values, orgID string) ([]byte, error) {
	resp, err := d.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query, OrgID: orgID})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// Do runs req through the pipeline.
func (d *dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	path := "/" + strings.TrimLeft(req.Path, "/")
	query := cloneValues(req.Query)

	resp := &Response{}

	if len(req.Resolve) > 0 {
		resolutions, err := d.resolveQuery(ctx, query, req)
		if err != nil {
			return nil, err
		}

		resp.Resolutions = resolutions
	}

	cacheable := method == http.MethodGet && !req.NoCache

	if cacheable {
		if data, ok := d.cache.Get(ctx, path, query, req.OrgID); ok {
			resp.Status = http.StatusOK
			resp.Body = data
			resp.Cached = true

			return resp, nil
		}
	}

	reply, attempts, err := d.send(ctx, method, path, query, req)
	if err != nil {
		return nil, err
	}

	resp.Status = reply.Status
	resp.Headers = reply.Headers
	resp.Body = reply.Body
	resp.Attempts = attempts

	switch {
	case cacheable:
		var opts []cache.SetOption
		if req.TTL > 0 {
			opts = append(opts, cache.WithTTL(req.TTL))
		}

		d.cache.Set(ctx, path, query, req.OrgID, reply.Body, opts...)
	case method != http.MethodGet:
		if resource := cache.Resource(path); resource != "" {
			d.cache.InvalidateOrg(ctx, req.OrgID, resource)
		}
	}

	return resp, nil
}

// send performs the call, retrying throttled and transiently failed attempts.
func (d *dispatcher) send(
	ctx context.Context,
	method, path string,
	query url.Values,
	req *Request,
) (*Reply, int, error) {
	resource := cache.Resource(path)

	log := d.log.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": path,
	})

	fail := func(attempts, status int, body []byte, err error) (*Reply, int, error) {
		d.metrics.RecordFailure(resource)

		return nil, attempts, &RequestError{
			Method:   method,
			Endpoint: path,
			Attempts: attempts,
			Status:   status,
			Body:     body,
			Err:      err,
		}
	}

	for attempt := 0; ; attempt++ {
		if err := d.limiter.Acquire(ctx, path); err != nil {
			return fail(attempt, 0, nil, err)
		}

		start := time.Now()

		reply, err := d.transport.Call(ctx, &Call{
			Method: method,
			Path:   path,
			Query:  query,
			Body:   req.Body,
			OrgID:  req.OrgID,
		})
		if err != nil {
			d.metrics.RecordRequest(method, resource, "error", time.Since(start).Seconds())

			return fail(attempt+1, 0, nil, err)
		}

		status := strconv.Itoa(reply.Status)
		retryAfter := reply.Headers.Get("Retry-After")

		d.metrics.RecordRequest(method, resource, status, time.Since(start).Seconds())
		d.limiter.RecordResponse(reply.Status, retryAfter)

		if reply.Status < 400 {
			return reply, attempt + 1, nil
		}

		reason := retryReason(method, reply.Status)
		if reason == nil {
			return fail(attempt+1, reply.Status, reply.Body, ErrStatus)
		}

		if !d.limiter.ShouldRetry(attempt) {
			log.WithFields(logrus.Fields{
				"status":   reply.Status,
				"attempts": attempt + 1,
			}).Debug("Retries exhausted")

			return fail(attempt+1, reply.Status, reply.Body, reason)
		}

		delay := d.limiter.RetryDelay(attempt, retryAfter)

		log.WithFields(logrus.Fields{
			"status":  reply.Status,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("Retrying request")

		d.metrics.RecordRetry(resource, status)

		if err := d.sleep(ctx, delay); err != nil {
			return fail(attempt+1, reply.Status, reply.Body, err)
		}
	}
}

// retryReason returns the error a status would be reported as once retries
// run out, or nil when the status is not retried.
func retryReason(method string, status int) error {
	switch status {
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		if method == http.MethodGet {
			return ErrUnavailable
		}
	}

	return nil
}

// resolveQuery resolves the query values named in req.Resolve in place.
func (d *dispatcher) resolveQuery(
	ctx context.Context,
	query url.Values,
	req *Request,
) (map[string]*resolve.Result, error) {
	r := d.getResolver()
	if r == nil {
		d.log.Warn("Request asks for resolution but no resolver is configured")

		return nil, nil
	}

	filters := make(map[string]string, len(req.Resolve))
	keys := make(map[string]string, len(req.Resolve))

	for key := range query {
		name := filterName(key)
		if _, ok := req.Resolve[name]; !ok && name != "project_id" {
			continue
		}

		filters[name] = query.Get(key)
		keys[name] = key
	}

	if len(filters) == 0 {
		return nil, nil
	}

	opts := req.ResolveOptions
	if req.OrgID != "" {
		opts = append([]resolve.Option{resolve.WithOrgID(req.OrgID)}, opts...)
	}

	out, err := r.ResolveFilters(ctx, filters, req.Resolve, opts...)
	if err != nil {
		return nil, err
	}

	for name := range out.Metadata {
		query.Set(keys[name], out.Resolved[name])
	}

	if len(out.Metadata) == 0 {
		return nil, nil
	}

	return out.Metadata, nil
}

// filterName returns x for "filter[x]" and key otherwise.
func filterName(key string) string {
	if strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]") {
		return key[len("filter[") : len(key)-1]
	}

	return key
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}

	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
