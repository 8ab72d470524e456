package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/ethpandaops/projectoor/pkg/ratelimit"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/ethpandaops/projectoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// scriptedTransport replays replies in order and records every call.
type scriptedTransport struct {
	mu      sync.Mutex
	replies []*Reply
	calls   []*Call
	handler func(call *Call) (*Reply, error)
}

func (s *scriptedTransport) Call(_ context.Context, call *Call) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call)

	if s.handler != nil {
		return s.handler(call)
	}

	if len(s.replies) == 0 {
		return &Reply{Status: http.StatusOK, Body: []byte(`{"data":[]}`)}, nil
	}

	r := s.replies[0]
	s.replies = s.replies[1:]

	return r, nil
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

func reply(status int, body string, headers ...string) *Reply {
	h := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}

	return &Reply{Status: status, Headers: h, Body: []byte(body)}
}

type harness struct {
	d      *dispatcher
	tr     *scriptedTransport
	cache  cache.Cache
	delays []time.Duration
}

func newHarness(t *testing.T, rlOpts ratelimit.Options) *harness {
	t.Helper()

	log := testLogger()

	st := store.NewMemoryStore(log)
	require.NoError(t, st.Start(context.Background()))

	h := &harness{
		tr:    &scriptedTransport{},
		cache: cache.New(log, st, cache.DefaultOptions(), nil),
	}

	m := metrics.New(prometheus.NewRegistry())
	h.d = NewDispatcher(log, h.tr, h.cache, ratelimit.New(log, rlOpts), m).(*dispatcher)
	h.d.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)

		return nil
	}

	return h
}

func TestDoCachesReads(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.replies = []*Reply{reply(http.StatusOK, `{"data":[{"id":"1"}]}`)}

	ctx := context.Background()
	req := &Request{Method: http.MethodGet, Path: "projects", Query: url.Values{"page[size]": {"5"}}}

	first, err := h.d.Do(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Attempts)

	second, err := h.d.Do(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, h.tr.callCount())

	req.NoCache = true

	_, err = h.d.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, h.tr.callCount(), "NoCache bypasses the cache")
}

func TestDoRetriesThrottledWithRetryAfter(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.replies = []*Reply{
		reply(http.StatusTooManyRequests, "", "Retry-After", "5"),
		reply(http.StatusTooManyRequests, "", "Retry-After", "1"),
		reply(http.StatusOK, `{"data":[]}`),
	}

	resp, err := h.d.Do(context.Background(), &Request{Path: "/tasks"})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second}, h.delays)
}

func TestDoSurfacesExhaustionOnce(t *testing.T) {
	opts := ratelimit.DefaultOptions()
	opts.MaxRetries = 2

	h := newHarness(t, opts)
	h.tr.handler = func(*Call) (*Reply, error) {
		return reply(http.StatusTooManyRequests, `{"errors":[{"status":"429"}]}`), nil
	}

	_, err := h.d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/projects"})
	require.Error(t, err)

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "/projects", rerr.Endpoint)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, rerr.Status)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Len(t, h.delays, 2)
}

func TestDoDisabledLimiterFailsImmediately(t *testing.T) {
	opts := ratelimit.DefaultOptions()
	opts.Enabled = false

	h := newHarness(t, opts)
	h.tr.replies = []*Reply{reply(http.StatusTooManyRequests, "")}

	_, err := h.d.Do(context.Background(), &Request{Path: "/projects"})

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.Attempts)
	assert.Empty(t, h.delays)
}

func TestDoRetriesUnavailableOnlyForReads(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.replies = []*Reply{
		reply(http.StatusServiceUnavailable, ""),
		reply(http.StatusOK, `{"data":[]}`),
	}

	resp, err := h.d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/people"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)

	h.tr.replies = []*Reply{reply(http.StatusServiceUnavailable, "")}

	_, err = h.d.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/people", Body: []byte(`{}`)})

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.Attempts)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestDoClientErrorNotRetried(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.replies = []*Reply{reply(http.StatusNotFound, `{"errors":[]}`)}

	_, err := h.d.Do(context.Background(), &Request{Path: "/projects/9"})

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)
	assert.Equal(t, `{"errors":[]}`, string(rerr.Body))
	assert.Equal(t, 1, h.tr.callCount())
}

func TestDoTransportErrorWrapped(t *testing.T) {
	boom := errors.New("connection refused")

	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.handler = func(*Call) (*Reply, error) { return nil, boom }

	_, err := h.d.Do(context.Background(), &Request{Path: "/projects"})

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rerr.Attempts)
}

func TestDoWriteInvalidatesResource(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	ctx := context.Background()

	_, err := h.d.Do(ctx, &Request{Path: "/tasks", Query: url.Values{"filter[project_id]": {"1"}}})
	require.NoError(t, err)

	_, err = h.d.Do(ctx, &Request{Path: "/people"})
	require.NoError(t, err)

	assert.Equal(t, 2, h.cache.Stats(ctx).Entries)

	_, err = h.d.Do(ctx, &Request{Method: http.MethodPatch, Path: "/tasks/5", Body: []byte(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, 1, h.cache.Stats(ctx).Entries, "only task entries are dropped")
}

func TestDoWriteInvalidatesRequestOrganization(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.cache.SetOrgID("100")

	ctx := context.Background()
	read := &Request{Path: "/tasks", OrgID: "200"}

	_, err := h.d.Do(ctx, read)
	require.NoError(t, err)

	_, err = h.d.Do(ctx, &Request{Method: http.MethodPost, Path: "/tasks", OrgID: "200", Body: []byte(`{}`)})
	require.NoError(t, err)

	resp, err := h.d.Do(ctx, read)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "write in org 200 drops its cached reads")
	assert.Equal(t, 3, h.tr.callCount())
}

func TestDoResolvesWithinRequestOrganization(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.cache.SetOrgID("100")
	h.tr.handler = func(call *Call) (*Reply, error) {
		if call.Path == "/people" && call.OrgID == "200" {
			return reply(http.StatusOK, `{"data":[{"id":"42","type":"people","attributes":{"email":"john@x.com"}}]}`), nil
		}

		return reply(http.StatusOK, `{"data":[]}`), nil
	}

	h.d.SetResolver(resolve.New(testLogger(), h.d, nil))

	resp, err := h.d.Do(context.Background(), &Request{
		Path:    "/tasks",
		OrgID:   "200",
		Query:   url.Values{"filter[assignee_id]": {"john@x.com"}},
		Resolve: map[string]resolve.ResourceType{"assignee_id": resolve.Person},
	})
	require.NoError(t, err)
	require.Contains(t, resp.Resolutions, "assignee_id")
	assert.Equal(t, "42", resp.Resolutions["assignee_id"].ID)

	require.Equal(t, 2, h.tr.callCount())

	for _, call := range h.tr.calls {
		assert.Equal(t, "200", call.OrgID, call.Path)
	}

	// The lookup was cached under org 200, not the active org.
	_, ok := h.cache.Get(context.Background(), "/people",
		url.Values{"filter[email]": {"john@x.com"}, "page[size]": {"10"}}, "200")
	assert.True(t, ok)

	_, ok = h.cache.Get(context.Background(), "/people",
		url.Values{"filter[email]": {"john@x.com"}, "page[size]": {"10"}}, "")
	assert.False(t, ok)
}

func TestDoResolvesQueryFilters(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultOptions())
	h.tr.handler = func(call *Call) (*Reply, error) {
		if call.Path == "/people" {
			return reply(http.StatusOK, `{"data":[{"id":"42","type":"people","attributes":{"first_name":"John","last_name":"Smith","email":"john@x.com"}}]}`), nil
		}

		return reply(http.StatusOK, `{"data":[]}`), nil
	}

	h.d.SetResolver(resolve.New(testLogger(), h.d, nil))

	resp, err := h.d.Do(context.Background(), &Request{
		Path: "/tasks",
		Query: url.Values{
			"filter[assignee_id]": {"john@x.com"},
			"filter[project_id]":  {"500"},
		},
		Resolve: map[string]resolve.ResourceType{
			"assignee_id": resolve.Person,
			"project_id":  resolve.Project,
		},
	})
	require.NoError(t, err)

	require.Len(t, resp.Resolutions, 1)
	assert.Equal(t, "42", resp.Resolutions["assignee_id"].ID)

	require.Equal(t, 2, h.tr.callCount())

	last := h.tr.calls[1]
	assert.Equal(t, "/tasks", last.Path)
	assert.Equal(t, "42", last.Query.Get("filter[assignee_id]"))
	assert.Equal(t, "500", last.Query.Get("filter[project_id]"))
}

func TestDoAcquireCancelled(t *testing.T) {
	opts := ratelimit.DefaultOptions()
	opts.StandardLimit = 1
	opts.StandardWindow = time.Minute

	h := newHarness(t, opts)

	_, err := h.d.Do(context.Background(), &Request{Path: "/projects", NoCache: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = h.d.Do(ctx, &Request{Path: "/projects", NoCache: true})

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.tr.callCount())
}

func TestRequestErrorMessage(t *testing.T) {
	err := &RequestError{Method: "GET", Endpoint: "/x", Attempts: 1, Err: ErrStatus, Status: 400}
	assert.Equal(t, "GET /x failed after 1 attempt (status 400): unexpected status", err.Error())
}

func TestFilterName(t *testing.T) {
	assert.Equal(t, "assignee_id", filterName("filter[assignee_id]"))
	assert.Equal(t, "sort", filterName("sort"))
}
