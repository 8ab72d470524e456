package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/dispatcher"
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

type fixture struct {
	handler http.Handler
	calls   []*dispatcher.Call
}

func newFixture(t *testing.T, rpm int, transport func(call *dispatcher.Call) *dispatcher.Reply) *fixture {
	t.Helper()

	log := testLogger()
	f := &fixture{}

	st := store.NewMemoryStore(log)
	require.NoError(t, st.Start(context.Background()))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tr := dispatcher.TransportFunc(func(_ context.Context, call *dispatcher.Call) (*dispatcher.Reply, error) {
		f.calls = append(f.calls, call)

		return transport(call), nil
	})

	d := dispatcher.NewDispatcher(log, tr, cache.New(log, st, cache.DefaultOptions(), m), ratelimit.New(log, ratelimit.DefaultOptions()), m)
	r := resolve.New(log, d, m)
	d.SetResolver(r)

	f.handler = NewServer(log, Options{RequestsPerMinute: rpm, OrganizationID: "1"}, d, r, m, reg).Handler()

	return f
}

func okTransport(call *dispatcher.Call) *dispatcher.Reply {
	if call.Path == "/people" {
		return &dispatcher.Reply{
			Status: http.StatusOK,
			Body:   []byte(`{"data":[{"id":"42","type":"people","attributes":{"first_name":"John","last_name":"Smith"}}]}`),
		}
	}

	return &dispatcher.Reply{Status: http.StatusOK, Body: []byte(`{"data":[{"id":"7"}]}`)}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()

	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.CacheEnabled)
	assert.True(t, resp.RateLimitEnabled)
}

func TestRequestAndCacheEndpoints(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	body := `{"method":"GET","path":"/projects","query":{"page[size]":["5"]}}`

	rec := f.do(t, http.MethodPost, "/api/v1/request", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var first ProxyResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Cached)
	assert.JSONEq(t, `{"data":[{"id":"7"}]}`, string(first.Body))

	rec = f.do(t, http.MethodPost, "/api/v1/request", body)

	var second ProxyResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Len(t, f.calls, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats CacheStatsResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.WindowUsage[ratelimit.ClassStandard])

	rec = f.do(t, http.MethodDelete, "/api/v1/cache?pattern=projects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/cache/prune", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":0}`, rec.Body.String())
}

func TestRequestWithResolution(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	rec := f.do(t, http.MethodPost, "/api/v1/request",
		`{"path":"/tasks","query":{"filter[assignee_id]":["John Smith"]},"resolve":{"assignee_id":"person"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ProxyResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Resolutions, "assignee_id")
	assert.Equal(t, "42", resp.Resolutions["assignee_id"].ID)

	last := f.calls[len(f.calls)-1]
	assert.Equal(t, "42", last.Query.Get("filter[assignee_id]"))
}

func TestRequestFailureMapping(t *testing.T) {
	f := newFixture(t, 0, func(*dispatcher.Call) *dispatcher.Reply {
		return &dispatcher.Reply{Status: http.StatusNotFound, Body: []byte(`{"errors":[]}`)}
	})

	rec := f.do(t, http.MethodPost, "/api/v1/request", `{"path":"/projects/1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp ErrorResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "/projects/1", resp.Endpoint)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	testCases := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "malformed", body: "{"},
		{name: "no path", body: `{"method":"GET"}`},
		{name: "bad resource type", body: `{"path":"/tasks","resolve":{"x":"planet"}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/request", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture(t, 0, func(call *dispatcher.Call) *dispatcher.Reply {
		if call.Path == "/people" {
			return okTransport(call)
		}

		return &dispatcher.Reply{Status: http.StatusOK, Body: []byte(`{"data":[]}`)}
	})

	rec := f.do(t, http.MethodPost, "/api/v1/resolve", `{"type":"person","value":"John Smith"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ResolveResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.ID)
	assert.True(t, resp.Resolved)
	assert.Equal(t, "John Smith", resp.Result.Label)

	rec = f.do(t, http.MethodPost, "/api/v1/resolve", `{"type":"project","value":"123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"123","resolved":false}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/resolve", `{"type":"company","value":"Nobody"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/resolve", `{"type":"planet","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	f.do(t, http.MethodGet, "/health", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "projectoor_http_requests_total")
}

func TestGatewayRateLimit(t *testing.T) {
	f := newFixture(t, 2, okTransport)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIPRateLimiterCleanup(t *testing.T) {
	l := NewIPRateLimiter(10)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.getLimiter("10.0.0.1")

	l.now = func() time.Time { return base.Add(2 * visitorTTL) }
	l.getLimiter("10.0.0.2")
	l.cleanup(visitorTTL)

	assert.Len(t, l.visitors, 1)
	assert.Contains(t, l.visitors, "10.0.0.2")
}

func TestClientKey(t *testing.T) {
	assert.Equal(t, "192.0.2.1", clientKey("192.0.2.1:1234"))
	assert.Equal(t, "192.0.2.1", clientKey("192.0.2.1"))
}

func TestResolveEndpointOrganization(t *testing.T) {
	f := newFixture(t, 0, okTransport)

	rec := f.do(t, http.MethodPost, "/api/v1/resolve", `{"type":"person","value":"John Smith","org_id":"200"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.calls, 1)
	assert.Equal(t, "200", f.calls[0].OrgID)
}
