package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/dispatcher"
	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxRequestBody = 4 << 20

// Options configures the gateway.
type Options struct {
	Listen            string
	RequestsPerMinute int
	OrganizationID    string
}

// Server is the local HTTP gateway in front of the dispatcher.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
}

// server implements Server.
type server struct {
	log        logrus.FieldLogger
	opts       Options
	dispatcher dispatcher.Dispatcher
	resolver   resolve.Resolver
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	limiter    *IPRateLimiter
	srv        *http.Server
	router     chi.Router
}

// Ensure server implements Server.
var _ Server = (*server)(nil)

// NewServer creates a new gateway server.
func NewServer(
	log logrus.FieldLogger,
	opts Options,
	d dispatcher.Dispatcher,
	r resolve.Resolver,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
) Server {
	s := &server{
		log:        log.WithField("component", "api"),
		opts:       opts,
		dispatcher: d,
		resolver:   r,
		metrics:    m,
		gatherer:   gatherer,
	}

	if opts.RequestsPerMinute > 0 {
		s.limiter = NewIPRateLimiter(opts.RequestsPerMinute)
	}

	s.setupRouter()

	return s
}

// Start starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", s.opts.Listen).Info("Starting gateway")

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.srv == nil {
		return nil
	}

	s.log.Info("Stopping gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

// Handler returns the router.
func (s *server) Handler() http.Handler {
	return s.router
}

func (s *server) setupRouter() {
	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))

		// Cache.
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheInvalidate)
		r.Post("/cache/prune", s.handleCachePrune)

		// Resolution.
		r.Post("/resolve", s.handleResolve)

		// Requests.
		r.Post("/request", s.handleRequest)
	})

	s.router = r
}

// instrument logs and records every request.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		duration := time.Since(start)

		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), duration.Seconds())

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       route,
			"status":     status,
			"duration":   duration,
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Handled request")
	})
}

// ============================================================================
// Response helpers
// ============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error    string `json:"error"`
	Status   int    `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, data any) {
	payload, err := sonic.Marshal(data)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	//nolint:errcheck // Response writing errors are not recoverable
	w.Write(payload)
}

func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	if len(data) == 0 {
		return errors.New("empty body")
	}

	if err := sonic.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}

	return nil
}

// ============================================================================
// Handlers
// ============================================================================

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	OrganizationID   string `json:"organization_id,omitempty"`
	CacheEnabled     bool   `json:"cache_enabled"`
	RateLimitEnabled bool   `json:"rate_limit_enabled"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		OrganizationID:   s.opts.OrganizationID,
		CacheEnabled:     s.dispatcher.Cache().Enabled(),
		RateLimitEnabled: s.dispatcher.Limiter().Enabled(),
	})
}

// CacheStatsResponse combines cache and outbound window usage.
type CacheStatsResponse struct {
	cache.Stats
	WindowUsage map[string]int `json:"window_usage"`
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Cache().Stats(r.Context())

	s.writeJSON(w, http.StatusOK, CacheStatsResponse{
		Stats:       stats,
		WindowUsage: s.dispatcher.Limiter().Usage(),
	})
}

// CountResponse reports how many cache entries an operation removed.
type CountResponse struct {
	Removed int `json:"removed"`
}

func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	removed := s.dispatcher.Cache().Invalidate(r.Context(), r.URL.Query().Get("pattern"))

	s.writeJSON(w, http.StatusOK, CountResponse{Removed: removed})
}

func (s *server) handleCachePrune(w http.ResponseWriter, r *http.Request) {
	removed := s.dispatcher.Cache().Prune(r.Context())

	s.writeJSON(w, http.StatusOK, CountResponse{Removed: removed})
}

// ResolveRequest asks for one value to be resolved.
type ResolveRequest struct {
	Type            string `json:"type"`
	Value           string `json:"value"`
	ProjectID       string `json:"project_id,omitempty"`
	OrgID           string `json:"org_id,omitempty"`
	PreferExact     bool   `json:"prefer_exact,omitempty"`
	RejectAmbiguous bool   `json:"reject_ambiguous,omitempty"`
}

// ResolveResponse is the outcome of a resolution.
type ResolveResponse struct {
	ID       string          `json:"id"`
	Resolved bool            `json:"resolved"`
	Result   *resolve.Result `json:"result,omitempty"`
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	rt, err := resolve.ParseResourceType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if req.Value == "" {
		s.writeError(w, http.StatusBadRequest, "value is required")

		return
	}

	var opts []resolve.Option
	if req.ProjectID != "" {
		opts = append(opts, resolve.WithProjectID(req.ProjectID))
	}

	if req.OrgID != "" {
		opts = append(opts, resolve.WithOrgID(req.OrgID))
	}

	if req.PreferExact {
		opts = append(opts, resolve.PreferExact())
	}

	if req.RejectAmbiguous {
		opts = append(opts, resolve.RejectAmbiguous())
	}

	id, result, err := s.resolver.ResolveValue(r.Context(), req.Value, rt, opts...)
	if err != nil {
		s.writeResolveError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, ResolveResponse{
		ID:       id,
		Resolved: result != nil,
		Result:   result,
	})
}

func (s *server) writeResolveError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, resolve.ErrNoMatch):
		status = http.StatusNotFound
	case errors.Is(err, resolve.ErrAmbiguous):
		status = http.StatusConflict
	}

	s.writeError(w, status, err.Error())
}

// ProxyRequest is a request forwarded to the remote API.
type ProxyRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
	OrgID   string              `json:"org_id,omitempty"`
	Resolve map[string]string   `json:"resolve,omitempty"`
	NoCache bool                `json:"no_cache,omitempty"`
	Strict  bool                `json:"strict,omitempty"`
}

// ProxyResponse wraps the remote answer.
type ProxyResponse struct {
	Status      int                        `json:"status"`
	Cached      bool                       `json:"cached"`
	Attempts    int                        `json:"attempts"`
	Resolutions map[string]*resolve.Result `json:"resolutions,omitempty"`
	Body        json.RawMessage            `json:"body,omitempty"`
}

func (s *server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")

		return
	}

	mapping := make(map[string]resolve.ResourceType, len(req.Resolve))

	for name, typ := range req.Resolve {
		rt, err := resolve.ParseResourceType(typ)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())

			return
		}

		mapping[name] = rt
	}

	dreq := &dispatcher.Request{
		Method:  req.Method,
		Path:    req.Path,
		Query:   url.Values(req.Query),
		Body:    req.Body,
		OrgID:   req.OrgID,
		Resolve: mapping,
		NoCache: req.NoCache,
	}

	if req.Strict {
		dreq.ResolveOptions = append(dreq.ResolveOptions, resolve.Strict())
	}

	resp, err := s.dispatcher.Do(r.Context(), dreq)
	if err != nil {
		s.writeDispatchError(w, err)

		return
	}

	out := ProxyResponse{
		Status:      resp.Status,
		Cached:      resp.Cached,
		Attempts:    resp.Attempts,
		Resolutions: resp.Resolutions,
	}

	if len(resp.Body) > 0 && json.Valid(resp.Body) {
		out.Body = resp.Body
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *server) writeDispatchError(w http.ResponseWriter, err error) {
	var (
		reqErr *dispatcher.RequestError
		resErr *resolve.ResolveError
	)

	switch {
	case errors.As(err, &resErr):
		s.writeResolveError(w, err)
	case errors.As(err, &reqErr):
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}

		s.writeJSON(w, status, ErrorResponse{
			Error:    err.Error(),
			Status:   reqErr.Status,
			Attempts: reqErr.Attempts,
			Endpoint: reqErr.Endpoint,
		})
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
