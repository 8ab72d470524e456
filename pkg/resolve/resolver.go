package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds parallel lookups inside ResolveFilters.
const maxConcurrentLookups = 4

// Fetcher issues a read against the remote API on behalf of orgID (empty for
// the active organization). Implementations route the call through the same
// cache and rate limiter as any other request.
type Fetcher interface {
	Fetch(ctx context.Context, path string, query url.Values, orgID string) ([]byte, error)
}

// Result describes one value that resolution changed.
type Result struct {
	Input string       `json:"input"`
	ID    string       `json:"id"`
	Label string       `json:"label"`
	Type  ResourceType `json:"type"`
}

// FilterResolution is the outcome of ResolveFilters.
type FilterResolution struct {
	// Resolved holds the filters with resolved values substituted.
	Resolved map[string]string `json:"resolved"`
	// Metadata holds one Result per changed filter key.
	Metadata map[string]*Result `json:"metadata"`
}

// Option customizes a resolution.
type Option func(*options)

type options struct {
	orgID           string
	projectID       string
	preferExact     bool
	rejectAmbiguous bool
	strict          bool
}

// WithOrgID runs lookups against orgID instead of the active organization.
func WithOrgID(orgID string) Option {
	return func(o *options) {
		o.orgID = orgID
	}
}

// WithProjectID scopes lookups that support it (services) to one project.
func WithProjectID(projectID string) Option {
	return func(o *options) {
		o.projectID = projectID
	}
}

// PreferExact picks the candidate whose label equals the input when exactly
// one does, instead of the first candidate.
func PreferExact() Option {
	return func(o *options) {
		o.preferExact = true
	}
}

// RejectAmbiguous fails a lookup that matches more than one candidate
// instead of taking the first. A unique exact label match is still accepted.
func RejectAmbiguous() Option {
	return func(o *options) {
		o.rejectAmbiguous = true
	}
}

// Strict makes ResolveFilters fail on the first unresolvable entry instead
// of passing it through unchanged.
func Strict() Option {
	return func(o *options) {
		o.strict = true
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Resolver turns human-friendly values into canonical IDs.
type Resolver interface {
	// ResolveValue resolves input as rt. Canonical inputs are returned
	// unchanged with a nil Result and no lookup.
	ResolveValue(ctx context.Context, input string, rt ResourceType, opts ...Option) (string, *Result, error)
	// TryResolveValue is ResolveValue that falls back to input on failure.
	TryResolveValue(ctx context.Context, input string, rt ResourceType, opts ...Option) string
	// ResolveFilters resolves every filter whose key is in mapping.
	ResolveFilters(
		ctx context.Context,
		filters map[string]string,
		mapping map[string]ResourceType,
		opts ...Option,
	) (*FilterResolution, error)
}

// resolver implements Resolver.
type resolver struct {
	log     logrus.FieldLogger
	fetcher Fetcher
	metrics *metrics.Metrics
}

// Ensure resolver implements Resolver.
var _ Resolver = (*resolver)(nil)

// New creates a new resolver that looks candidates up through fetcher.
func New(log logrus.FieldLogger, fetcher Fetcher, m *metrics.Metrics) Resolver {
	return &resolver{
		log:     log.WithField("component", "resolver"),
		fetcher: fetcher,
		metrics: m,
	}
}

// ResolveValue resolves input as rt.
func (r *resolver) ResolveValue(
	ctx context.Context,
	input string,
	rt ResourceType,
	opts ...Option,
) (string, *Result, error) {
	if !NeedsResolution(input) {
		return input, nil, nil
	}

	result, err := r.lookup(ctx, input, rt, buildOptions(opts))
	if err != nil {
		r.metrics.RecordResolution(string(rt), outcome(err))

		return "", nil, &ResolveError{Value: input, Type: rt, Err: err}
	}

	r.metrics.RecordResolution(string(rt), "resolved")

	r.log.WithFields(logrus.Fields{
		"type":  rt,
		"input": input,
		"id":    result.ID,
	}).Debug("Resolved identifier")

	return result.ID, result, nil
}

// TryResolveValue resolves input, returning it unchanged on failure.
func (r *resolver) TryResolveValue(ctx context.Context, input string, rt ResourceType, opts ...Option) string {
	id, _, err := r.ResolveValue(ctx, input, rt, opts...)
	if err != nil {
		r.log.WithError(err).Debug("Falling back to unresolved value")

		return input
	}

	return id
}

// ResolveFilters resolves mapped filters concurrently. Unmapped and canonical
// entries pass through untouched and produce no metadata.
func (r *resolver) ResolveFilters(
	ctx context.Context,
	filters map[string]string,
	mapping map[string]ResourceType,
	opts ...Option,
) (*FilterResolution, error) {
	o := buildOptions(opts)

	out := &FilterResolution{
		Resolved: make(map[string]string, len(filters)),
		Metadata: make(map[string]*Result),
	}

	for k, v := range filters {
		out.Resolved[k] = v
	}

	// A canonical project filter scopes service lookups in the same batch.
	if o.projectID == "" {
		if pid, ok := filters["project_id"]; ok && pid != "" && !NeedsResolution(pid) {
			o.projectID = pid
		}
	}

	var (
		mu sync.Mutex
		g  *errgroup.Group
	)

	gctx := ctx
	if o.strict {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	g.SetLimit(maxConcurrentLookups)

	for key, value := range filters {
		rt, ok := mapping[key]
		if !ok || !NeedsResolution(value) {
			continue
		}

		g.Go(func() error {
			result, err := r.lookup(gctx, value, rt, o)
			if err != nil {
				r.metrics.RecordResolution(string(rt), outcome(err))

				rerr := &ResolveError{Value: value, Type: rt, Err: err}
				if o.strict {
					return rerr
				}

				r.log.WithError(rerr).WithField("filter", key).Warn("Leaving filter unresolved")

				return nil
			}

			r.metrics.RecordResolution(string(rt), "resolved")

			mu.Lock()
			out.Resolved[key] = result.ID
			out.Metadata[key] = result
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// lookup searches candidates for input and picks one.
func (r *resolver) lookup(ctx context.Context, input string, rt ResourceType, o *options) (*Result, error) {
	lk, ok := lookups[rt]
	if !ok {
		return nil, ErrUnknownType
	}

	query := lk.query(input, o)
	query.Set("page[size]", lookupPageSize)

	body, err := r.fetcher.Fetch(ctx, lk.path, query, o.orgID)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", lk.path, err)
	}

	candidates, err := parseCandidates(body)
	if err != nil {
		return nil, err
	}

	picked, err := pick(input, candidates, lk.labels, o)
	if err != nil {
		return nil, err
	}

	return &Result{
		Input: input,
		ID:    picked.ID,
		Label: picked.label(lk.labels),
		Type:  rt,
	}, nil
}

// pick chooses a candidate. By default the first candidate wins. With
// PreferExact or RejectAmbiguous a single exact match on a label attribute
// wins; RejectAmbiguous fails when there is none.
func pick(input string, candidates []candidate, labels []string, o *options) (*candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	if len(candidates) == 1 || (!o.preferExact && !o.rejectAmbiguous) {
		return &candidates[0], nil
	}

	var exact []int

	for i := range candidates {
		if candidates[i].matches(input, labels) {
			exact = append(exact, i)
		}
	}

	if len(exact) == 1 {
		return &candidates[exact[0]], nil
	}

	if o.rejectAmbiguous {
		return nil, fmt.Errorf("%w: %d candidates", ErrAmbiguous, len(candidates))
	}

	return &candidates[0], nil
}

// candidate is one JSON:API resource object.
type candidate struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

type document struct {
	Data []candidate `json:"data"`
}

func parseCandidates(body []byte) ([]candidate, error) {
	var doc document
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding lookup response: %w", err)
	}

	out := doc.Data[:0]

	for _, c := range doc.Data {
		if c.ID == "" {
			continue
		}

		out = append(out, c)
	}

	return out, nil
}

func (c *candidate) attr(name string) string {
	v, ok := c.Attributes[name]
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// name returns the name attribute, composed from first and last name for
// people.
func (c *candidate) name() string {
	if n := c.attr("name"); n != "" {
		return n
	}

	return strings.TrimSpace(c.attr("first_name") + " " + c.attr("last_name"))
}

func (c *candidate) label(keys []string) string {
	for _, k := range keys {
		v := c.attr(k)
		if k == "name" {
			v = c.name()
		}

		if v != "" {
			return v
		}
	}

	return c.ID
}

func (c *candidate) matches(input string, keys []string) bool {
	want := strings.TrimPrefix(input, "#")

	for _, k := range keys {
		v := c.attr(k)
		if k == "name" {
			v = c.name()
		}

		if v != "" && strings.EqualFold(v, want) {
			return true
		}
	}

	return false
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrAmbiguous):
		return "ambiguous"
	default:
		return "error"
	}
}
