package productive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/projectoor/pkg/dispatcher"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Defaults.
const (
	DefaultBaseURL   = "https://api.productive.io/api/v2"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "projectoor"

	contentType  = "application/vnd.api+json"
	maxBodyBytes = 32 << 20
)

// ErrNoToken is returned by Start when no API token is configured.
var ErrNoToken = errors.New("no API token configured")

// Client defines the interface for the project management API transport.
type Client interface {
	dispatcher.Transport

	Start(ctx context.Context) error
	Stop() error
}

// Options configures the client.
type Options struct {
	BaseURL        string
	Token          string
	OrganizationID string
	Timeout        time.Duration
	UserAgent      string
	// HTTPClient replaces the default client, mainly for tests.
	HTTPClient *http.Client
}

// client implements Client.
type client struct {
	log  logrus.FieldLogger
	opts Options
	http *http.Client
}

// Ensure client implements Client.
var _ Client = (*client)(nil)

// NewClient creates a new API client.
func NewClient(log logrus.FieldLogger, opts Options) Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &client{
		log:  log.WithField("component", "productive"),
		opts: opts,
	}
}

// Start prepares the HTTP client.
func (c *client) Start(_ context.Context) error {
	if c.opts.Token == "" {
		return ErrNoToken
	}

	c.http = c.opts.HTTPClient
	if c.http == nil {
		c.http = &http.Client{Timeout: c.opts.Timeout}
	}

	c.log.WithFields(logrus.Fields{
		"base_url":        c.opts.BaseURL,
		"organization_id": c.opts.OrganizationID,
	}).Debug("API client initialized")

	return nil
}

// Stop releases idle connections.
func (c *client) Stop() error {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}

	return nil
}

// Call performs one HTTP request. Non-2xx statuses are returned as replies.
func (c *client) Call(ctx context.Context, call *dispatcher.Call) (*dispatcher.Reply, error) {
	if c.http == nil {
		return nil, errors.New("client not started")
	}

	target := c.opts.BaseURL + "/" + strings.TrimLeft(call.Path, "/")
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	requestID := uuid.New().String()

	req.Header.Set("X-Auth-Token", c.opts.Token)
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-Request-Id", requestID)

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	orgID := call.OrgID
	if orgID == "" {
		orgID = c.opts.OrganizationID
	}

	if orgID != "" {
		req.Header.Set("X-Organization-Id", orgID)
	}

	log := c.log.WithFields(logrus.Fields{
		"method":     call.Method,
		"path":       call.Path,
		"request_id": requestID,
	})

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", call.Method, call.Path, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
		"bytes":    len(data),
	}).Debug("API call completed")

	return &dispatcher.Reply{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    data,
	}, nil
}
