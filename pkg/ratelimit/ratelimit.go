package ratelimit

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Traffic classes tracked by the limiter.
const (
	ClassStandard = "standard"
	ClassReports  = "reports"
)

// Defaults mirror the remote service's published limits.
const (
	DefaultMaxRetries        = 3
	DefaultMaxRequestsPer10s = 100
	DefaultReportsMaxPer30s  = 10
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultReportsMarker     = "/reports"

	standardWindow = 10 * time.Second
	reportsWindow  = 30 * time.Second
)

// Options configures a Limiter.
type Options struct {
	Enabled        bool
	MaxRetries     int
	StandardLimit  int
	StandardWindow time.Duration
	ReportsLimit   int
	ReportsWindow  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReportsMarker  string
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Enabled:        true,
		MaxRetries:     DefaultMaxRetries,
		StandardLimit:  DefaultMaxRequestsPer10s,
		StandardWindow: standardWindow,
		ReportsLimit:   DefaultReportsMaxPer30s,
		ReportsWindow:  reportsWindow,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		ReportsMarker:  DefaultReportsMarker,
	}
}

// WaitObserver is notified every time a caller has to wait for window capacity.
type WaitObserver func(class string, wait time.Duration)

// Limiter throttles outbound calls with one sliding window per traffic class and
// decides how long to back off after the remote service answers with a throttle.
type Limiter struct {
	log  logrus.FieldLogger
	opts Options

	standard *window
	reports  *window

	jitter   func() float64
	observer WaitObserver
}

// New creates a limiter. Zero-valued numeric options fall back to the defaults.
func New(log logrus.FieldLogger, opts Options) *Limiter {
	def := DefaultOptions()

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	if opts.StandardLimit <= 0 {
		opts.StandardLimit = def.StandardLimit
	}

	if opts.StandardWindow <= 0 {
		opts.StandardWindow = def.StandardWindow
	}

	if opts.ReportsLimit <= 0 {
		opts.ReportsLimit = def.ReportsLimit
	}

	if opts.ReportsWindow <= 0 {
		opts.ReportsWindow = def.ReportsWindow
	}

	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}

	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}

	if opts.ReportsMarker == "" {
		opts.ReportsMarker = def.ReportsMarker
	}

	return &Limiter{
		log:      log.WithField("component", "ratelimit"),
		opts:     opts,
		standard: newWindow(opts.StandardLimit, opts.StandardWindow),
		reports:  newWindow(opts.ReportsLimit, opts.ReportsWindow),
		jitter:   jitterFactor,
	}
}

// SetWaitObserver registers a callback invoked before each capacity wait.
func (l *Limiter) SetWaitObserver(fn WaitObserver) {
	l.observer = fn
}

// Enabled reports whether rate limiting is active.
func (l *Limiter) Enabled() bool {
	return l.opts.Enabled
}

// MaxRetries returns the configured retry budget.
func (l *Limiter) MaxRetries() int {
	return l.opts.MaxRetries
}

// Class returns the traffic class an endpoint is accounted under.
func (l *Limiter) Class(endpoint string) string {
	if endpoint != "" && strings.Contains(endpoint, l.opts.ReportsMarker) {
		return ClassReports
	}

	return ClassStandard
}

// Acquire blocks until the window for the endpoint's traffic class has room,
// then records the call. Report-class calls are recorded in the standard
// window as well. It only returns an error when ctx is done while waiting.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	if !l.opts.Enabled {
		return nil
	}

	class := l.Class(endpoint)

	selected := l.standard
	if class == ClassReports {
		selected = l.reports
	}

	for {
		wait := selected.reserve(time.Now(), l.mirrorFor(selected))
		if wait <= 0 {
			return nil
		}

		l.log.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"class":    class,
			"wait":     wait,
		}).Debug("Rate limit window full, waiting")

		if l.observer != nil {
			l.observer(class, wait)
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) mirrorFor(selected *window) *window {
	if selected == l.reports {
		return l.standard
	}

	return nil
}

// ShouldRetry reports whether another attempt is allowed after a throttled
// response on the given zero-based attempt index.
func (l *Limiter) ShouldRetry(attempt int) bool {
	if !l.opts.Enabled {
		return false
	}

	return attempt < l.opts.MaxRetries
}

// RetryDelay returns how long to wait before retrying. A parseable Retry-After
// value (seconds or HTTP date) wins; otherwise it is jittered exponential
// backoff capped at the configured maximum, floored to whole milliseconds.
func (l *Limiter) RetryDelay(attempt int, retryAfter string) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, time.Now()); ok {
		return d
	}

	backoff := l.backoff(attempt)
	jittered := float64(backoff.Milliseconds()) * l.jitter()

	return time.Duration(math.Floor(jittered)) * time.Millisecond
}

// backoff is the un-jittered exponential delay for an attempt.
func (l *Limiter) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Past 2^30 every sane configuration is capped anyway.
	if attempt > 30 {
		return l.opts.MaxBackoff
	}

	d := l.opts.InitialBackoff * time.Duration(1<<attempt)
	if d > l.opts.MaxBackoff || d <= 0 {
		return l.opts.MaxBackoff
	}

	return d
}

// RecordResponse is the hook for adaptive policies. It only logs today.
func (l *Limiter) RecordResponse(status int, retryAfter string) {
	if status == http.StatusTooManyRequests {
		l.log.WithField("retry_after", retryAfter).Debug("Remote service throttled request")
	}
}

// Usage reports how many calls each window currently holds.
func (l *Limiter) Usage() map[string]int {
	now := time.Now()

	return map[string]int{
		ClassStandard: l.standard.count(now),
		ClassReports:  l.reports.count(now),
	}
}

// parseRetryAfter accepts a non-negative integer number of seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}

		return time.Duration(secs) * time.Second, true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}

	d := at.Sub(now)
	if d < 0 {
		d = 0
	}

	return d.Truncate(time.Millisecond), true
}

// jitterFactor is uniform in [0.5, 1.0).
func jitterFactor() float64 {
	return 0.5 + rand.Float64()*0.5
}

// window is a sliding log of call timestamps.
type window struct {
	mu       sync.Mutex
	limit    int
	duration time.Duration
	stamps   []time.Time
}

func newWindow(limit int, duration time.Duration) *window {
	return &window{
		limit:    limit,
		duration: duration,
		stamps:   make([]time.Time, 0, limit),
	}
}

// reserve evicts stale stamps and either records now (returning 0) or returns
// how long until the oldest stamp leaves the window. When mirror is set the
// stamp is also recorded there.
func (w *window) reserve(now time.Time, mirror *window) time.Duration {
	w.mu.Lock()

	w.evict(now)

	if len(w.stamps) >= w.limit {
		wait := w.stamps[0].Add(w.duration).Sub(now) + time.Millisecond
		w.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}

		return wait
	}

	w.push(now)
	w.mu.Unlock()

	if mirror != nil {
		mirror.record(now)
	}

	return 0
}

func (w *window) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	w.push(now)
}

// push appends a stamp, keeping the log non-decreasing. Caller holds mu.
func (w *window) push(now time.Time) {
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}

	w.stamps = append(w.stamps, now)
}

func (w *window) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)

	return len(w.stamps)
}

// evict drops stamps older than the window. Caller holds mu.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.duration)

	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}

	if i == 0 {
		return
	}

	// Compact instead of reslicing so the backing array does not grow forever.
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}
