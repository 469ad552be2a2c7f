package apiperformance

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
)

// SourceAPI labels alerts raised from API aggregates.
const SourceAPI = "api"

// lcaSegment marks the life-cycle-assessment endpoints reported separately.
const lcaSegment = "lca"

var ErrInvalidSample = errors.New("invalid api sample")

// Sample is one observed API request.
type Sample struct {
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	ResponseTimeMs float64   `json:"responseTime"`
	StatusCode     int       `json:"statusCode"`
	CacheHit       bool      `json:"cacheHit"`
	UserID         string    `json:"userId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsLCAEndpoint reports whether a normalized endpoint has an lca path segment.
func IsLCAEndpoint(endpoint string) bool {
	for _, seg := range strings.Split(endpoint, "/") {
		if seg == lcaSegment {
			return true
		}
	}
	return false
}

// IsError reports a server side failure.
func (s Sample) IsError() bool {
	return s.StatusCode >= 500
}

type HitRecorder interface {
	Record(namespace string, hit bool)
}

type Observer interface {
	ObserveRequest(sample Sample)
}

// Tracker keeps a bounded, time ordered buffer of API samples.
type Tracker struct {
	mu      sync.RWMutex
	samples []Sample

	maxSamples int
	retention  time.Duration
	hits       HitRecorder
	observer   Observer
	book       *alerts.Book
	now        func() time.Time
	newID      func() string
}

type Option func(*Tracker)

func WithHitRecorder(h HitRecorder) Option { return func(t *Tracker) { t.hits = h } }
func WithObserver(o Observer) Option { return func(t *Tracker) { t.observer = o } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithMaxSamples(n int) Option { return func(t *Tracker) { t.maxSamples = n } }
func WithRetention(d time.Duration) Option { return func(t *Tracker) { t.retention = d } }

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		maxSamples: constants.MaxAPISamples,
		retention:  constants.RetentionWindow,
		book:       alerts.NewBook(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Book() *alerts.Book {
	return t.book
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
)

// NormalizeEndpoint drops the query string and replaces id-like path segments with :id.
func NormalizeEndpoint(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if numericSegment.MatchString(seg) || hexSegment.MatchString(seg) {
			segments[i] = ":id"
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
		}
	}
	out := strings.Join(segments, "/")
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// Track records one request. Invalid input is rejected without being recorded.
func (t *Tracker) Track(endpoint, method string, responseTimeMs float64, statusCode int, cacheHit bool, userID string) error {
	if strings.TrimSpace(endpoint) == "" || strings.TrimSpace(method) == "" {
		return fmt.Errorf("%w: endpoint and method are required", ErrInvalidSample)
	}
	if math.IsNaN(responseTimeMs) || math.IsInf(responseTimeMs, 0) || responseTimeMs < 0 {
		return fmt.Errorf("%w: responseTime must be a non-negative number", ErrInvalidSample)
	}
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("%w: statusCode %d out of range", ErrInvalidSample, statusCode)
	}

	sample := Sample{
		Endpoint:       NormalizeEndpoint(endpoint),
		Method:         strings.ToUpper(method),
		ResponseTimeMs: responseTimeMs,
		StatusCode:     statusCode,
		CacheHit:       cacheHit,
		UserID:         userID,
		Timestamp:      t.now(),
	}

	t.mu.Lock()
	t.samples = append(t.samples, sample)
	if len(t.samples) > t.maxSamples {
		t.samples = append([]Sample(nil), t.samples[len(t.samples)-t.maxSamples:]...)
	}
	t.mu.Unlock()

	if responseTimeMs > constants.APILatencyHighMs {
		log.Debug("Slow API request %s %s took %.0fms", sample.Method, sample.Endpoint, responseTimeMs)
	}
	if t.hits != nil {
		t.hits.Record("api", cacheHit)
	}
	if t.observer != nil {
		t.observer.ObserveRequest(sample)
	}
	return nil
}

// since returns copies of the samples at or after cutoff.
func (t *Tracker) since(cutoff time.Time) []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.samples), func(i int) bool { return !t.samples[i].Timestamp.Before(cutoff) })
	return append([]Sample(nil), t.samples[i:]...)
}

// Sweep drops samples older than the retention window.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.samples), func(i int) bool { return !t.samples[i].Timestamp.Before(cutoff) })
	if i > 0 {
		t.samples = append([]Sample(nil), t.samples[i:]...)
	}
	return i
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.samples = nil
	t.mu.Unlock()
	t.book.Reset()
}
