package querytracker

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	indexregistry "github.com/newrelic/nri-perfmon/src/database-monitoring/index-registry"
)

// SampleSink stores tracked samples.
type SampleSink interface {
	Append(normalizedQuery string, sample datamodels.QuerySample)
}

// UsageRecorder receives the indexes attributed to each sample.
type UsageRecorder interface {
	RecordUsage(indexNames []string, executionTimeMs float64)
}

// PoolSizer reports the pool size at capture time.
type PoolSizer interface {
	CurrentPoolSize() int
}

// HitRecorder receives the cache outcome of each sample.
type HitRecorder interface {
	Record(namespace string, hit bool)
}

// Observer is notified of every recorded sample.
type Observer interface {
	ObserveQuery(sample datamodels.QuerySample)
}

// Tracker is the ingestion point called for every database operation.
type Tracker struct {
	SlowQueryThresholdMs float64

	sink     SampleSink
	registry UsageRecorder
	strategy indexregistry.IndexAttributionStrategy
	pool     PoolSizer
	hits     HitRecorder
	observer Observer
	now      func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithPoolSizer(p PoolSizer) Option { return func(t *Tracker) { t.pool = p } }
func WithHitRecorder(h HitRecorder) Option { return func(t *Tracker) { t.hits = h } }
func WithObserver(o Observer) Option { return func(t *Tracker) { t.observer = o } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithSlowQueryThreshold(ms float64) Option { return func(t *Tracker) { t.SlowQueryThresholdMs = ms } }

func NewTracker(sink SampleSink, registry UsageRecorder, strategy indexregistry.IndexAttributionStrategy, opts ...Option) *Tracker {
	t := &Tracker{
		SlowQueryThresholdMs: constants.SlowQueryThresholdMs,
		sink:                 sink,
		registry:             registry,
		strategy:             strategy,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsSlow reports whether an execution time exceeds the slow query threshold. Equal is not slow.
func (t *Tracker) IsSlow(executionTimeMs float64) bool {
	return executionTimeMs > t.SlowQueryThresholdMs
}

// TrackQuery records one execution. Malformed input is logged and ignored, tracking never fails the caller.
func (t *Tracker) TrackQuery(ctx context.Context, queryType, rawQuery string, executionTimeMs float64, affectedRows *int64, cacheHit bool) {
	if strings.TrimSpace(rawQuery) == "" {
		log.Debug("Ignoring tracked query with empty text")
		return
	}
	if math.IsNaN(executionTimeMs) || math.IsInf(executionTimeMs, 0) || executionTimeMs < 0 {
		log.Debug("Ignoring tracked query with invalid execution time %v", executionTimeMs)
		return
	}
	if affectedRows != nil && *affectedRows < 0 {
		affectedRows = nil
	}

	normalized := Normalize(rawQuery)
	hash := Hash(normalized)
	qt := Classify(normalized, queryType)
	slow := t.IsSlow(executionTimeMs)

	var attribution indexregistry.Attribution
	if t.strategy != nil {
		attribution = t.strategy.Attribute(ctx, indexregistry.Statement{
			Type:            qt,
			Raw:             rawQuery,
			Normalized:      normalized,
			QueryHash:       hash,
			ExecutionTimeMs: executionTimeMs,
			Slow:            slow,
		})
	}

	sample := datamodels.QuerySample{
		QueryHash:       hash,
		QueryType:       qt,
		ExecutionTimeMs: executionTimeMs,
		AffectedRows:    affectedRows,
		IndexesUsed:     attribution.Indexes,
		IsSlow:          slow,
		Timestamp:       t.now(),
		CacheHit:        cacheHit,
	}
	if sample.IndexesUsed == nil {
		sample.IndexesUsed = []string{}
	}
	if slow {
		sample.QueryPlan = attribution.Plan
	}
	if t.pool != nil {
		sample.PoolSizeAtCapture = t.pool.CurrentPoolSize()
	}

	t.sink.Append(normalized, sample)

	if slow {
		log.Warn("Slow query detected: hash=%s type=%s time=%.1fms threshold=%.0fms query=%q",
			hash, qt, executionTimeMs, t.SlowQueryThresholdMs, truncate(normalized, 200))
	}
	if t.registry != nil {
		t.registry.RecordUsage(sample.IndexesUsed, executionTimeMs)
	}
	if t.hits != nil {
		t.hits.Record("database", cacheHit)
	}
	if t.observer != nil {
		t.observer.ObserveQuery(sample)
	}
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
