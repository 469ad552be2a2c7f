package comprehensive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	cachemetrics "github.com/newrelic/nri-perfmon/src/cache-metrics"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	frontendperformance "github.com/newrelic/nri-perfmon/src/frontend-performance"
	systemstats "github.com/newrelic/nri-perfmon/src/system-stats"
	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured marks a section whose collaborator was not wired.
var ErrNotConfigured = errors.New("collaborator not configured")

// Health statuses.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
	StatusUnknown   = "unknown"
)

type DatabaseReporter interface {
	Generate(ctx context.Context, windowHours int) (datamodels.PerformanceReport, error)
	DatabaseMetrics(ctx context.Context) (datamodels.DatabaseMetrics, error)
}

type SlowLogReader interface {
	DurableSlowLog(ctx context.Context, limit int) []datamodels.SlowQueryEntry
}

type IndexReader interface {
	Snapshot() []datamodels.IndexUsageRecord
}

type PoolReader interface {
	Latest() datamodels.ConnectionPoolSnapshot
}

// DatabaseClearer resets the database monitoring state.
type DatabaseClearer interface {
	ClearAll(ctx context.Context) error
}

type APISource interface {
	Report(window time.Duration) apiperformance.Report
	Realtime() apiperformance.Realtime
	Reset()
}

type CacheSource interface {
	Snapshot() cachemetrics.Snapshot
	Reset()
}

type FrontendSource interface {
	Report() frontendperformance.Report
}

// Collaborators are the services the synthesizer fans out to. A nil collaborator makes
// its section unavailable instead of failing the snapshot.
type Collaborators struct {
	Reports  DatabaseReporter
	SlowLog  SlowLogReader
	Indexes  IndexReader
	Pool     PoolReader
	Database DatabaseClearer
	API      APISource
	Cache    CacheSource
	Frontend FrontendSource
	System   systemstats.Reader
	// Books are the alert books merged by Alerts and searched by ResolveAlert.
	Books []*alerts.Book
}

// Section wraps the output of one collaborator. Data is nil when it is unavailable.
type Section[T any] struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	Data      *T     `json:"data,omitempty"`
}

type Scores struct {
	Database *float64 `json:"database"`
	API      *float64 `json:"api"`
	Cache    *float64 `json:"cache"`
	Frontend *float64 `json:"frontend"`
}

type SystemHealth struct {
	OverallHealthScore float64                        `json:"overallHealthScore" metric_name:"health.overallScore" source_type:"gauge"`
	Status             string                         `json:"status" metric_name:"health.status" source_type:"attribute"`
	Scores             Scores                         `json:"scores" metric_name:"-" source_type:"-"`
	Cache              Section[cachemetrics.Snapshot] `json:"cache" metric_name:"-" source_type:"-"`
	System             Section[systemstats.Stats]     `json:"system" metric_name:"-" source_type:"-"`
	ActiveAlerts       int                            `json:"activeAlerts" metric_name:"health.activeAlerts" source_type:"gauge"`
	CriticalAlerts     int                            `json:"criticalAlerts" metric_name:"health.criticalAlerts" source_type:"gauge"`
}

// Snapshot is the merged view served by the comprehensive endpoint.
type Snapshot struct {
	DatabasePerformance Section[datamodels.DatabaseMetrics] `json:"databasePerformance"`
	APIPerformance      Section[apiperformance.Report]      `json:"apiPerformance"`
	FrontendPerformance Section[frontendperformance.Report] `json:"frontendPerformance"`
	SystemHealth        SystemHealth                        `json:"systemHealth"`
	ExecutionTime       time.Duration                       `json:"-"`
}

// Synthesizer merges every monitoring source into one snapshot.
type Synthesizer struct {
	c         Collaborators
	baselines constants.OptimizationBaselines
	timeout   time.Duration
	now       func() time.Time
}

func NewSynthesizer(c Collaborators, baselines constants.OptimizationBaselines, timeout time.Duration, now func() time.Time) *Synthesizer {
	if timeout <= 0 {
		timeout = constants.CollaboratorTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{c: c, baselines: baselines, timeout: timeout, now: now}
}

// collect runs fn under the collaborator timeout. Errors, panics and timeouts become an
// unavailable section.
func collect[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) Section[T] {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		res.err = ctx.Err()
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("timed out after %v: %w", timeout, res.err)
		}
	case res = <-done:
	}
	if res.err != nil {
		if !errors.Is(res.err, ErrNotConfigured) {
			log.Warn("Comprehensive report: %s unavailable: %v", name, res.err)
		}
		return Section[T]{Error: fmt.Sprintf("%s unavailable: %v", name, res.err)}
	}
	return Section[T]{Available: true, Data: &res.value}
}

// Generate fans out to every collaborator in parallel and derives the overall health.
func (s *Synthesizer) Generate(ctx context.Context) Snapshot {
	start := time.Now()
	var snap Snapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.DatabasePerformance = collect(gctx, s.timeout, "database performance", func(ctx context.Context) (datamodels.DatabaseMetrics, error) {
			if s.c.Reports == nil {
				return datamodels.DatabaseMetrics{}, ErrNotConfigured
			}
			return s.c.Reports.DatabaseMetrics(ctx)
		})
		return ctx.Err()
	})
	g.Go(func() error {
		snap.APIPerformance = collect(gctx, s.timeout, "api performance", func(context.Context) (apiperformance.Report, error) {
			if s.c.API == nil {
				return apiperformance.Report{}, ErrNotConfigured
			}
			return s.c.API.Report(constants.AlertWindow), nil
		})
		return ctx.Err()
	})
	g.Go(func() error {
		snap.FrontendPerformance = collect(gctx, s.timeout, "frontend performance", func(context.Context) (frontendperformance.Report, error) {
			if s.c.Frontend == nil {
				return frontendperformance.Report{}, ErrNotConfigured
			}
			return s.c.Frontend.Report(), nil
		})
		return ctx.Err()
	})
	g.Go(func() error {
		snap.SystemHealth.Cache = collect(gctx, s.timeout, "cache metrics", func(context.Context) (cachemetrics.Snapshot, error) {
			if s.c.Cache == nil {
				return cachemetrics.Snapshot{}, ErrNotConfigured
			}
			return s.c.Cache.Snapshot(), nil
		})
		return ctx.Err()
	})
	g.Go(func() error {
		snap.SystemHealth.System = collect(gctx, s.timeout, "system stats", func(ctx context.Context) (systemstats.Stats, error) {
			if s.c.System == nil {
				return systemstats.Stats{}, ErrNotConfigured
			}
			return s.c.System.Read(ctx)
		})
		return ctx.Err()
	})
	// Sections carry their own failures. The group only fails when the caller gives up,
	// and the sections still running then report the cancellation.
	if err := g.Wait(); err != nil {
		log.Warn("Comprehensive report cut short: %v", err)
	}

	snap.SystemHealth.Scores = scores(snap)
	snap.SystemHealth.OverallHealthScore, snap.SystemHealth.Status = OverallHealth(snap.SystemHealth.Scores)
	for _, a := range s.Alerts() {
		if a.Resolved {
			continue
		}
		snap.SystemHealth.ActiveAlerts++
		if a.Severity == datamodels.SeverityCritical {
			snap.SystemHealth.CriticalAlerts++
		}
	}
	snap.ExecutionTime = time.Since(start)
	log.Debug("Completed comprehensive performance report in %v", snap.ExecutionTime)
	return snap
}

func scores(snap Snapshot) Scores {
	var sc Scores
	if d := snap.DatabasePerformance.Data; d != nil {
		sc.Database = &d.Score
	}
	if a := snap.APIPerformance.Data; a != nil {
		sc.API = &a.Score
	}
	// A cache that saw no lookups has no meaningful score.
	if c := snap.SystemHealth.Cache.Data; c != nil && c.HasData {
		sc.Cache = &c.Score
	}
	if f := snap.FrontendPerformance.Data; f != nil {
		sc.Frontend = &f.Score
	}
	return sc
}

// OverallHealth is the weighted average of the available scores, the weights renormalized
// over the sections present.
func OverallHealth(sc Scores) (float64, string) {
	var total, weights float64
	for _, part := range []struct {
		score  *float64
		weight float64
	}{
		{sc.Database, constants.WeightDatabase},
		{sc.API, constants.WeightAPI},
		{sc.Cache, constants.WeightCache},
		{sc.Frontend, constants.WeightFrontend},
	} {
		if part.score == nil {
			continue
		}
		total += *part.score * part.weight
		weights += part.weight
	}
	if weights == 0 {
		return 0, StatusUnknown
	}
	score := total / weights
	return score, Status(score)
}

func Status(score float64) string {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 75:
		return StatusGood
	case score >= 50:
		return StatusFair
	default:
		return StatusPoor
	}
}
