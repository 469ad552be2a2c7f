package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	samplestore "github.com/newrelic/nri-perfmon/src/database-monitoring/sample-store"
)

type SampleReader interface {
	Window(since time.Time) []samplestore.QueryGroup
	Retention() time.Duration
	MirrorHealthy() bool
}

type IndexReader interface {
	Snapshot() []datamodels.IndexUsageRecord
	Top(n int) []datamodels.IndexUsageRecord
	Unused(cutoff time.Time) []datamodels.IndexUsageRecord
}

type AlertEvaluator interface {
	Evaluate() []datamodels.PerformanceAlert
}

type PoolReader interface {
	Latest() datamodels.ConnectionPoolSnapshot
}

// Synthesizer builds PerformanceReports from the in-memory aggregates. It never
// reads the durable cache, so a failing cache cannot fail a report.
type Synthesizer struct {
	store    SampleReader
	registry IndexReader
	alerts   AlertEvaluator
	pool     PoolReader
	now      func() time.Time

	TopN                 int
	SlowQueryThresholdMs float64
}

func NewSynthesizer(store SampleReader, registry IndexReader, alerts AlertEvaluator, pool PoolReader, now func() time.Time) *Synthesizer {
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		store:                store,
		registry:             registry,
		alerts:               alerts,
		pool:                 pool,
		now:                  now,
		TopN:                 constants.TopSlowQueries,
		SlowQueryThresholdMs: constants.SlowQueryThresholdMs,
	}
}

// Generate computes the report for the last windowHours, clamped to [1, retention].
// The alerts section is the current evaluation over the alert window (one hour)
// whatever windowHours is, so alert ids and resolutions match the alerts endpoint.
func (s *Synthesizer) Generate(ctx context.Context, windowHours int) (datamodels.PerformanceReport, error) {
	if err := ctx.Err(); err != nil {
		return datamodels.PerformanceReport{}, err
	}
	start := time.Now()
	windowHours = s.clampWindow(windowHours)
	now := s.now()

	groups := s.store.Window(now.Add(-time.Duration(windowHours) * time.Hour))
	summary := samplestore.Summarize(groups)
	top := TopSlowQueries(groups, s.TopN)

	var indexes []datamodels.IndexUsageRecord
	var unused []datamodels.IndexUsageRecord
	if s.registry != nil {
		indexes = s.registry.Snapshot()
		unused = s.registry.Unused(now.Add(-constants.UnusedIndexAge))
	}
	alerts := []datamodels.PerformanceAlert{}
	if s.alerts != nil {
		alerts = s.alerts.Evaluate()
	}
	var pool datamodels.ConnectionPoolSnapshot
	if s.pool != nil {
		pool = s.pool.Latest()
	}

	rep := datamodels.PerformanceReport{
		WindowHours:           windowHours,
		GeneratedAt:           now,
		Summary:               summary,
		TopSlowQueries:        top,
		IndexUsage:            nonNilIndexes(indexes),
		Alerts:                alerts,
		Optimizations:         s.optimizations(summary, top, indexes, unused, pool),
		DurableCacheAvailable: s.store.MirrorHealthy(),
	}
	log.Debug("Completed %dh performance report over %d samples in %v", windowHours, summary.TotalQueries, time.Since(start))
	return rep, nil
}

func (s *Synthesizer) clampWindow(hours int) int {
	maxHours := int(s.store.Retention() / time.Hour)
	if maxHours < 1 {
		maxHours = 1
	}
	if hours < 1 {
		return 1
	}
	if hours > maxHours {
		return maxHours
	}
	return hours
}

// DatabaseMetrics is the last hour report together with the pool snapshot and top indexes.
func (s *Synthesizer) DatabaseMetrics(ctx context.Context) (datamodels.DatabaseMetrics, error) {
	rep, err := s.Generate(ctx, 1)
	if err != nil {
		return datamodels.DatabaseMetrics{}, err
	}
	metrics := datamodels.DatabaseMetrics{Report: rep, TopIndexes: []datamodels.IndexUsageRecord{}}
	if s.pool != nil {
		metrics.ConnectionPool = s.pool.Latest()
	}
	if s.registry != nil {
		metrics.TopIndexes = nonNilIndexes(s.registry.Top(constants.TopIndexes))
	}
	metrics.Score = Score(rep.Summary, metrics.ConnectionPool)
	return metrics, nil
}

// TopSlowQueries returns the n query groups with the highest average execution time.
// Ties go to the group with more calls, then to the lower hash.
func TopSlowQueries(groups []samplestore.QueryGroup, n int) []datamodels.QueryGroupStats {
	stats := make([]datamodels.QueryGroupStats, 0, len(groups))
	for _, g := range groups {
		stats = append(stats, samplestore.GroupStats(g))
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.AvgExecutionTimeMs != b.AvgExecutionTimeMs {
			return a.AvgExecutionTimeMs > b.AvgExecutionTimeMs
		}
		if a.CallCount != b.CallCount {
			return a.CallCount > b.CallCount
		}
		return a.QueryHash < b.QueryHash
	})
	if n >= 0 && n < len(stats) {
		stats = stats[:n]
	}
	return stats
}

// Score rates the database on a 0-100 scale. An idle database scores 100.
func Score(summary datamodels.ReportSummary, pool datamodels.ConnectionPoolSnapshot) float64 {
	if summary.TotalQueries == 0 {
		return 100
	}
	score := 100 * (0.4*(1-summary.SlowQueryRate) +
		0.3*summary.CacheHitRate +
		0.3*datamodels.EfficiencyScore(summary.AvgExecutionTimeMs))
	if pool.Utilization() > constants.PoolUtilizationHigh {
		score -= 10
	}
	if score < 0 {
		return 0
	}
	return score
}

func (s *Synthesizer) optimizations(summary datamodels.ReportSummary, top []datamodels.QueryGroupStats,
	indexes, unused []datamodels.IndexUsageRecord, pool datamodels.ConnectionPoolSnapshot) []datamodels.OptimizationOpportunity {
	out := []datamodels.OptimizationOpportunity{}

	for _, q := range top {
		if q.AvgExecutionTimeMs <= s.SlowQueryThresholdMs {
			continue
		}
		priority := "medium"
		if q.AvgExecutionTimeMs > 3*s.SlowQueryThresholdMs {
			priority = "high"
		}
		out = append(out, datamodels.OptimizationOpportunity{
			Type:            "slow_query",
			Priority:        priority,
			Description:     fmt.Sprintf("Query %s averages %.0fms over %d calls", q.QueryHash, q.AvgExecutionTimeMs, q.CallCount),
			Recommendation:  recommendIndex(q),
			EstimatedImpact: fmt.Sprintf("up to %.0fms saved per call", q.AvgExecutionTimeMs-s.SlowQueryThresholdMs),
		})
	}

	if len(unused) > 0 {
		out = append(out, datamodels.OptimizationOpportunity{
			Type:            "unused_index",
			Priority:        "low",
			Description:     fmt.Sprintf("%d indexes have not been used in the last %v", len(unused), constants.UnusedIndexAge),
			Recommendation:  "Drop indexes that are no longer needed to speed up writes",
			EstimatedImpact: "faster inserts and updates, less storage",
		})
	}

	for _, rec := range indexes {
		if rec.UsageCount > 0 && !rec.IsOptimal {
			out = append(out, datamodels.OptimizationOpportunity{
				Type:            "inefficient_index",
				Priority:        "medium",
				Description:     fmt.Sprintf("Index %s on %s has efficiency %.2f", rec.IndexName, rec.TableName, rec.EfficiencyScore),
				Recommendation:  "Review the index columns against the predicates of the queries using it",
				EstimatedImpact: fmt.Sprintf("average seek time %.0fms", rec.AvgSeekTimeMs),
			})
		}
	}

	if summary.TotalQueries > 0 && summary.CacheHitRate < constants.CacheHitRateMedium {
		out = append(out, datamodels.OptimizationOpportunity{
			Type:            "cache",
			Priority:        "medium",
			Description:     fmt.Sprintf("Query cache hit rate is %.1f%%", summary.CacheHitRate*100),
			Recommendation:  "Cache frequently read results",
			EstimatedImpact: fmt.Sprintf("%d fewer database round trips per window", int(float64(summary.TotalQueries)*(constants.CacheHitRateMedium-summary.CacheHitRate))),
		})
	}

	if util := pool.Utilization(); util > constants.PoolUtilizationHigh {
		out = append(out, datamodels.OptimizationOpportunity{
			Type:            "connection_pool",
			Priority:        "high",
			Description:     fmt.Sprintf("Connection pool utilization is %.0f%% (%s)", util*100, pool.Source),
			Recommendation:  "Increase the pool size or shorten transactions",
			EstimatedImpact: "fewer requests waiting for a connection",
		})
	}
	return out
}

func recommendIndex(q datamodels.QueryGroupStats) string {
	if len(q.IndexesUsed) == 0 {
		return "No known index serves this statement; consider adding one on its predicate columns"
	}
	return fmt.Sprintf("Statement uses %v; check selectivity and consider a covering index", q.IndexesUsed)
}

func nonNilIndexes(recs []datamodels.IndexUsageRecord) []datamodels.IndexUsageRecord {
	if recs == nil {
		return []datamodels.IndexUsageRecord{}
	}
	return recs
}
