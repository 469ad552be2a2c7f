package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	samplestore "github.com/newrelic/nri-perfmon/src/database-monitoring/sample-store"
)

// SourceDatabase labels alerts raised from database aggregates.
const SourceDatabase = "database"

type WindowReader interface {
	Window(since time.Time) []samplestore.QueryGroup
}

type UnusedIndexReader interface {
	Unused(cutoff time.Time) []datamodels.IndexUsageRecord
}

type PoolReader interface {
	Latest() datamodels.ConnectionPoolSnapshot
}

// Inputs are the aggregates one evaluation cycle is based on.
type Inputs struct {
	Summary       datamodels.ReportSummary
	Pool          datamodels.ConnectionPoolSnapshot
	UnusedIndexes []datamodels.IndexUsageRecord
}

// Generator evaluates the database alert rules and records each cycle in its Book.
type Generator struct {
	store    WindowReader
	registry UnusedIndexReader
	pool     PoolReader
	book     *Book
	now      func() time.Time
	newID    func() string

	Window    time.Duration
	UnusedAge time.Duration
}

func NewGenerator(store WindowReader, registry UnusedIndexReader, pool PoolReader, book *Book, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	if book == nil {
		book = NewBook()
	}
	return &Generator{
		store:     store,
		registry:  registry,
		pool:      pool,
		book:      book,
		now:       now,
		newID:     uuid.NewString,
		Window:    constants.AlertWindow,
		UnusedAge: constants.UnusedIndexAge,
	}
}

func (g *Generator) Book() *Book {
	return g.book
}

// Evaluate runs every rule against the last window and makes the result the latest cycle.
func (g *Generator) Evaluate() []datamodels.PerformanceAlert {
	start := time.Now()
	now := g.now()

	in := Inputs{Summary: samplestore.Summarize(g.store.Window(now.Add(-g.Window)))}
	if g.pool != nil {
		in.Pool = g.pool.Latest()
	}
	if g.registry != nil {
		in.UnusedIndexes = g.registry.Unused(now.Add(-g.UnusedAge))
	}

	cycle := g.Rules(in, now)
	g.book.Replace(cycle)
	log.Debug("Completed alert evaluation with %d alerts in %v", len(cycle), time.Since(start))
	return g.book.Latest()
}

// Rules applies the thresholds to in. Every rule is independent of the others.
func (g *Generator) Rules(in Inputs, now time.Time) []datamodels.PerformanceAlert {
	var out []datamodels.PerformanceAlert
	add := func(t datamodels.AlertType, sev datamodels.Severity, value, threshold float64, msg, rec string) {
		out = append(out, datamodels.PerformanceAlert{
			ID:             g.newID(),
			Type:           t,
			Severity:       sev,
			Message:        msg,
			Recommendation: rec,
			Timestamp:      now,
			Source:         SourceDatabase,
			MetricValue:    value,
			Threshold:      threshold,
		})
	}

	s := in.Summary
	if s.TotalQueries > 0 {
		switch rate := s.SlowQueryRate; {
		case rate > constants.SlowQueryRateCritical:
			add(datamodels.AlertSlowQuery, datamodels.SeverityCritical, rate, constants.SlowQueryRateCritical,
				fmt.Sprintf("%.1f%% of queries in the last window were slow (%d of %d)", rate*100, s.SlowQueries, s.TotalQueries),
				"Review the slow query log and add indexes or rewrite the slowest statements")
		case rate > constants.SlowQueryRateHigh:
			add(datamodels.AlertSlowQuery, datamodels.SeverityHigh, rate, constants.SlowQueryRateHigh,
				fmt.Sprintf("%.1f%% of queries in the last window were slow (%d of %d)", rate*100, s.SlowQueries, s.TotalQueries),
				"Review the slow query log and add indexes or rewrite the slowest statements")
		}

		switch rate := s.CacheHitRate; {
		case rate < constants.CacheHitRateHigh:
			add(datamodels.AlertCacheMiss, datamodels.SeverityHigh, rate, constants.CacheHitRateHigh,
				fmt.Sprintf("Query cache hit rate is %.1f%%", rate*100),
				"Cache frequently read results and check cache key invalidation")
		case rate < constants.CacheHitRateMedium:
			add(datamodels.AlertCacheMiss, datamodels.SeverityMedium, rate, constants.CacheHitRateMedium,
				fmt.Sprintf("Query cache hit rate is %.1f%%", rate*100),
				"Extend cache TTLs for stable data and warm the cache for hot queries")
		}
	}

	if util := in.Pool.Utilization(); in.Pool.MaxConnections > 0 {
		qualifier := ""
		if in.Pool.Source == datamodels.PoolSourceEstimated {
			qualifier = " (estimated from query volume)"
		}
		switch {
		case util > constants.PoolUtilizationCritical:
			add(datamodels.AlertConnectionPool, datamodels.SeverityCritical, util, constants.PoolUtilizationCritical,
				fmt.Sprintf("Connection pool is %.0f%% utilized%s", util*100, qualifier),
				"Increase the pool size or reduce long running transactions")
		case util > constants.PoolUtilizationHigh:
			add(datamodels.AlertConnectionPool, datamodels.SeverityHigh, util, constants.PoolUtilizationHigh,
				fmt.Sprintf("Connection pool is %.0f%% utilized%s", util*100, qualifier),
				"Monitor connection usage and consider a larger pool")
		}
	}

	if n := len(in.UnusedIndexes); n > 0 {
		names := make([]string, 0, n)
		for _, rec := range in.UnusedIndexes {
			names = append(names, rec.IndexName)
		}
		add(datamodels.AlertIndexMissing, datamodels.SeverityLow, float64(n), 0,
			fmt.Sprintf("%d indexes have not been used in the last %v: %s", n, g.UnusedAge, strings.Join(names, ", ")),
			"Verify the indexes are still needed and drop the ones that are not")
	}

	SortAlerts(out)
	return out
}
