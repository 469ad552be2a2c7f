package samplestore

import (
	"sort"

	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
)

// Summarize computes the window totals over the given groups.
func Summarize(groups []QueryGroup) datamodels.ReportSummary {
	summary := datamodels.ReportSummary{
		UniqueQueries: len(groups),
		QueriesByType: make(map[datamodels.QueryType]int),
	}
	var totalTime float64
	var hits int
	for _, g := range groups {
		for _, s := range g.Samples {
			summary.TotalQueries++
			totalTime += s.ExecutionTimeMs
			if s.IsSlow {
				summary.SlowQueries++
			}
			if s.CacheHit {
				hits++
			}
			summary.QueriesByType[s.QueryType]++
		}
	}
	if summary.TotalQueries > 0 {
		n := float64(summary.TotalQueries)
		summary.SlowQueryRate = float64(summary.SlowQueries) / n
		summary.CacheHitRate = float64(hits) / n
		summary.AvgExecutionTimeMs = totalTime / n
	}
	return summary
}

// GroupStats aggregates one query hash.
func GroupStats(g QueryGroup) datamodels.QueryGroupStats {
	stats := datamodels.QueryGroupStats{
		QueryHash:   g.QueryHash,
		Query:       g.Query,
		CallCount:   len(g.Samples),
		IndexesUsed: []string{},
	}
	if len(g.Samples) == 0 {
		return stats
	}

	seen := make(map[string]bool)
	var total float64
	var hits int
	for _, s := range g.Samples {
		total += s.ExecutionTimeMs
		if s.ExecutionTimeMs > stats.MaxExecutionTimeMs {
			stats.MaxExecutionTimeMs = s.ExecutionTimeMs
		}
		if s.IsSlow {
			stats.SlowCount++
		}
		if s.CacheHit {
			hits++
		}
		if s.Timestamp.After(stats.LastSeen) {
			stats.LastSeen = s.Timestamp
		}
		for _, idx := range s.IndexesUsed {
			if !seen[idx] {
				seen[idx] = true
				stats.IndexesUsed = append(stats.IndexesUsed, idx)
			}
		}
	}
	sort.Strings(stats.IndexesUsed)
	stats.QueryType = g.Samples[len(g.Samples)-1].QueryType
	stats.AvgExecutionTimeMs = total / float64(len(g.Samples))
	stats.CacheHitRate = float64(hits) / float64(len(g.Samples))
	return stats
}
