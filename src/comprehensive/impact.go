package comprehensive

import (
	"context"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	frontendperformance "github.com/newrelic/nri-perfmon/src/frontend-performance"
)

// Sources of an improvement figure.
const (
	SourceMeasured = "measured"
	SourceBaseline = "baseline"
)

// Improvement compares a configured "before" baseline with the current value. After is
// nil when nothing was measured in the window.
type Improvement struct {
	Unit               string   `json:"unit"`
	Before             float64  `json:"before"`
	After              *float64 `json:"after"`
	ImprovementPercent *float64 `json:"improvementPercent"`
	Source             string   `json:"source"`
}

type DatabaseImpact struct {
	AvgQueryTime  Improvement `json:"avgQueryTime"`
	SlowQueryRate Improvement `json:"slowQueryRate"`
}

type OptimizationImpact struct {
	LCAOptimization      Improvement    `json:"lcaOptimization"`
	BundleOptimization   Improvement    `json:"bundleOptimization"`
	CacheOptimization    Improvement    `json:"cacheOptimization"`
	DatabaseOptimization DatabaseImpact `json:"databaseOptimization"`
}

// lowerIsBetter builds an improvement for metrics where a decrease is the goal.
func lowerIsBetter(unit string, before float64, after *float64, source string) Improvement {
	imp := Improvement{Unit: unit, Before: before, After: after, Source: source}
	if after != nil && before > 0 {
		pct := frontendperformance.Reduction(before, *after)
		imp.ImprovementPercent = &pct
	}
	return imp
}

// higherIsBetter builds an improvement for metrics where an increase is the goal.
func higherIsBetter(unit string, before float64, after *float64, source string) Improvement {
	imp := Improvement{Unit: unit, Before: before, After: after, Source: source}
	if after != nil && before > 0 {
		pct := (*after - before) / before * 100
		imp.ImprovementPercent = &pct
	}
	return imp
}

// OptimizationImpact compares the configured pre-optimization baselines with what is
// measured now. The bundle figures are themselves baselines and are labelled so.
func (s *Synthesizer) OptimizationImpact(ctx context.Context) OptimizationImpact {
	var impact OptimizationImpact

	var lcaAfter *float64
	if s.c.API != nil {
		if lca := s.c.API.Report(constants.AlertWindow).LCAMetrics; lca.Requests > 0 {
			v := lca.AvgResponseTimeMs
			lcaAfter = &v
		}
	}
	impact.LCAOptimization = lowerIsBetter("ms", s.baselines.LCACalculationMs, lcaAfter, SourceMeasured)

	if s.c.Frontend != nil {
		bundle := s.c.Frontend.Report().Bundle
		after := bundle.SizeAfterKB
		impact.BundleOptimization = lowerIsBetter("KB", bundle.SizeBeforeKB, &after, SourceBaseline)
	} else {
		impact.BundleOptimization = Improvement{Unit: "KB", Source: SourceBaseline}
	}

	var cacheAfter *float64
	if s.c.Cache != nil {
		if snap := s.c.Cache.Snapshot(); snap.HasData {
			v := snap.HitRate * 100
			cacheAfter = &v
		}
	}
	impact.CacheOptimization = higherIsBetter("%", s.baselines.CacheHitRate*100, cacheAfter, SourceMeasured)

	var avgAfter, slowAfter *float64
	if s.c.Reports != nil {
		if rep, err := s.c.Reports.Generate(ctx, 1); err == nil && rep.Summary.TotalQueries > 0 {
			avg, slow := rep.Summary.AvgExecutionTimeMs, rep.Summary.SlowQueryRate*100
			avgAfter, slowAfter = &avg, &slow
		}
	}
	impact.DatabaseOptimization = DatabaseImpact{
		AvgQueryTime:  lowerIsBetter("ms", s.baselines.AvgQueryTimeMs, avgAfter, SourceMeasured),
		SlowQueryRate: lowerIsBetter("%", s.baselines.SlowQueryRate*100, slowAfter, SourceMeasured),
	}
	return impact
}
