package frontendperformance

import (
	"testing"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	"github.com/stretchr/testify/assert"
)

func TestRateVitals(t *testing.T) {
	tests := []struct {
		name          string
		lcp, fid, cls float64
		lcpRating     Rating
		clsRating     Rating
		score         float64
	}{
		{"all good", 2000, 50, 0.05, RatingGood, RatingGood, 100},
		{"boundaries are good", 2500, 100, 0.1, RatingGood, RatingGood, 100},
		{"needs improvement", 3000, 50, 0.2, RatingNeedsImprovement, RatingNeedsImprovement, 67},
		{"poor", 4500, 400, 0.3, RatingPoor, RatingPoor, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cwv := RateVitals(tt.lcp, tt.fid, tt.cls)
			assert.Equal(t, tt.lcpRating, cwv.LCP.Rating)
			assert.Equal(t, tt.clsRating, cwv.CLS.Rating)
			assert.Equal(t, tt.score, cwv.Score)
		})
	}
}

func TestEstimator_ReportIsLabelledAsBaseline(t *testing.T) {
	rep := NewEstimator(constants.DefaultFrontendBaselines).Report()

	assert.Equal(t, SourceBaseline, rep.Source)
	assert.InDelta(t, 62.9166, rep.Bundle.ReductionPct, 0.001)
	assert.Equal(t, "2.3 MiB", rep.Bundle.SizeBefore)
	assert.Equal(t, "890 KiB", rep.Bundle.SizeAfter)
	assert.Equal(t, 100.0, rep.Score)
}

func TestReduction(t *testing.T) {
	assert.Equal(t, 0.0, Reduction(0, 10))
	assert.Equal(t, 50.0, Reduction(200, 100))
	assert.Equal(t, -100.0, Reduction(100, 200))
}
