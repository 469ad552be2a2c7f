package frontendperformance

import (
	"math"

	"github.com/dustin/go-humanize"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
)

// SourceBaseline marks figures that come from configuration rather than live measurement.
const SourceBaseline = "baseline"

type Rating string

const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs-improvement"
	RatingPoor             Rating = "poor"
)

type Vital struct {
	Value  float64 `json:"value"`
	Rating Rating  `json:"rating"`
}

type CoreWebVitals struct {
	LCP   Vital   `json:"lcp"`
	FID   Vital   `json:"fid"`
	CLS   Vital   `json:"cls"`
	Score float64 `json:"score"`
}

type BundleAnalysis struct {
	SizeBeforeKB float64 `json:"sizeBeforeKb"`
	SizeAfterKB  float64 `json:"sizeAfterKb"`
	ReductionPct float64 `json:"reductionPercent"`
	SizeBefore   string  `json:"sizeBefore"`
	SizeAfter    string  `json:"sizeAfter"`
	ChunkCount   int     `json:"chunkCount"`
	LoadTimeMs   float64 `json:"loadTimeMs"`
}

type Report struct {
	Source        string         `json:"source"`
	Bundle        BundleAnalysis `json:"bundle"`
	CoreWebVitals CoreWebVitals  `json:"coreWebVitals"`
	Score         float64        `json:"score"`
}

// Estimator rates configured frontend baselines. Nothing here is observed at runtime.
type Estimator struct {
	baselines constants.FrontendBaselines
}

func NewEstimator(baselines constants.FrontendBaselines) *Estimator {
	return &Estimator{baselines: baselines}
}

func (e *Estimator) Baselines() constants.FrontendBaselines {
	return e.baselines
}

func (e *Estimator) Report() Report {
	b := e.baselines
	cwv := RateVitals(b.LCPMs, b.FIDMs, b.CLS)
	bundle := BundleAnalysis{
		SizeBeforeKB: b.BundleSizeBeforeKB,
		SizeAfterKB:  b.BundleSizeAfterKB,
		ReductionPct: Reduction(b.BundleSizeBeforeKB, b.BundleSizeAfterKB),
		SizeBefore:   humanize.IBytes(uint64(b.BundleSizeBeforeKB * 1024)),
		SizeAfter:    humanize.IBytes(uint64(b.BundleSizeAfterKB * 1024)),
		ChunkCount:   b.ChunkCount,
		LoadTimeMs:   b.LoadTimeMs,
	}
	return Report{
		Source:        SourceBaseline,
		Bundle:        bundle,
		CoreWebVitals: cwv,
		Score:         cwv.Score,
	}
}

// RateVitals applies the Web Vitals thresholds. The score is the share of good vitals,
// with needs-improvement counting half.
func RateVitals(lcpMs, fidMs, cls float64) CoreWebVitals {
	cwv := CoreWebVitals{
		LCP: Vital{Value: lcpMs, Rating: rate(lcpMs, constants.LCPGoodMs, constants.LCPPoorMs)},
		FID: Vital{Value: fidMs, Rating: rate(fidMs, constants.FIDGoodMs, constants.FIDPoorMs)},
		CLS: Vital{Value: cls, Rating: rate(cls, constants.CLSGood, constants.CLSPoor)},
	}
	var points float64
	for _, v := range []Vital{cwv.LCP, cwv.FID, cwv.CLS} {
		switch v.Rating {
		case RatingGood:
			points += 1
		case RatingNeedsImprovement:
			points += 0.5
		}
	}
	cwv.Score = math.Round(points / 3 * 100)
	return cwv
}

func rate(value, good, poor float64) Rating {
	switch {
	case value <= good:
		return RatingGood
	case value <= poor:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

// Reduction is the percentage decrease from before to after, 0 when before is not positive.
func Reduction(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return (before - after) / before * 100
}
