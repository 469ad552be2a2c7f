package constants

// FrontendBaselines are configured frontend figures. They are measured offline
// (build output, lab Web Vitals runs) and reported as baselines, never as live readings.
type FrontendBaselines struct {
	BundleSizeBeforeKB float64 `yaml:"bundle_size_before_kb" json:"bundleSizeBeforeKb"`
	BundleSizeAfterKB  float64 `yaml:"bundle_size_after_kb" json:"bundleSizeAfterKb"`
	ChunkCount         int     `yaml:"chunk_count" json:"chunkCount"`
	LoadTimeMs         float64 `yaml:"load_time_ms" json:"loadTimeMs"`
	LCPMs              float64 `yaml:"lcp_ms" json:"lcpMs"`
	FIDMs              float64 `yaml:"fid_ms" json:"fidMs"`
	CLS                float64 `yaml:"cls" json:"cls"`
}

// OptimizationBaselines are the pre-optimization figures live measurements are compared against.
type OptimizationBaselines struct {
	LCACalculationMs float64 `yaml:"lca_calculation_ms" json:"lcaCalculationMs"`
	CacheHitRate     float64 `yaml:"cache_hit_rate" json:"cacheHitRate"`
	AvgQueryTimeMs   float64 `yaml:"avg_query_time_ms" json:"avgQueryTimeMs"`
	SlowQueryRate    float64 `yaml:"slow_query_rate" json:"slowQueryRate"`
}

var DefaultFrontendBaselines = FrontendBaselines{
	BundleSizeBeforeKB: 2400,
	BundleSizeAfterKB:  890,
	ChunkCount:         12,
	LoadTimeMs:         1800,
	LCPMs:              2100,
	FIDMs:              80,
	CLS:                0.08,
}

var DefaultOptimizationBaselines = OptimizationBaselines{
	LCACalculationMs: 4500,
	CacheHitRate:     0.45,
	AvgQueryTimeMs:   850,
	SlowQueryRate:    0.15,
}

// Web Vitals rating thresholds: good at or below the first value, poor above the second.
const (
	LCPGoodMs = 2500.0
	LCPPoorMs = 4000.0
	FIDGoodMs = 100.0
	FIDPoorMs = 300.0
	CLSGood   = 0.1
	CLSPoor   = 0.25
)

// Health score weights of the comprehensive snapshot.
const (
	WeightDatabase = 0.35
	WeightAPI      = 0.30
	WeightCache    = 0.15
	WeightFrontend = 0.20
)
