package datamodels

import (
	"math"
	"time"
)

type QueryType string

const (
	QueryTypeSelect QueryType = "SELECT"
	QueryTypeInsert QueryType = "INSERT"
	QueryTypeUpdate QueryType = "UPDATE"
	QueryTypeDelete QueryType = "DELETE"
)

// ParseQueryType returns the QueryType for s and whether s named a supported statement.
func ParseQueryType(s string) (QueryType, bool) {
	switch QueryType(s) {
	case QueryTypeSelect, QueryTypeInsert, QueryTypeUpdate, QueryTypeDelete:
		return QueryType(s), true
	}
	return QueryTypeSelect, false
}

// QuerySample is one observed execution of a normalized statement. It is never mutated after creation.
type QuerySample struct {
	QueryHash         string    `json:"queryHash"`
	QueryType         QueryType `json:"queryType"`
	ExecutionTimeMs   float64   `json:"executionTime"`
	AffectedRows      *int64    `json:"affectedRows,omitempty"`
	IndexesUsed       []string  `json:"indexesUsed"`
	IsSlow            bool      `json:"isSlow"`
	Timestamp         time.Time `json:"timestamp"`
	CacheHit          bool      `json:"cacheHit"`
	PoolSizeAtCapture int       `json:"connectionPoolSize"`
	QueryPlan         string    `json:"queryPlan,omitempty"`
}

// SlowQueryEntry is a slow sample together with the normalized statement that produced it.
type SlowQueryEntry struct {
	QuerySample
	NormalizedQuery string `json:"query"`
}

type IndexUsageRecord struct {
	IndexName       string    `json:"indexName" metric_name:"index.name" source_type:"attribute"`
	TableName       string    `json:"tableName" metric_name:"index.table" source_type:"attribute"`
	UsageCount      int64     `json:"usageCount" metric_name:"index.usageCount" source_type:"gauge"`
	AvgSeekTimeMs   float64   `json:"avgSeekTime" metric_name:"index.avgSeekTimeMs" source_type:"gauge"`
	LastUsedAt      time.Time `json:"lastUsed" metric_name:"-" source_type:"-"`
	EfficiencyScore float64   `json:"efficiency" metric_name:"index.efficiencyScore" source_type:"gauge"`
	IsOptimal       bool      `json:"isOptimal" metric_name:"index.isOptimal" source_type:"attribute"`
}

// EfficiencyScore derives the [0,1] efficiency of an index from its average seek time.
func EfficiencyScore(avgSeekTimeMs float64) float64 {
	if math.IsNaN(avgSeekTimeMs) || avgSeekTimeMs < 0 {
		return 1
	}
	return math.Max(0, 1-avgSeekTimeMs/1000)
}

type PoolSource string

const (
	PoolSourceDriver    PoolSource = "driver"
	PoolSourceEstimated PoolSource = "estimated"
)

// ConnectionPoolSnapshot is the latest reading of the connection pool. When Source is
// PoolSourceEstimated the figures are derived from query volume, not read from a pool.
type ConnectionPoolSnapshot struct {
	TotalConnections    int        `json:"totalConnections" metric_name:"pool.totalConnections" source_type:"gauge"`
	ActiveConnections   int        `json:"activeConnections" metric_name:"pool.activeConnections" source_type:"gauge"`
	IdleConnections     int        `json:"idleConnections" metric_name:"pool.idleConnections" source_type:"gauge"`
	MaxConnections      int        `json:"maxConnections" metric_name:"pool.maxConnections" source_type:"gauge"`
	WaitingConnections  int        `json:"waitingConnections" metric_name:"pool.waitingConnections" source_type:"gauge"`
	AvgConnectionTimeMs float64    `json:"avgConnectionTime" metric_name:"pool.avgConnectionTimeMs" source_type:"gauge"`
	ConnectionTimeouts  int        `json:"connectionTimeouts" metric_name:"pool.connectionTimeouts" source_type:"gauge"`
	Source              PoolSource `json:"source" metric_name:"pool.source" source_type:"attribute"`
	SampledAt           time.Time  `json:"sampledAt" metric_name:"-" source_type:"-"`
}

// Utilization is the active share of the pool, 0 when the pool size is unknown.
func (s ConnectionPoolSnapshot) Utilization() float64 {
	if s.MaxConnections <= 0 {
		return 0
	}
	return float64(s.ActiveConnections) / float64(s.MaxConnections)
}

type AlertType string

const (
	AlertSlowQuery      AlertType = "slow_query"
	AlertIndexMissing   AlertType = "index_missing"
	AlertConnectionPool AlertType = "connection_pool"
	AlertCacheMiss      AlertType = "cache_miss"
	AlertAPILatency     AlertType = "api_latency"
	AlertAPIErrors      AlertType = "api_errors"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type PerformanceAlert struct {
	ID             string    `json:"id"`
	Type           AlertType `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
	Resolved       bool      `json:"resolved"`
	Source         string    `json:"source"`
	MetricValue    float64   `json:"metricValue"`
	Threshold      float64   `json:"threshold"`
}

type ReportSummary struct {
	TotalQueries       int               `json:"totalQueries" metric_name:"db.totalQueries" source_type:"gauge"`
	SlowQueries        int               `json:"slowQueries" metric_name:"db.slowQueries" source_type:"gauge"`
	SlowQueryRate      float64           `json:"slowQueryRate" metric_name:"db.slowQueryRate" source_type:"gauge"`
	CacheHitRate       float64           `json:"cacheHitRate" metric_name:"db.cacheHitRate" source_type:"gauge"`
	AvgExecutionTimeMs float64           `json:"avgExecutionTime" metric_name:"db.avgExecutionTimeMs" source_type:"gauge"`
	UniqueQueries      int               `json:"uniqueQueries" metric_name:"db.uniqueQueries" source_type:"gauge"`
	QueriesByType      map[QueryType]int `json:"queriesByType" metric_name:"-" source_type:"-"`
}

// QueryGroupStats aggregates every retained sample sharing one query hash.
type QueryGroupStats struct {
	QueryHash          string    `json:"queryHash"`
	Query              string    `json:"query"`
	QueryType          QueryType `json:"queryType"`
	CallCount          int       `json:"callCount"`
	SlowCount          int       `json:"slowCount"`
	AvgExecutionTimeMs float64   `json:"avgExecutionTime"`
	MaxExecutionTimeMs float64   `json:"maxExecutionTime"`
	CacheHitRate       float64   `json:"cacheHitRate"`
	IndexesUsed        []string  `json:"indexesUsed"`
	LastSeen           time.Time `json:"lastSeen"`
}

type OptimizationOpportunity struct {
	Type            string `json:"type"`
	Priority        string `json:"priority"`
	Description     string `json:"description"`
	Recommendation  string `json:"recommendation"`
	EstimatedImpact string `json:"estimatedImpact"`
}

// PerformanceReport is computed per request and never mutated after construction.
type PerformanceReport struct {
	WindowHours           int                       `json:"windowHours"`
	GeneratedAt           time.Time                 `json:"generatedAt"`
	Summary               ReportSummary             `json:"summary"`
	TopSlowQueries        []QueryGroupStats         `json:"topSlowQueries"`
	IndexUsage            []IndexUsageRecord        `json:"indexUsage"`
	Alerts                []PerformanceAlert        `json:"alerts"`
	Optimizations         []OptimizationOpportunity `json:"optimizationOpportunities"`
	DurableCacheAvailable bool                      `json:"durableCacheAvailable"`
}

// DatabaseMetrics is the convenience view over the last hour.
type DatabaseMetrics struct {
	Report         PerformanceReport      `json:"report"`
	ConnectionPool ConnectionPoolSnapshot `json:"connectionPool"`
	TopIndexes     []IndexUsageRecord     `json:"topIndexes"`
	Score          float64                `json:"score"`
}
