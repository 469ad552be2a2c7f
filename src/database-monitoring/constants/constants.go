package constants

import "time"

const (
	IntegrationName = "com.newrelic.perfmon"
	// DefaultRoutePrefix is the admin route prefix the performance API is mounted under.
	DefaultRoutePrefix = "/api/admin/performance"
	DefaultListenAddr  = ":8080"

	// SlowQueryThresholdMs is the execution time above which a query is flagged as slow. The comparison is strict.
	SlowQueryThresholdMs = 1000.0
	// RetentionWindow defines how long raw samples are kept in memory.
	RetentionWindow = 24 * time.Hour
	// MaxSamplesPerHash caps the in-memory buffer of a single query hash. Oldest samples are evicted first.
	MaxSamplesPerHash = 10000
	// DurableSamplesPerHash caps the mirrored list of a single query hash.
	DurableSamplesPerHash = 1000
	// MaxSlowQueryLog caps the slow query log kept for operator review.
	MaxSlowQueryLog = 100
	// MaxAPISamples caps the number of API samples retained in memory.
	MaxAPISamples = 10000

	// SweepInterval defines how often expired samples are purged from memory.
	SweepInterval = 30 * time.Second
	// PoolSampleInterval defines how often the connection pool is sampled.
	PoolSampleInterval = 30 * time.Second
	// AlertEvaluationInterval defines how often alert rules are evaluated.
	AlertEvaluationInterval = 10 * time.Minute
	// AlertWindow is the aggregation window the alert rules are evaluated against.
	AlertWindow = time.Hour
	// UnusedIndexAge is how long an index must go without use before it is reported.
	UnusedIndexAge = 24 * time.Hour

	// MirrorTimeout bounds every durable cache write made on behalf of a tracking call.
	MirrorTimeout = 250 * time.Millisecond
	// MirrorQueueSize bounds the number of pending durable mirror writes.
	MirrorQueueSize = 4096
	// DurableSampleTTL is the expiry applied to mirrored sample lists.
	DurableSampleTTL = 24 * time.Hour
	// PoolSnapshotTTL is the expiry applied to the persisted pool snapshot.
	PoolSnapshotTTL = 5 * time.Minute

	// PoolVolumeWindow is the window of query volume the pool estimator looks at.
	PoolVolumeWindow = time.Minute
	// QueriesPerConnection is the divisor of the linear pool estimate.
	QueriesPerConnection = 15
	// EstimatedMaxActive is the upper clamp of the estimated active connections.
	EstimatedMaxActive = 15
	// DefaultMaxConnections is the pool size assumed when no driver stats are available.
	DefaultMaxConnections = 20
	// ConnectionTimeoutMs is the execution time after which a sampled query is counted as a connection timeout by the estimator.
	ConnectionTimeoutMs = 30000.0

	// TopSlowQueries is the default number of slow query groups in a report.
	TopSlowQueries = 10
	// TopIndexes is the number of indexes included in the database metrics view.
	TopIndexes = 10

	// SlowQueryRateHigh and SlowQueryRateCritical are the slow query alert thresholds (strictly greater than).
	SlowQueryRateHigh     = 0.1
	SlowQueryRateCritical = 0.2
	// CacheHitRateMedium and CacheHitRateHigh are the cache miss alert thresholds (strictly less than).
	CacheHitRateMedium = 0.8
	CacheHitRateHigh   = 0.5
	// PoolUtilizationHigh and PoolUtilizationCritical are the pool alert thresholds (strictly greater than).
	PoolUtilizationHigh     = 0.8
	PoolUtilizationCritical = 0.95
	// IndexOptimalScore is the efficiency score above which an index is optimal.
	IndexOptimalScore = 0.7

	// APILatencyHighMs and APILatencyCriticalMs are the API latency alert thresholds.
	APILatencyHighMs     = 1000.0
	APILatencyCriticalMs = 3000.0
	// APIErrorRateHigh and APIErrorRateCritical are the API error rate alert thresholds.
	APIErrorRateHigh     = 0.05
	APIErrorRateCritical = 0.15

	// CollaboratorTimeout bounds each section of the comprehensive report.
	CollaboratorTimeout = 5 * time.Second
	// TimeoutDuration defines the timeout duration for driver calls.
	TimeoutDuration = 2 * time.Second
	// ExplainTimeout bounds an EXPLAIN issued while a slow statement is being tracked.
	ExplainTimeout = 250 * time.Millisecond
	// ExplainQueryFormat is the format string for generating EXPLAIN queries in JSON format.
	ExplainQueryFormat = "EXPLAIN FORMAT=JSON %s"

	// RequestBodyLimitBytes caps request payload size of the tracking endpoints.
	RequestBodyLimitBytes int64 = 1 << 20

	// Durable cache keys.
	KeyPrefix          = "perfmon:"
	QuerySamplesKeyFmt = KeyPrefix + "queries:%s"
	SlowQueryLogKey    = KeyPrefix + "slow_queries"
	PoolSnapshotKey    = KeyPrefix + "pool:latest"
)

// SupportedStatements lists the statements the tracker classifies; anything else is recorded as SELECT.
var SupportedStatements = []string{"SELECT", "INSERT", "UPDATE", "DELETE"}

// IndexDefinition describes an index the registry is seeded with.
type IndexDefinition struct {
	Name    string   `yaml:"name" json:"name"`
	Table   string   `yaml:"table" json:"table"`
	Columns []string `yaml:"columns" json:"columns"`
}

// DefaultIndexCatalog is the set of indexes the application schema is expected to carry.
// The heuristic attribution strategy matches statements against these table and column names.
var DefaultIndexCatalog = []IndexDefinition{
	{Name: "idx_products_company_id", Table: "products", Columns: []string{"company_id"}},
	{Name: "idx_products_created_at", Table: "products", Columns: []string{"created_at"}},
	{Name: "idx_products_status", Table: "products", Columns: []string{"status"}},
	{Name: "idx_suppliers_company_id", Table: "suppliers", Columns: []string{"company_id"}},
	{Name: "idx_conversations_company_id", Table: "conversations", Columns: []string{"company_id"}},
	{Name: "idx_conversations_status", Table: "conversations", Columns: []string{"status"}},
	{Name: "idx_messages_conversation_id", Table: "messages", Columns: []string{"conversation_id"}},
	{Name: "idx_messages_created_at", Table: "messages", Columns: []string{"created_at"}},
	{Name: "idx_lca_inputs_product_id", Table: "lca_inputs", Columns: []string{"product_id"}},
	{Name: "idx_reports_company_id", Table: "reports", Columns: []string{"company_id"}},
	{Name: "idx_reports_updated_at", Table: "reports", Columns: []string{"updated_at"}},
	{Name: "idx_users_email", Table: "users", Columns: []string{"email"}},
}
