package alerts

import (
	"fmt"
	"testing"
	"time"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	indexregistry "github.com/newrelic/nri-perfmon/src/database-monitoring/index-registry"
	samplestore "github.com/newrelic/nri-perfmon/src/database-monitoring/sample-store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type fixedPool datamodels.ConnectionPoolSnapshot

func (p fixedPool) Latest() datamodels.ConnectionPoolSnapshot { return datamodels.ConnectionPoolSnapshot(p) }

func storeWith(total, slow int) *samplestore.Store {
	store := samplestore.NewStore(samplestore.Options{}, nil, clock)
	for i := 0; i < total; i++ {
		ms := 50.0
		if i < slow {
			ms = 1500
		}
		store.Append("select ?", datamodels.QuerySample{
			QueryHash:       "A",
			QueryType:       datamodels.QueryTypeSelect,
			ExecutionTimeMs: ms,
			IsSlow:          ms > constants.SlowQueryThresholdMs,
			CacheHit:        true,
			Timestamp:       testNow.Add(-time.Minute),
		})
	}
	return store
}

func ofType(alerts []datamodels.PerformanceAlert, t datamodels.AlertType) []datamodels.PerformanceAlert {
	var out []datamodels.PerformanceAlert
	for _, a := range alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func TestGenerator_SlowQueryThresholds(t *testing.T) {
	tests := []struct {
		slow     int
		expected datamodels.Severity
	}{
		{5, ""},
		{10, ""},
		{15, datamodels.SeverityHigh},
		{20, datamodels.SeverityHigh},
		{25, datamodels.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d of 100 slow", tt.slow), func(t *testing.T) {
			gen := NewGenerator(storeWith(100, tt.slow), nil, nil, nil, clock)
			found := ofType(gen.Evaluate(), datamodels.AlertSlowQuery)
			if tt.expected == "" {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.expected, found[0].Severity)
			assert.Equal(t, SourceDatabase, found[0].Source)
			assert.NotEmpty(t, found[0].ID)
		})
	}
}

func TestGenerator_Rules(t *testing.T) {
	gen := NewGenerator(nil, nil, nil, nil, clock)

	tests := []struct {
		name     string
		in       Inputs
		alert    datamodels.AlertType
		expected datamodels.Severity
	}{
		{"cache hit rate fine", Inputs{Summary: datamodels.ReportSummary{TotalQueries: 10, CacheHitRate: 0.8}}, datamodels.AlertCacheMiss, ""},
		{"cache hit rate medium", Inputs{Summary: datamodels.ReportSummary{TotalQueries: 10, CacheHitRate: 0.6}}, datamodels.AlertCacheMiss, datamodels.SeverityMedium},
		{"cache hit rate high", Inputs{Summary: datamodels.ReportSummary{TotalQueries: 10, CacheHitRate: 0.4}}, datamodels.AlertCacheMiss, datamodels.SeverityHigh},
		{"no samples no cache alert", Inputs{}, datamodels.AlertCacheMiss, ""},
		{"pool fine", Inputs{Pool: datamodels.ConnectionPoolSnapshot{ActiveConnections: 16, MaxConnections: 20}}, datamodels.AlertConnectionPool, ""},
		{"pool high", Inputs{Pool: datamodels.ConnectionPoolSnapshot{ActiveConnections: 17, MaxConnections: 20}}, datamodels.AlertConnectionPool, datamodels.SeverityHigh},
		{"pool critical", Inputs{Pool: datamodels.ConnectionPoolSnapshot{ActiveConnections: 20, MaxConnections: 20}}, datamodels.AlertConnectionPool, datamodels.SeverityCritical},
		{"unknown pool size", Inputs{Pool: datamodels.ConnectionPoolSnapshot{ActiveConnections: 20}}, datamodels.AlertConnectionPool, ""},
		{"unused indexes", Inputs{UnusedIndexes: []datamodels.IndexUsageRecord{{IndexName: "idx_a"}, {IndexName: "idx_b"}}}, datamodels.AlertIndexMissing, datamodels.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := ofType(gen.Rules(tt.in, testNow), tt.alert)
			if tt.expected == "" {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.expected, found[0].Severity)
		})
	}
}

func TestGenerator_UnusedIndexAlertIsAggregated(t *testing.T) {
	now := testNow
	registry := indexregistry.NewRegistry(func() time.Time { return now })
	registry.Initialize(constants.DefaultIndexCatalog)
	registry.RecordUsage([]string{"idx_users_email"}, 5)

	gen := NewGenerator(storeWith(0, 0), registry, fixedPool{}, nil, func() time.Time { return now })
	assert.Empty(t, ofType(gen.Evaluate(), datamodels.AlertIndexMissing))

	now = now.Add(25 * time.Hour)
	found := ofType(gen.Evaluate(), datamodels.AlertIndexMissing)
	require.Len(t, found, 1)
	assert.Equal(t, float64(len(constants.DefaultIndexCatalog)-1), found[0].MetricValue)
	assert.NotContains(t, found[0].Message, "idx_users_email")
}

func TestBook_ResolveAndPrune(t *testing.T) {
	gen := NewGenerator(storeWith(100, 30), nil, fixedPool{ActiveConnections: 20, MaxConnections: 20}, nil, clock)
	first := gen.Evaluate()
	require.Len(t, first, 2)

	book := gen.Book()
	require.NoError(t, book.Resolve(first[0].ID))
	assert.True(t, book.Latest()[0].Resolved)
	assert.ErrorIs(t, book.Resolve("missing"), ErrAlertNotFound)

	second := gen.Evaluate()
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, second[0].Resolved)
	assert.Equal(t, first[1].ID, second[1].ID)
	assert.False(t, second[1].Resolved)

	assert.Zero(t, book.Prune(testNow.Add(time.Second)))
	require.NoError(t, book.Resolve(first[1].ID))

	book.Replace(nil)
	assert.Equal(t, 2, book.Prune(testNow.Add(time.Second)))
	assert.ErrorIs(t, book.Resolve(first[0].ID), ErrAlertNotFound)

	gen.Evaluate()
	assert.Len(t, book.Latest(), 2)
	book.Reset()
	assert.Empty(t, book.Latest())
}

func TestBook_CarriesConditionsAcrossCycles(t *testing.T) {
	alert := func(id string, typ datamodels.AlertType, sev datamodels.Severity) datamodels.PerformanceAlert {
		return datamodels.PerformanceAlert{ID: id, Type: typ, Severity: sev, Source: SourceDatabase, Timestamp: testNow}
	}
	book := NewBook()
	book.Replace([]datamodels.PerformanceAlert{
		alert("a1", datamodels.AlertSlowQuery, datamodels.SeverityHigh),
		alert("b1", datamodels.AlertConnectionPool, datamodels.SeverityHigh),
		alert("c1", datamodels.AlertCacheMiss, datamodels.SeverityMedium),
	})
	require.NoError(t, book.Resolve("a1"))
	require.NoError(t, book.Resolve("b1"))

	book.Replace([]datamodels.PerformanceAlert{
		alert("a2", datamodels.AlertSlowQuery, datamodels.SeverityHigh),
		alert("b2", datamodels.AlertConnectionPool, datamodels.SeverityCritical),
		alert("d2", datamodels.AlertIndexMissing, datamodels.SeverityLow),
	})

	latest := book.Latest()
	require.Len(t, latest, 3)
	assert.Equal(t, "a1", latest[0].ID)
	assert.True(t, latest[0].Resolved)
	assert.Equal(t, "b1", latest[1].ID)
	assert.False(t, latest[1].Resolved, "a rise in severity reopens the alert")
	assert.Equal(t, datamodels.SeverityCritical, latest[1].Severity)
	assert.Equal(t, "d2", latest[2].ID)
	assert.ErrorIs(t, book.Resolve("a2"), ErrAlertNotFound)
	require.NoError(t, book.Resolve("c1"))

	for i := 0; i < 10; i++ {
		book.Replace([]datamodels.PerformanceAlert{alert(fmt.Sprintf("a%d", i+3), datamodels.AlertSlowQuery, datamodels.SeverityHigh)})
	}
	assert.Equal(t, 3, book.Prune(testNow.Add(time.Second)))
	assert.NoError(t, book.Resolve("a1"))
}

func TestSortAlerts(t *testing.T) {
	alerts := []datamodels.PerformanceAlert{
		{ID: "low", Severity: datamodels.SeverityLow, Timestamp: testNow},
		{ID: "high-old", Severity: datamodels.SeverityHigh, Timestamp: testNow.Add(-time.Hour)},
		{ID: "critical", Severity: datamodels.SeverityCritical, Timestamp: testNow.Add(-2 * time.Hour)},
		{ID: "high-new", Severity: datamodels.SeverityHigh, Timestamp: testNow},
		{ID: "medium", Severity: datamodels.SeverityMedium, Timestamp: testNow},
	}
	SortAlerts(alerts)

	var ids []string
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"critical", "high-new", "high-old", "medium", "low"}, ids)
}
