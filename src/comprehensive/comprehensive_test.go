package comprehensive

import (
	"context"
	"errors"
	"testing"
	"time"

	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	cachemetrics "github.com/newrelic/nri-perfmon/src/cache-metrics"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	frontendperformance "github.com/newrelic/nri-perfmon/src/frontend-performance"
	systemstats "github.com/newrelic/nri-perfmon/src/system-stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type MockReports struct {
	mock.Mock
}

func (m *MockReports) Generate(ctx context.Context, windowHours int) (datamodels.PerformanceReport, error) {
	args := m.Called(ctx, windowHours)
	return args.Get(0).(datamodels.PerformanceReport), args.Error(1)
}

func (m *MockReports) DatabaseMetrics(ctx context.Context) (datamodels.DatabaseMetrics, error) {
	args := m.Called(ctx)
	return args.Get(0).(datamodels.DatabaseMetrics), args.Error(1)
}

type MockClearer struct {
	mock.Mock
}

func (m *MockClearer) ClearAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type slowAPI struct {
	*apiperformance.Tracker
	delay time.Duration
}

func (s slowAPI) Report(window time.Duration) apiperformance.Report {
	time.Sleep(s.delay)
	return s.Tracker.Report(window)
}

type fixedSystem struct {
	stats systemstats.Stats
	err   error
}

func (f fixedSystem) Read(context.Context) (systemstats.Stats, error) { return f.stats, f.err }

type fixedPool datamodels.ConnectionPoolSnapshot

func (p fixedPool) Latest() datamodels.ConnectionPoolSnapshot { return datamodels.ConnectionPoolSnapshot(p) }

func ptr(v float64) *float64 { return &v }

func TestOverallHealth(t *testing.T) {
	tests := []struct {
		name   string
		scores Scores
		score  float64
		status string
	}{
		{"nothing available", Scores{}, 0, StatusUnknown},
		{"all perfect", Scores{ptr(100), ptr(100), ptr(100), ptr(100)}, 100, StatusExcellent},
		{"renormalized over database and api", Scores{Database: ptr(80), API: ptr(100)}, (80*0.35 + 100*0.30) / 0.65, StatusGood},
		{"weighted", Scores{ptr(50), ptr(50), ptr(0), ptr(100)}, 50*0.35 + 50*0.30 + 100*0.20, StatusFair},
		{"poor", Scores{Frontend: ptr(10)}, 10, StatusPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, status := OverallHealth(tt.scores)
			assert.InDelta(t, tt.score, score, 0.0001)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusExcellent, Status(90))
	assert.Equal(t, StatusGood, Status(89.9))
	assert.Equal(t, StatusGood, Status(75))
	assert.Equal(t, StatusFair, Status(50))
	assert.Equal(t, StatusPoor, Status(49.9))
}

func TestGenerate_PartialResults(t *testing.T) {
	reports := &MockReports{}
	reports.On("DatabaseMetrics", mock.Anything).Return(datamodels.DatabaseMetrics{}, errors.New("database report exploded"))

	api := apiperformance.NewTracker()
	require.NoError(t, api.Track("/api/products", "GET", 100, 200, false, ""))

	s := NewSynthesizer(Collaborators{
		Reports:  reports,
		API:      slowAPI{Tracker: api, delay: 500 * time.Millisecond},
		Cache:    cachemetrics.NewTracker(),
		Frontend: frontendperformance.NewEstimator(constants.DefaultFrontendBaselines),
		System:   fixedSystem{err: errors.New("no /proc")},
	}, constants.DefaultOptimizationBaselines, 20*time.Millisecond, func() time.Time { return testNow })

	snap := s.Generate(context.Background())

	assert.False(t, snap.DatabasePerformance.Available)
	assert.Contains(t, snap.DatabasePerformance.Error, "database report exploded")
	assert.Nil(t, snap.DatabasePerformance.Data)

	assert.False(t, snap.APIPerformance.Available)
	assert.Contains(t, snap.APIPerformance.Error, "timed out")

	assert.False(t, snap.SystemHealth.System.Available)
	require.True(t, snap.FrontendPerformance.Available)
	assert.Equal(t, frontendperformance.SourceBaseline, snap.FrontendPerformance.Data.Source)

	require.True(t, snap.SystemHealth.Cache.Available)
	assert.Nil(t, snap.SystemHealth.Scores.Cache, "an unused cache has no score")
	assert.InDelta(t, snap.FrontendPerformance.Data.Score, snap.SystemHealth.OverallHealthScore, 0.0001)
	reports.AssertExpectations(t)
}

func TestGenerate_CallerCancellation(t *testing.T) {
	reports := &MockReports{}
	reports.On("DatabaseMetrics", mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(datamodels.DatabaseMetrics{}, context.Canceled)

	s := NewSynthesizer(Collaborators{
		Reports: reports,
		API:     slowAPI{Tracker: apiperformance.NewTracker(), delay: 2 * time.Second},
	}, constants.DefaultOptimizationBaselines, 5*time.Second, func() time.Time { return testNow })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	snap := s.Generate(ctx)

	assert.Less(t, time.Since(start), time.Second, "sections stop waiting once the caller gives up")
	assert.False(t, snap.DatabasePerformance.Available)
	assert.Contains(t, snap.DatabasePerformance.Error, context.Canceled.Error())
	assert.False(t, snap.APIPerformance.Available)
	assert.Contains(t, snap.APIPerformance.Error, context.Canceled.Error())
	assert.NotContains(t, snap.APIPerformance.Error, "timed out")
	assert.Equal(t, StatusUnknown, snap.SystemHealth.Status)
}

func TestGenerate_AllSections(t *testing.T) {
	reports := &MockReports{}
	reports.On("DatabaseMetrics", mock.Anything).Return(datamodels.DatabaseMetrics{Score: 90}, nil)

	cache := cachemetrics.NewTracker()
	cache.Record(cachemetrics.NamespaceDatabase, true)

	dbBook := alerts.NewBook()
	dbBook.Replace([]datamodels.PerformanceAlert{
		{ID: "a", Severity: datamodels.SeverityCritical, Timestamp: testNow},
		{ID: "b", Severity: datamodels.SeverityLow, Timestamp: testNow},
	})
	require.NoError(t, dbBook.Resolve("b"))

	s := NewSynthesizer(Collaborators{
		Reports:  reports,
		API:      apiperformance.NewTracker(),
		Cache:    cache,
		Frontend: frontendperformance.NewEstimator(constants.DefaultFrontendBaselines),
		System:   fixedSystem{stats: systemstats.Stats{CPUPercent: 12}},
		Books:    []*alerts.Book{dbBook},
	}, constants.DefaultOptimizationBaselines, time.Second, nil)

	snap := s.Generate(context.Background())

	assert.True(t, snap.DatabasePerformance.Available)
	assert.True(t, snap.APIPerformance.Available)
	assert.True(t, snap.SystemHealth.System.Available)
	assert.Equal(t, 12.0, snap.SystemHealth.System.Data.CPUPercent)
	assert.InDelta(t, (90*0.35+100*0.30+100*0.15+100*0.20)/1.0, snap.SystemHealth.OverallHealthScore, 0.0001)
	assert.Equal(t, StatusExcellent, snap.SystemHealth.Status)
	assert.Equal(t, 1, snap.SystemHealth.ActiveAlerts)
	assert.Equal(t, 1, snap.SystemHealth.CriticalAlerts)
	assert.Positive(t, snap.ExecutionTime)
}

func TestGenerate_NothingConfigured(t *testing.T) {
	snap := NewSynthesizer(Collaborators{}, constants.DefaultOptimizationBaselines, 0, nil).Generate(context.Background())

	assert.False(t, snap.DatabasePerformance.Available)
	assert.Contains(t, snap.DatabasePerformance.Error, ErrNotConfigured.Error())
	assert.Equal(t, StatusUnknown, snap.SystemHealth.Status)
}

func TestOptimizationImpact(t *testing.T) {
	reports := &MockReports{}
	reports.On("Generate", mock.Anything, 1).Return(datamodels.PerformanceReport{
		Summary: datamodels.ReportSummary{TotalQueries: 200, AvgExecutionTimeMs: 85, SlowQueryRate: 0.015},
	}, nil)

	api := apiperformance.NewTracker()
	require.NoError(t, api.Track("/api/lca/calculate", "POST", 900, 200, false, ""))
	cache := cachemetrics.NewTracker()
	for i := 0; i < 9; i++ {
		cache.Record(cachemetrics.NamespaceAPI, true)
	}
	cache.Record(cachemetrics.NamespaceAPI, false)

	s := NewSynthesizer(Collaborators{
		Reports:  reports,
		API:      api,
		Cache:    cache,
		Frontend: frontendperformance.NewEstimator(constants.DefaultFrontendBaselines),
	}, constants.DefaultOptimizationBaselines, time.Second, nil)

	impact := s.OptimizationImpact(context.Background())

	require.NotNil(t, impact.LCAOptimization.ImprovementPercent)
	assert.InDelta(t, 80, *impact.LCAOptimization.ImprovementPercent, 0.0001)
	assert.Equal(t, SourceMeasured, impact.LCAOptimization.Source)

	assert.InDelta(t, 62.9166, *impact.BundleOptimization.ImprovementPercent, 0.001)
	assert.Equal(t, SourceBaseline, impact.BundleOptimization.Source)

	assert.InDelta(t, 90, *impact.CacheOptimization.After, 0.0001)
	assert.InDelta(t, 100, *impact.CacheOptimization.ImprovementPercent, 0.0001)

	assert.InDelta(t, 90, *impact.DatabaseOptimization.AvgQueryTime.ImprovementPercent, 0.0001)
	assert.InDelta(t, 90, *impact.DatabaseOptimization.SlowQueryRate.ImprovementPercent, 0.0001)
}

func TestOptimizationImpact_NothingMeasured(t *testing.T) {
	reports := &MockReports{}
	reports.On("Generate", mock.Anything, 1).Return(datamodels.PerformanceReport{}, nil)

	s := NewSynthesizer(Collaborators{Reports: reports, API: apiperformance.NewTracker(), Cache: cachemetrics.NewTracker()},
		constants.DefaultOptimizationBaselines, time.Second, nil)
	impact := s.OptimizationImpact(context.Background())

	assert.Nil(t, impact.LCAOptimization.After)
	assert.Nil(t, impact.LCAOptimization.ImprovementPercent)
	assert.Nil(t, impact.CacheOptimization.After)
	assert.Nil(t, impact.DatabaseOptimization.AvgQueryTime.After)
	assert.Equal(t, constants.DefaultOptimizationBaselines.LCACalculationMs, impact.LCAOptimization.Before)
}

func TestRealtime(t *testing.T) {
	api := apiperformance.NewTracker(apiperformance.WithClock(func() time.Time { return testNow }))
	require.NoError(t, api.Track("/api/users/1", "GET", 100, 200, false, "u1"))
	require.NoError(t, api.Track("/api/users/2", "GET", 300, 500, false, "u2"))
	cache := cachemetrics.NewTracker()
	cache.Record(cachemetrics.NamespaceDatabase, true)
	cache.Record(cachemetrics.NamespaceDatabase, false)

	s := NewSynthesizer(Collaborators{
		API:    api,
		Cache:  cache,
		Pool:   fixedPool{ActiveConnections: 4, Source: datamodels.PoolSourceEstimated},
		System: fixedSystem{stats: systemstats.Stats{CPUPercent: 42, MemoryUsedPercent: 61, MemoryUsed: "4.9 GiB"}},
	}, constants.DefaultOptimizationBaselines, time.Second, func() time.Time { return testNow })

	rt := s.Realtime(context.Background())

	assert.Equal(t, testNow, rt.Timestamp)
	assert.Equal(t, 2, rt.ActiveUsers)
	assert.Equal(t, 1, rt.ErrorCount)
	assert.Equal(t, 200.0, rt.AvgResponseTimeMs)
	assert.Equal(t, 0.5, rt.CacheHitRate)
	assert.Equal(t, 4, rt.DatabaseConnections)
	assert.Equal(t, "estimated", rt.PoolSource)
	assert.Equal(t, 42.0, rt.CPUUsage)
	assert.Equal(t, 61.0, rt.MemoryUsage)
}

func TestAlertsAndResolve(t *testing.T) {
	dbBook, apiBook := alerts.NewBook(), alerts.NewBook()
	dbBook.Replace([]datamodels.PerformanceAlert{{ID: "db-1", Severity: datamodels.SeverityHigh, Timestamp: testNow}})
	apiBook.Replace([]datamodels.PerformanceAlert{
		{ID: "api-1", Severity: datamodels.SeverityCritical, Timestamp: testNow.Add(-time.Minute)},
		{ID: "api-2", Severity: datamodels.SeverityHigh, Timestamp: testNow.Add(time.Minute)},
	})
	s := NewSynthesizer(Collaborators{Books: []*alerts.Book{dbBook, apiBook}}, constants.DefaultOptimizationBaselines, 0, nil)

	merged := s.Alerts()
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"api-1", "api-2", "db-1"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})

	require.NoError(t, s.ResolveAlert("api-2"))
	assert.True(t, apiBook.Latest()[1].Resolved)
	assert.ErrorIs(t, s.ResolveAlert("missing"), alerts.ErrAlertNotFound)

	assert.NotNil(t, NewSynthesizer(Collaborators{}, constants.DefaultOptimizationBaselines, 0, nil).Alerts())
}

func TestClearAll(t *testing.T) {
	api := apiperformance.NewTracker()
	require.NoError(t, api.Track("/api", "GET", 1, 200, false, ""))
	cache := cachemetrics.NewTracker()
	cache.Record(cachemetrics.NamespaceAPI, true)

	clearer := &MockClearer{}
	clearer.On("ClearAll", mock.Anything).Return(errors.New("redis down")).Once()
	clearer.On("ClearAll", mock.Anything).Return(nil).Once()

	s := NewSynthesizer(Collaborators{Database: clearer, API: api, Cache: cache}, constants.DefaultOptimizationBaselines, 0, nil)

	assert.EqualError(t, s.ClearAll(context.Background()), "redis down")
	assert.Equal(t, 0, api.Report(time.Hour).TotalRequests)
	assert.False(t, cache.Snapshot().HasData)

	assert.NoError(t, s.ClearAll(context.Background()))
	clearer.AssertExpectations(t)
}

func TestDetailedViews(t *testing.T) {
	reports := &MockReports{}
	reports.On("Generate", mock.Anything, 6).Return(datamodels.PerformanceReport{WindowHours: 6}, nil)

	api := apiperformance.NewTracker()
	require.NoError(t, api.Track("/api/lca/run", "POST", 50, 200, false, ""))

	s := NewSynthesizer(Collaborators{Reports: reports, API: api}, constants.DefaultOptimizationBaselines, 0, nil)

	db, err := s.DatabaseDetailed(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 6, db.Report.WindowHours)
	assert.NotNil(t, db.SlowQueries)
	assert.NotNil(t, db.IndexEfficiency)

	apiView, err := s.APIDetailed(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, apiView.LCAMetrics.Requests)
	assert.Len(t, apiView.TopEndpoints, 1)

	_, err = NewSynthesizer(Collaborators{}, constants.DefaultOptimizationBaselines, 0, nil).DatabaseDetailed(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTelemetryBatches(t *testing.T) {
	reports := &MockReports{}
	reports.On("DatabaseMetrics", mock.Anything).Return(datamodels.DatabaseMetrics{Score: 100}, nil)

	s := NewSynthesizer(Collaborators{
		Reports: reports,
		API:     apiperformance.NewTracker(),
		Cache:   cachemetrics.NewTracker(),
		System:  fixedSystem{},
	}, constants.DefaultOptimizationBaselines, time.Second, nil)

	var names []string
	for _, b := range s.TelemetryBatches(context.Background()) {
		names = append(names, b.EventName)
	}
	assert.ElementsMatch(t, []string{
		"PerfmonHealthSample", "PerfmonDatabaseSample", "PerfmonPoolSample",
		"PerfmonApiSample", "PerfmonCacheSample", "PerfmonSystemSample",
	}, names)
}
