package indexregistry

import (
	"testing"
	"time"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []constants.IndexDefinition{
	{Name: "idx_products_company_id", Table: "products", Columns: []string{"company_id"}},
	{Name: "idx_products_created_at", Table: "products", Columns: []string{"created_at"}},
	{Name: "idx_suppliers_company_id", Table: "suppliers", Columns: []string{"company_id"}},
}

func find(t *testing.T, records []datamodels.IndexUsageRecord, name string) datamodels.IndexUsageRecord {
	t.Helper()
	for _, r := range records {
		if r.IndexName == name {
			return r
		}
	}
	require.Failf(t, "index not found", "%s", name)
	return datamodels.IndexUsageRecord{}
}

func TestRegistry_RecordUsage(t *testing.T) {
	r := NewRegistry(nil)
	r.Initialize(testCatalog)

	r.RecordUsage([]string{"idx_products_company_id"}, 100)
	r.RecordUsage([]string{"idx_products_company_id", "idx_unknown"}, 400)

	rec := find(t, r.Snapshot(), "idx_products_company_id")
	assert.Equal(t, int64(2), rec.UsageCount)
	assert.InDelta(t, 250, rec.AvgSeekTimeMs, 0.0001)
	assert.InDelta(t, 0.75, rec.EfficiencyScore, 0.0001)
	assert.True(t, rec.IsOptimal)
	assert.Len(t, r.Snapshot(), 3, "unknown index names are not tracked")
	assert.False(t, r.Known("idx_unknown"))
}

func TestRegistry_InitializeIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Initialize(testCatalog)
	r.RecordUsage([]string{"idx_suppliers_company_id"}, 10)

	r.Initialize(testCatalog)

	snap := r.Snapshot()
	assert.Len(t, snap, len(testCatalog))
	assert.Equal(t, int64(1), find(t, snap, "idx_suppliers_company_id").UsageCount)
}

func TestEfficiencyScore_Monotonic(t *testing.T) {
	prev := datamodels.EfficiencyScore(0)
	assert.Equal(t, 1.0, prev)
	for ms := 0.0; ms <= 3000; ms += 12.5 {
		score := datamodels.EfficiencyScore(ms)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
		assert.LessOrEqual(t, score, prev, "score must not increase with seek time (%.1fms)", ms)
		prev = score
	}
	assert.Equal(t, 0.0, datamodels.EfficiencyScore(1500))
}

func TestRegistry_OptimalBoundary(t *testing.T) {
	tests := []struct {
		name      string
		seekMs    float64
		isOptimal bool
	}{
		{"fast index", 100, true},
		{"just below 0.7", 301, false},
		{"slow index", 900, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			r.Initialize(testCatalog)
			r.RecordUsage([]string{"idx_products_created_at"}, tt.seekMs)
			assert.Equal(t, tt.isOptimal, find(t, r.Snapshot(), "idx_products_created_at").IsOptimal)
		})
	}
}

func TestRegistry_SnapshotOrderingAndTop(t *testing.T) {
	r := NewRegistry(nil)
	r.Initialize(testCatalog)
	r.RecordUsage([]string{"idx_suppliers_company_id"}, 5)
	r.RecordUsage([]string{"idx_suppliers_company_id"}, 5)
	r.RecordUsage([]string{"idx_products_created_at"}, 5)

	snap := r.Snapshot()
	assert.Equal(t, "idx_suppliers_company_id", snap[0].IndexName)
	assert.Equal(t, "idx_products_created_at", snap[1].IndexName)
	assert.Equal(t, "idx_products_company_id", snap[2].IndexName)

	assert.Len(t, r.Top(2), 2)
	assert.Len(t, r.Top(10), 3)
}

func TestRegistry_UnusedAndReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(func() time.Time { return now })
	r.Initialize(testCatalog)
	r.RecordUsage([]string{"idx_products_company_id"}, 50)

	now = now.Add(25 * time.Hour)
	unused := r.Unused(now.Add(-constants.UnusedIndexAge))
	assert.Len(t, unused, 2)

	r.Reset()
	rec := find(t, r.Snapshot(), "idx_products_company_id")
	assert.Equal(t, int64(0), rec.UsageCount)
	assert.Equal(t, 0.0, rec.AvgSeekTimeMs)
	assert.Equal(t, now, rec.LastUsedAt)
	assert.Empty(t, r.Unused(now.Add(-constants.UnusedIndexAge)), "reset restarts the unused clock")
}
