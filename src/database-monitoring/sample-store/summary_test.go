package samplestore

import (
	"testing"
	"time"

	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	fast := sampleAt("A", at, 100)
	fast.CacheHit = true
	fast.IndexesUsed = []string{"idx_b", "idx_a"}
	slow := sampleAt("A", at.Add(time.Second), 1500)
	insert := sampleAt("B", at, 20)
	insert.QueryType = datamodels.QueryTypeInsert

	groups := []QueryGroup{
		{QueryHash: "A", Query: "select ?", Samples: []datamodels.QuerySample{fast, slow}},
		{QueryHash: "B", Query: "insert into t values (?)", Samples: []datamodels.QuerySample{insert}},
	}

	summary := Summarize(groups)
	assert.Equal(t, 3, summary.TotalQueries)
	assert.Equal(t, 1, summary.SlowQueries)
	assert.Equal(t, 2, summary.UniqueQueries)
	assert.InDelta(t, 1.0/3, summary.CacheHitRate, 0.0001)
	assert.InDelta(t, 540, summary.AvgExecutionTimeMs, 0.0001)
	assert.Equal(t, 2, summary.QueriesByType[datamodels.QueryTypeSelect])
	assert.Equal(t, 1, summary.QueriesByType[datamodels.QueryTypeInsert])

	stats := GroupStats(groups[0])
	assert.Equal(t, 2, stats.CallCount)
	assert.Equal(t, 1, stats.SlowCount)
	assert.Equal(t, 800.0, stats.AvgExecutionTimeMs)
	assert.Equal(t, 1500.0, stats.MaxExecutionTimeMs)
	assert.Equal(t, []string{"idx_a", "idx_b"}, stats.IndexesUsed)
	assert.Equal(t, at.Add(time.Second), stats.LastSeen)
}

func TestSummarize_Empty(t *testing.T) {
	summary := Summarize(nil)
	assert.Zero(t, summary.TotalQueries)
	assert.Zero(t, summary.CacheHitRate)
	assert.NotNil(t, summary.QueriesByType)
}
