package indexregistry

import (
	"sort"
	"sync"
	"time"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
)

// Registry keeps cumulative usage statistics for a fixed catalog of indexes.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*datamodels.IndexUsageRecord
	now     func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		records: make(map[string]*datamodels.IndexUsageRecord),
		now:     now,
	}
}

// Initialize seeds the registry. Names already present are left untouched, so calling it
// again with the same catalog neither duplicates entries nor resets their counts.
func (r *Registry) Initialize(catalog []constants.IndexDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, def := range catalog {
		if def.Name == "" {
			continue
		}
		if _, ok := r.records[def.Name]; ok {
			continue
		}
		r.records[def.Name] = &datamodels.IndexUsageRecord{
			IndexName:       def.Name,
			TableName:       def.Table,
			LastUsedAt:      now,
			EfficiencyScore: datamodels.EfficiencyScore(0),
			IsOptimal:       datamodels.EfficiencyScore(0) > constants.IndexOptimalScore,
		}
	}
}

// RecordUsage attributes one execution to every named index. Names outside the catalog are ignored.
func (r *Registry) RecordUsage(indexNames []string, executionTimeMs float64) {
	if len(indexNames) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, name := range indexNames {
		rec, ok := r.records[name]
		if !ok {
			continue
		}
		rec.UsageCount++
		n := float64(rec.UsageCount)
		rec.AvgSeekTimeMs = (rec.AvgSeekTimeMs*(n-1) + executionTimeMs) / n
		rec.LastUsedAt = now
		setEfficiency(rec)
	}
}

func setEfficiency(rec *datamodels.IndexUsageRecord) {
	rec.EfficiencyScore = datamodels.EfficiencyScore(rec.AvgSeekTimeMs)
	rec.IsOptimal = rec.EfficiencyScore > constants.IndexOptimalScore
}

// Snapshot returns a copy of every record, most used first.
func (r *Registry) Snapshot() []datamodels.IndexUsageRecord {
	r.mu.RLock()
	out := make([]datamodels.IndexUsageRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].IndexName < out[j].IndexName
	})
	return out
}

// Top returns the n most used indexes.
func (r *Registry) Top(n int) []datamodels.IndexUsageRecord {
	snap := r.Snapshot()
	if n >= 0 && n < len(snap) {
		snap = snap[:n]
	}
	return snap
}

// Unused returns the indexes with no recorded usage whose last use is before cutoff.
func (r *Registry) Unused(cutoff time.Time) []datamodels.IndexUsageRecord {
	var out []datamodels.IndexUsageRecord
	for _, rec := range r.Snapshot() {
		if rec.UsageCount == 0 && rec.LastUsedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Reset zeroes every counter while keeping the catalog.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, rec := range r.records {
		rec.UsageCount = 0
		rec.AvgSeekTimeMs = 0
		rec.LastUsedAt = now
		setEfficiency(rec)
	}
}

// Known reports whether name is part of the catalog.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[name]
	return ok
}
