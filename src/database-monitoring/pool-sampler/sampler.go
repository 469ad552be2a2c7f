package poolsampler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	samplestore "github.com/newrelic/nri-perfmon/src/database-monitoring/sample-store"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
	utils "github.com/newrelic/nri-perfmon/src/utils"
)

// PoolTelemetrySource produces a connection pool reading.
type PoolTelemetrySource interface {
	Stats(ctx context.Context) (datamodels.ConnectionPoolSnapshot, error)
}

// VolumeReader exposes the query volume the estimator is based on.
type VolumeReader interface {
	Volume(since time.Time, timeoutMs float64) samplestore.Volume
}

// VolumeEstimator approximates pool occupancy from recent query volume. It has no view
// of the real pool; its snapshots are marked PoolSourceEstimated.
type VolumeEstimator struct {
	volume         VolumeReader
	maxConnections int
	now            func() time.Time
}

func NewVolumeEstimator(volume VolumeReader, maxConnections int, now func() time.Time) *VolumeEstimator {
	if maxConnections <= 0 {
		maxConnections = constants.DefaultMaxConnections
	}
	if now == nil {
		now = time.Now
	}
	return &VolumeEstimator{volume: volume, maxConnections: maxConnections, now: now}
}

// Stats applies the linear model active = clamp(queries in the last minute / 15, 1, 15).
func (e *VolumeEstimator) Stats(context.Context) (datamodels.ConnectionPoolSnapshot, error) {
	now := e.now()
	v := e.volume.Volume(now.Add(-constants.PoolVolumeWindow), constants.ConnectionTimeoutMs)

	demand := v.Count / constants.QueriesPerConnection
	active := clamp(demand, 1, constants.EstimatedMaxActive)
	if active > e.maxConnections {
		active = e.maxConnections
	}
	waiting := demand - active
	if waiting < 0 {
		waiting = 0
	}

	return datamodels.ConnectionPoolSnapshot{
		TotalConnections:    e.maxConnections,
		ActiveConnections:   active,
		IdleConnections:     e.maxConnections - active,
		MaxConnections:      e.maxConnections,
		WaitingConnections:  waiting,
		AvgConnectionTimeMs: v.AvgExecutionTimeMs,
		ConnectionTimeouts:  v.Timeouts,
		Source:              datamodels.PoolSourceEstimated,
		SampledAt:           now,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DriverPoolSource reads database/sql pool statistics of the monitored database handle.
// Wait count and duration are reported as deltas since the previous reading.
type DriverPoolSource struct {
	db  utils.DataSource
	now func() time.Time

	mu           sync.Mutex
	lastWait     int64
	lastWaitTime time.Duration
	lastClosed   int64
}

func NewDriverPoolSource(db utils.DataSource, now func() time.Time) *DriverPoolSource {
	if now == nil {
		now = time.Now
	}
	return &DriverPoolSource{db: db, now: now}
}

func (d *DriverPoolSource) Stats(context.Context) (datamodels.ConnectionPoolSnapshot, error) {
	if d.db == nil {
		return datamodels.ConnectionPoolSnapshot{}, fmt.Errorf("no database handle")
	}
	st := d.db.Stats()

	d.mu.Lock()
	waits := st.WaitCount - d.lastWait
	waitTime := st.WaitDuration - d.lastWaitTime
	closed := (st.MaxIdleTimeClosed + st.MaxLifetimeClosed) - d.lastClosed
	d.lastWait, d.lastWaitTime, d.lastClosed = st.WaitCount, st.WaitDuration, st.MaxIdleTimeClosed+st.MaxLifetimeClosed
	d.mu.Unlock()

	var avgWaitMs float64
	if waits > 0 {
		avgWaitMs = float64(waitTime.Microseconds()) / 1000 / float64(waits)
	}
	maxConns := st.MaxOpenConnections
	if maxConns == 0 {
		// unlimited pool, report the open count so utilization stays meaningful
		maxConns = st.OpenConnections
	}

	return datamodels.ConnectionPoolSnapshot{
		TotalConnections:    st.OpenConnections,
		ActiveConnections:   st.InUse,
		IdleConnections:     st.Idle,
		MaxConnections:      maxConns,
		WaitingConnections:  int(waits),
		AvgConnectionTimeMs: avgWaitMs,
		ConnectionTimeouts:  int(closed),
		Source:              datamodels.PoolSourceDriver,
		SampledAt:           d.now(),
	}, nil
}

// Sampler takes a pool reading on every tick and keeps the latest one.
type Sampler struct {
	primary  PoolTelemetrySource
	fallback PoolTelemetrySource
	cache    durablecache.Cache
	timeout  time.Duration

	mu     sync.RWMutex
	latest datamodels.ConnectionPoolSnapshot
}

// NewSampler creates a sampler. primary may be nil, the fallback estimator is then the only source.
func NewSampler(primary, fallback PoolTelemetrySource, cache durablecache.Cache, timeout time.Duration) *Sampler {
	if timeout <= 0 {
		timeout = constants.MirrorTimeout
	}
	return &Sampler{primary: primary, fallback: fallback, cache: cache, timeout: timeout}
}

// Sample reads the pool, stores the snapshot as the latest one and persists it.
func (s *Sampler) Sample(ctx context.Context) datamodels.ConnectionPoolSnapshot {
	snap, err := s.read(ctx)
	if err != nil {
		log.Warn("Connection pool sampling failed: %v", err)
		return s.Latest()
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	s.persist(ctx, snap)
	return snap
}

func (s *Sampler) read(ctx context.Context) (datamodels.ConnectionPoolSnapshot, error) {
	if s.primary != nil {
		snap, err := s.primary.Stats(ctx)
		if err == nil {
			return snap, nil
		}
		log.Warn("Pool telemetry unavailable, using volume estimate: %v", err)
	}
	if s.fallback == nil {
		return datamodels.ConnectionPoolSnapshot{}, fmt.Errorf("no pool telemetry source configured")
	}
	return s.fallback.Stats(ctx)
}

func (s *Sampler) persist(ctx context.Context, snap datamodels.ConnectionPoolSnapshot) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.cache.Set(ctx, constants.PoolSnapshotKey, string(payload), constants.PoolSnapshotTTL); err != nil {
		log.Debug("Could not persist pool snapshot: %v", err)
	}
}

// Latest returns the most recent snapshot, the zero snapshot before the first tick.
func (s *Sampler) Latest() datamodels.ConnectionPoolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// CurrentPoolSize is the pool size recorded on each tracked sample.
func (s *Sampler) CurrentPoolSize() int {
	return s.Latest().TotalConnections
}

// Shared returns the snapshot persisted by any instance, falling back to the local one.
func (s *Sampler) Shared(ctx context.Context) datamodels.ConnectionPoolSnapshot {
	if s.cache == nil {
		return s.Latest()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.cache.Get(ctx, constants.PoolSnapshotKey)
	if err != nil {
		return s.Latest()
	}
	var snap datamodels.ConnectionPoolSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return s.Latest()
	}
	return snap
}

// Reset forgets the latest snapshot.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.latest = datamodels.ConnectionPoolSnapshot{}
	s.mu.Unlock()
}
