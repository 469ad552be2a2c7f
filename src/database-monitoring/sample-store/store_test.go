package samplestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func sampleAt(hash string, at time.Time, ms float64) datamodels.QuerySample {
	return datamodels.QuerySample{
		QueryHash:       hash,
		QueryType:       datamodels.QueryTypeSelect,
		ExecutionTimeMs: ms,
		IsSlow:          ms > constants.SlowQueryThresholdMs,
		Timestamp:       at,
	}
}

type downCache struct{}

var errDown = errors.New("dial tcp: connection refused")

func (downCache) Get(context.Context, string) (string, error) { return "", errDown }
func (downCache) Set(context.Context, string, string, time.Duration) error {
	return errDown
}
func (downCache) PushCapped(context.Context, string, string, int64, time.Duration) error {
	return errDown
}
func (downCache) Range(context.Context, string, int64, int64) ([]string, error) {
	return nil, errDown
}
func (downCache) DeletePrefix(context.Context, string) error { return errDown }
func (downCache) Ping(context.Context) error                 { return errDown }
func (downCache) Close() error                               { return nil }

func TestStore_RetentionWindow(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{}, nil, clock.Now)

	old := clock.Now()
	s.Append("select ?", sampleAt("OLD", old, 10))
	clock.Advance(23 * time.Hour)
	s.Append("select ?", sampleAt("OLD", clock.Now(), 20))
	s.Append("select 1", sampleAt("NEW", clock.Now(), 30))

	clock.Advance(2 * time.Hour)
	removed, hashes := s.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, hashes)

	groups := s.Window(clock.Now().Add(-constants.RetentionWindow))
	require.Len(t, groups, 2)
	for _, g := range groups {
		for _, sample := range g.Samples {
			assert.False(t, sample.Timestamp.Equal(old), "expired sample must not be aggregated")
		}
	}

	clock.Advance(23 * time.Hour)
	_, hashes = s.Sweep()
	assert.Equal(t, 2, hashes)
	h, n := s.Counts()
	assert.Equal(t, 0, h)
	assert.Equal(t, 0, n)
}

func TestStore_CapKeepsMostRecent(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{MaxSamplesPerHash: 3}, nil, clock.Now)

	for i := 1; i <= 5; i++ {
		s.Append("select ?", sampleAt("H", clock.Now(), float64(i)))
		clock.Advance(time.Second)
	}

	groups := s.Window(time.Time{})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{
		groups[0].Samples[0].ExecutionTimeMs,
		groups[0].Samples[1].ExecutionTimeMs,
		groups[0].Samples[2].ExecutionTimeMs,
	})
}

func TestStore_CapTrimIsAmortized(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{MaxSamplesPerHash: 100}, nil, clock.Now)

	for i := 1; i <= 1000; i++ {
		s.Append("select ?", sampleAt("H", clock.Now(), float64(i)))
		clock.Advance(time.Millisecond)
	}

	groups := s.Window(time.Time{})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Samples, 100)
	for i, sample := range groups[0].Samples {
		assert.Equal(t, float64(901+i), sample.ExecutionTimeMs)
	}

	full := make([]datamodels.QuerySample, 101)
	for i := range full {
		full[i] = sampleAt("H", clock.Now(), float64(i))
	}
	allocs := testing.AllocsPerRun(100, func() {
		trimmed := trimSamples(full, time.Time{}, 100)
		if len(trimmed) != 100 {
			t.Fatalf("expected 100 samples, got %d", len(trimmed))
		}
	})
	assert.Zero(t, allocs)
}

func TestStore_SlowLog(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{MaxSlowQueryLog: 2}, nil, clock.Now)

	s.Append("select a", sampleAt("A", clock.Now(), 1500))
	s.Append("select b", sampleAt("B", clock.Now(), 50))
	s.Append("select c", sampleAt("C", clock.Now(), 2500))
	s.Append("select d", sampleAt("D", clock.Now(), 3500))

	log := s.SlowLog(10)
	require.Len(t, log, 2)
	assert.Equal(t, "select d", log[0].NormalizedQuery)
	assert.Equal(t, "select c", log[1].NormalizedQuery)
}

func TestStore_Volume(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{}, nil, clock.Now)

	s.Append("q", sampleAt("A", clock.Now(), 100))
	clock.Advance(2 * time.Minute)
	s.Append("q", sampleAt("A", clock.Now(), 40000))
	s.Append("r", sampleAt("B", clock.Now(), 20))

	v := s.Volume(clock.Now().Add(-time.Minute), constants.ConnectionTimeoutMs)
	assert.Equal(t, 2, v.Count)
	assert.Equal(t, 1, v.Timeouts)
	assert.InDelta(t, 20010, v.AvgExecutionTimeMs, 0.001)
}

func TestStore_MirrorsIntoDurableCache(t *testing.T) {
	clock := newClock()
	cache, err := durablecache.NewLocalCache(time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	s := NewStore(Options{}, cache, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunMirror(ctx)

	s.Append("select * from products where id = ?", sampleAt("ABC", clock.Now(), 1200))

	key := fmt.Sprintf(constants.QuerySamplesKeyFmt, "ABC")
	assert.Eventually(t, func() bool {
		vals, err := cache.Range(context.Background(), key, 0, -1)
		return err == nil && len(vals) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(s.DurableSlowLog(context.Background(), 10)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, s.MirrorHealthy())
}

func TestStore_DegradesWhenDurableCacheFails(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{}, downCache{}, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunMirror(ctx)

	s.Append("select ?", sampleAt("H", clock.Now(), 2000))

	assert.Eventually(t, func() bool { return !s.MirrorHealthy() }, time.Second, 10*time.Millisecond)

	groups := s.Window(time.Time{})
	require.Len(t, groups, 1)
	assert.Len(t, s.DurableSlowLog(context.Background(), 10), 1, "falls back to the local slow log")
	assert.Error(t, s.Clear(context.Background()))
	h, _ := s.Counts()
	assert.Equal(t, 0, h, "memory is cleared even when the durable cache is down")
}

func TestStore_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{MirrorQueueSize: 1}, downCache{}, clock.Now)

	for i := 0; i < 5; i++ {
		s.Append("select ?", sampleAt("H", clock.Now(), 10))
	}
	assert.Equal(t, int64(4), s.DroppedMirrorWrites())
}
