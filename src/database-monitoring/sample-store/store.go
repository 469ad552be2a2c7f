package samplestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
)

// Options tunes the store. Zero values fall back to the package constants.
type Options struct {
	Retention             time.Duration
	MaxSamplesPerHash     int
	DurableSamplesPerHash int
	MaxSlowQueryLog       int
	MirrorTimeout         time.Duration
	MirrorQueueSize       int
}

func (o *Options) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = constants.RetentionWindow
	}
	if o.MaxSamplesPerHash <= 0 {
		o.MaxSamplesPerHash = constants.MaxSamplesPerHash
	}
	if o.DurableSamplesPerHash <= 0 {
		o.DurableSamplesPerHash = constants.DurableSamplesPerHash
	}
	if o.MaxSlowQueryLog <= 0 {
		o.MaxSlowQueryLog = constants.MaxSlowQueryLog
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = constants.MirrorTimeout
	}
	if o.MirrorQueueSize <= 0 {
		o.MirrorQueueSize = constants.MirrorQueueSize
	}
}

type bucket struct {
	query   string
	samples []datamodels.QuerySample
}

// QueryGroup is a copy of the samples of one query hash.
type QueryGroup struct {
	QueryHash string
	Query     string
	Samples   []datamodels.QuerySample
}

// Volume summarizes the samples captured since a point in time.
type Volume struct {
	Count              int
	AvgExecutionTimeMs float64
	Timeouts           int
}

type mirrorJob struct {
	key     string
	payload string
	maxLen  int64
	ttl     time.Duration
}

// Store keeps recent QuerySamples in bounded per-hash buffers and mirrors them into the
// durable cache. Memory is the source of truth, the durable copy is best-effort.
type Store struct {
	opts  Options
	cache durablecache.Cache
	now   func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
	slowLog []datamodels.SlowQueryEntry

	jobs           chan mirrorJob
	dropped        atomic.Int64
	mirrorFailures atomic.Int64
	mirrorHealthy  atomic.Bool
}

// NewStore creates a store. cache may be nil, in which case samples live in memory only.
func NewStore(opts Options, cache durablecache.Cache, now func() time.Time) *Store {
	opts.applyDefaults()
	if now == nil {
		now = time.Now
	}
	s := &Store{
		opts:    opts,
		cache:   cache,
		now:     now,
		buckets: make(map[string]*bucket),
		jobs:    make(chan mirrorJob, opts.MirrorQueueSize),
	}
	s.mirrorHealthy.Store(cache != nil)
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.opts.Retention
}

// Append records a sample. The in-memory update is complete before Append returns;
// the durable mirror is queued and never blocks the caller.
func (s *Store) Append(normalizedQuery string, sample datamodels.QuerySample) {
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.Lock()
	b, ok := s.buckets[sample.QueryHash]
	if !ok {
		b = &bucket{query: normalizedQuery}
		s.buckets[sample.QueryHash] = b
	}
	b.samples = append(b.samples, sample)
	b.samples = trimSamples(b.samples, cutoff, s.opts.MaxSamplesPerHash)

	var slowEntry *datamodels.SlowQueryEntry
	if sample.IsSlow {
		entry := datamodels.SlowQueryEntry{QuerySample: sample, NormalizedQuery: normalizedQuery}
		s.slowLog = append(s.slowLog, entry)
		if len(s.slowLog) > s.opts.MaxSlowQueryLog {
			s.slowLog = s.slowLog[len(s.slowLog)-s.opts.MaxSlowQueryLog:]
		}
		slowEntry = &entry
	}
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	if payload, err := json.Marshal(sample); err == nil {
		s.enqueue(mirrorJob{
			key:     fmt.Sprintf(constants.QuerySamplesKeyFmt, sample.QueryHash),
			payload: string(payload),
			maxLen:  int64(s.opts.DurableSamplesPerHash),
			ttl:     constants.DurableSampleTTL,
		})
	}
	if slowEntry != nil {
		if payload, err := json.Marshal(slowEntry); err == nil {
			s.enqueue(mirrorJob{
				key:     constants.SlowQueryLogKey,
				payload: string(payload),
				maxLen:  int64(s.opts.MaxSlowQueryLog),
				ttl:     constants.DurableSampleTTL,
			})
		}
	}
}

// trimSamples drops samples older than cutoff and keeps at most maxLen of the most recent.
// It reslices without copying; append moves only the live window once capacity runs out.
func trimSamples(samples []datamodels.QuerySample, cutoff time.Time, maxLen int) []datamodels.QuerySample {
	start := 0
	for start < len(samples) && samples[start].Timestamp.Before(cutoff) {
		start++
	}
	if len(samples)-start > maxLen {
		start = len(samples) - maxLen
	}
	return samples[start:]
}

func (s *Store) enqueue(job mirrorJob) {
	select {
	case s.jobs <- job:
	default:
		if s.dropped.Add(1)%1000 == 1 {
			log.Warn("Durable mirror queue is full, %d writes dropped so far", s.dropped.Load())
		}
	}
}

// RunMirror drains the mirror queue until ctx is cancelled.
func (s *Store) RunMirror(ctx context.Context) {
	if s.cache == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.mirror(ctx, job)
		}
	}
}

func (s *Store) mirror(ctx context.Context, job mirrorJob) {
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.MirrorTimeout)
	defer cancel()

	err := s.cache.PushCapped(writeCtx, job.key, job.payload, job.maxLen, job.ttl)
	if err != nil {
		s.mirrorFailures.Add(1)
		if s.mirrorHealthy.Swap(false) {
			log.Warn("Durable cache mirror failing, tracking continues in memory only: %v", err)
		} else {
			log.Debug("Durable cache mirror write to %s failed: %v", job.key, err)
		}
		return
	}
	if !s.mirrorHealthy.Swap(true) {
		log.Info("Durable cache mirror recovered")
	}
}

// MirrorHealthy reports whether the last durable write succeeded.
func (s *Store) MirrorHealthy() bool {
	return s.mirrorHealthy.Load()
}

// DroppedMirrorWrites returns the number of mirror writes discarded because the queue was full.
func (s *Store) DroppedMirrorWrites() int64 {
	return s.dropped.Load()
}

// Window returns copies of every sample at or after since, grouped by hash.
func (s *Store) Window(since time.Time) []QueryGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]QueryGroup, 0, len(s.buckets))
	for hash, b := range s.buckets {
		var samples []datamodels.QuerySample
		for _, sample := range b.samples {
			if !sample.Timestamp.Before(since) {
				samples = append(samples, sample)
			}
		}
		if len(samples) == 0 {
			continue
		}
		groups = append(groups, QueryGroup{QueryHash: hash, Query: b.query, Samples: samples})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].QueryHash < groups[j].QueryHash })
	return groups
}

// Volume counts the samples captured at or after since. Samples slower than timeoutMs count as timeouts.
func (s *Store) Volume(since time.Time, timeoutMs float64) Volume {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v Volume
	var total float64
	for _, b := range s.buckets {
		for i := len(b.samples) - 1; i >= 0; i-- {
			sample := b.samples[i]
			if sample.Timestamp.Before(since) {
				break
			}
			v.Count++
			total += sample.ExecutionTimeMs
			if sample.ExecutionTimeMs > timeoutMs {
				v.Timeouts++
			}
		}
	}
	if v.Count > 0 {
		v.AvgExecutionTimeMs = total / float64(v.Count)
	}
	return v
}

// Counts returns the number of tracked hashes and retained samples.
func (s *Store) Counts() (hashes, samples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buckets {
		samples += len(b.samples)
	}
	return len(s.buckets), samples
}

// SlowLog returns up to limit slow queries, most recent first.
func (s *Store) SlowLog(limit int) []datamodels.SlowQueryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.slowLog) {
		limit = len(s.slowLog)
	}
	out := make([]datamodels.SlowQueryEntry, 0, limit)
	for i := len(s.slowLog) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.slowLog[i])
	}
	return out
}

// DurableSlowLog reads the slow query log shared by every instance writing to the durable
// cache. It falls back to the local log when the cache cannot be read.
func (s *Store) DurableSlowLog(ctx context.Context, limit int) []datamodels.SlowQueryEntry {
	if s.cache == nil {
		return s.SlowLog(limit)
	}
	if limit <= 0 {
		limit = s.opts.MaxSlowQueryLog
	}

	readCtx, cancel := context.WithTimeout(ctx, s.opts.MirrorTimeout)
	defer cancel()
	raw, err := s.cache.Range(readCtx, constants.SlowQueryLogKey, 0, int64(limit-1))
	if err != nil {
		log.Warn("Falling back to the local slow query log: %v", err)
		return s.SlowLog(limit)
	}

	entries := make([]datamodels.SlowQueryEntry, 0, len(raw))
	for _, r := range raw {
		var entry datamodels.SlowQueryEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			log.Debug("Skipping undecodable slow query log entry: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return s.SlowLog(limit)
	}
	return entries
}

// Sweep drops samples older than the retention window and removes hashes left empty.
func (s *Store) Sweep() (removedSamples, removedHashes int) {
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, b := range s.buckets {
		before := len(b.samples)
		b.samples = trimSamples(b.samples, cutoff, s.opts.MaxSamplesPerHash)
		removedSamples += before - len(b.samples)
		if len(b.samples) == 0 {
			delete(s.buckets, hash)
			removedHashes++
		}
	}

	start := 0
	for start < len(s.slowLog) && s.slowLog[start].Timestamp.Before(cutoff) {
		start++
	}
	s.slowLog = s.slowLog[start:]
	return removedSamples, removedHashes
}

// Clear drops every sample from memory and the monitoring keys from the durable cache.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.buckets = make(map[string]*bucket)
	s.slowLog = nil
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	clearCtx, cancel := context.WithTimeout(ctx, constants.TimeoutDuration)
	defer cancel()
	if err := s.cache.DeletePrefix(clearCtx, constants.KeyPrefix); err != nil {
		return fmt.Errorf("error clearing durable samples: %w", err)
	}
	return nil
}
