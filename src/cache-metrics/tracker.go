package cachemetrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Known namespaces.
const (
	NamespaceDatabase = "database"
	NamespaceAPI      = "api"
	NamespaceDurable  = "durable"
)

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// NamespaceStats is the hit/miss tally of one namespace.
type NamespaceStats struct {
	Namespace string  `json:"namespace"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
}

// Snapshot is the point-in-time view of every namespace.
type Snapshot struct {
	Namespaces []NamespaceStats `json:"namespaces" metric_name:"-" source_type:"-"`
	Hits       int64            `json:"hits" metric_name:"cache.hits" source_type:"gauge"`
	Misses     int64            `json:"misses" metric_name:"cache.misses" source_type:"gauge"`
	HitRate    float64          `json:"hitRate" metric_name:"cache.hitRate" source_type:"gauge"`
	// Score is the overall hit rate on a 0-100 scale, 0 when nothing was recorded.
	Score   float64 `json:"score" metric_name:"cache.score" source_type:"gauge"`
	HasData bool    `json:"hasData" metric_name:"-" source_type:"-"`
}

// Tracker counts cache hits and misses per namespace.
type Tracker struct {
	mu         sync.RWMutex
	namespaces map[string]*counters
}

func NewTracker() *Tracker {
	return &Tracker{namespaces: make(map[string]*counters)}
}

func (t *Tracker) get(namespace string) *counters {
	t.mu.RLock()
	c, ok := t.namespaces[namespace]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.namespaces[namespace]; !ok {
		c = &counters{}
		t.namespaces[namespace] = c
	}
	return c
}

// Record counts one lookup.
func (t *Tracker) Record(namespace string, hit bool) {
	c := t.get(namespace)
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var snap Snapshot
	for name, c := range t.namespaces {
		stats := NamespaceStats{Namespace: name, Hits: c.hits.Load(), Misses: c.misses.Load()}
		stats.HitRate = hitRate(stats.Hits, stats.Misses)
		snap.Namespaces = append(snap.Namespaces, stats)
		snap.Hits += stats.Hits
		snap.Misses += stats.Misses
	}
	sort.Slice(snap.Namespaces, func(i, j int) bool { return snap.Namespaces[i].Namespace < snap.Namespaces[j].Namespace })

	snap.HitRate = hitRate(snap.Hits, snap.Misses)
	snap.HasData = snap.Hits+snap.Misses > 0
	snap.Score = snap.HitRate * 100
	return snap
}

// Reset drops every counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.namespaces = make(map[string]*counters)
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
