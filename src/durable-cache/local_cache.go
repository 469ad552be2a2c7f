package durablecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// LocalCache is the in-process fallback used when no Redis address is configured.
// It gives the same semantics as RedisCache within one process, nothing is shared
// across instances. Per-key expiry is kept in the stored entry since bigcache only
// knows a global life window.
type LocalCache struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
	now   func() time.Time
}

type localEntry struct {
	Value     string    `json:"v,omitempty"`
	List      []string  `json:"l,omitempty"`
	ExpiresAt time.Time `json:"e"`
}

// NewLocalCache creates a bigcache instance whose life window matches the longest TTL in use.
func NewLocalCache(lifeWindow time.Duration) (*LocalCache, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating local cache: %w", err)
	}
	return &LocalCache{cache: cache, now: time.Now}, nil
}

func (l *LocalCache) load(key string) (localEntry, bool, error) {
	var entry localEntry
	raw, err := l.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false, err
	}
	if !entry.ExpiresAt.IsZero() && !l.now().Before(entry.ExpiresAt) {
		_ = l.cache.Delete(key)
		return localEntry{}, false, nil
	}
	return entry, true, nil
}

func (l *LocalCache) store(key string, entry localEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.cache.Set(key, raw)
}

func (l *LocalCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(ttl)
}

func (l *LocalCache) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok, err := l.load(key)
	if err != nil {
		return "", fmt.Errorf("local get %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return entry.Value, nil
}

func (l *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store(key, localEntry{Value: value, ExpiresAt: l.expiry(ttl)})
}

func (l *LocalCache) PushCapped(_ context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, _, err := l.load(key)
	if err != nil {
		return fmt.Errorf("local push %s: %w", key, err)
	}
	list := append([]string{value}, entry.List...)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	return l.store(key, localEntry{List: list, ExpiresAt: l.expiry(ttl)})
}

func (l *LocalCache) Range(_ context.Context, key string, start, stop int64) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok, err := l.load(key)
	if err != nil {
		return nil, fmt.Errorf("local range %s: %w", key, err)
	}
	if !ok {
		return []string{}, nil
	}
	n := int64(len(entry.List))
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, entry.List[start:stop+1])
	return out, nil
}

func (l *LocalCache) DeletePrefix(_ context.Context, prefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	it := l.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			keys = append(keys, info.Key())
		}
	}
	for _, key := range keys {
		if err := l.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return fmt.Errorf("local delete %s: %w", key, err)
		}
	}
	return nil
}

func (l *LocalCache) Ping(context.Context) error {
	return nil
}

func (l *LocalCache) Close() error {
	return l.cache.Close()
}
