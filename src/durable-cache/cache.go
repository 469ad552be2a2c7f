package durablecache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("durable cache: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("durable cache: unavailable")
)

// Cache is the durable key-value store samples and snapshots are mirrored into.
// It is best-effort: callers must treat every error as a degraded, not fatal, outcome.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// PushCapped prepends value to the list at key, trims the list to maxLen most recent
	// entries and refreshes its expiry.
	PushCapped(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	// Range returns list entries between start and stop inclusive, most recent first.
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Close() error
}

// HitRecorder receives the outcome of every Get.
type HitRecorder interface {
	Record(namespace string, hit bool)
}
