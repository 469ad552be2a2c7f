package durablecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/sony/gobreaker"
)

// BreakerCache guards a Cache with a circuit breaker so a dead backend fails fast
// instead of costing every tracking call a full timeout.
type BreakerCache struct {
	next    Cache
	breaker *gobreaker.CircuitBreaker
	hits    HitRecorder
}

// NewBreakerCache wraps next. After failureThreshold consecutive failures the breaker
// opens for openTimeout and every call returns ErrUnavailable.
func NewBreakerCache(next Cache, failureThreshold uint32, openTimeout time.Duration, hits HitRecorder) *BreakerCache {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "durable-cache",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &BreakerCache{next: next, breaker: gobreaker.NewCircuitBreaker(settings), hits: hits}
}

func (b *BreakerCache) run(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

// Available reports whether the breaker currently lets calls through.
func (b *BreakerCache) Available() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

func (b *BreakerCache) Get(ctx context.Context, key string) (string, error) {
	res, err := b.run(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if b.hits != nil && (err == nil || errors.Is(err, ErrNotFound)) {
		b.hits.Record("durable", err == nil)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := b.run(func() (interface{}, error) {
		return nil, b.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *BreakerCache) PushCapped(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	_, err := b.run(func() (interface{}, error) {
		return nil, b.next.PushCapped(ctx, key, value, maxLen, ttl)
	})
	return err
}

func (b *BreakerCache) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := b.run(func() (interface{}, error) {
		return b.next.Range(ctx, key, start, stop)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (b *BreakerCache) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := b.run(func() (interface{}, error) {
		return nil, b.next.DeletePrefix(ctx, prefix)
	})
	return err
}

func (b *BreakerCache) Ping(ctx context.Context) error {
	_, err := b.run(func() (interface{}, error) {
		return nil, b.next.Ping(ctx)
	})
	return err
}

func (b *BreakerCache) Close() error {
	return b.next.Close()
}
