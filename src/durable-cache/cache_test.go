package durablecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCache struct {
	calls int
}

var errBackendDown = errors.New("connection refused")

func (f *failingCache) Get(context.Context, string) (string, error) {
	f.calls++
	return "", errBackendDown
}
func (f *failingCache) Set(context.Context, string, string, time.Duration) error {
	f.calls++
	return errBackendDown
}
func (f *failingCache) PushCapped(context.Context, string, string, int64, time.Duration) error {
	f.calls++
	return errBackendDown
}
func (f *failingCache) Range(context.Context, string, int64, int64) ([]string, error) {
	f.calls++
	return nil, errBackendDown
}
func (f *failingCache) DeletePrefix(context.Context, string) error {
	f.calls++
	return errBackendDown
}
func (f *failingCache) Ping(context.Context) error {
	f.calls++
	return errBackendDown
}
func (f *failingCache) Close() error { return nil }

type recordedHits struct {
	hits, misses int
}

func (r *recordedHits) Record(_ string, hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func newTestLocalCache(t *testing.T) *LocalCache {
	t.Helper()
	c, err := NewLocalCache(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLocalCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := newTestLocalCache(t)

	_, err := c.Get(ctx, "perfmon:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "perfmon:pool:latest", `{"activeConnections":3}`, time.Minute))
	val, err := c.Get(ctx, "perfmon:pool:latest")
	require.NoError(t, err)
	assert.Equal(t, `{"activeConnections":3}`, val)
}

func TestLocalCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := newTestLocalCache(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", "v", 5*time.Minute))
	now = now.Add(4 * time.Minute)
	_, err := c.Get(ctx, "k")
	assert.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalCache_PushCappedAndRange(t *testing.T) {
	ctx := context.Background()
	c := newTestLocalCache(t)

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.PushCapped(ctx, "list", v, 3, time.Hour))
	}

	tests := []struct {
		name        string
		start, stop int64
		expected    []string
	}{
		{"whole list", 0, -1, []string{"d", "c", "b"}},
		{"first two", 0, 1, []string{"d", "c"}},
		{"stop past end", 1, 10, []string{"c", "b"}},
		{"start past stop", 5, 1, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Range(ctx, "list", tt.start, tt.stop)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	got, err := c.Range(ctx, "other", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalCache_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := newTestLocalCache(t)

	require.NoError(t, c.Set(ctx, "perfmon:a", "1", time.Hour))
	require.NoError(t, c.PushCapped(ctx, "perfmon:queries:ABC", "x", 10, time.Hour))
	require.NoError(t, c.Set(ctx, "session:1", "keep", time.Hour))

	require.NoError(t, c.DeletePrefix(ctx, "perfmon:"))

	_, err := c.Get(ctx, "perfmon:a")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := c.Range(ctx, "perfmon:queries:ABC", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, list)
	val, err := c.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, "keep", val)
}

func TestBreakerCache_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	backend := &failingCache{}
	c := NewBreakerCache(backend, 3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		err := c.Set(ctx, "k", "v", time.Minute)
		assert.ErrorIs(t, err, errBackendDown)
	}
	assert.False(t, c.Available())

	err := c.PushCapped(ctx, "k", "v", 10, time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, backend.calls, "open breaker must not reach the backend")
}

func TestBreakerCache_NotFoundIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	hits := &recordedHits{}
	c := NewBreakerCache(newTestLocalCache(t), 1, time.Minute, hits)

	for i := 0; i < 5; i++ {
		_, err := c.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.True(t, c.Available())

	require.NoError(t, c.Set(ctx, "present", "v", time.Minute))
	val, err := c.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	assert.Equal(t, 1, hits.hits)
	assert.Equal(t, 5, hits.misses)
}
