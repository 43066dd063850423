package sentry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocalCacheStaleness(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := NewLocalCache[string](NewMemoryStorage(), WithCacheClock(clock.Now))

	written := []string{"a", "b", "c"}
	require.NoError(t, cache.Write(ctx, "k", CachedCollection[string]{Items: written}))

	clock.Advance(24 * time.Hour)
	got, err := cache.Read(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got, "exactly 24h old is still fresh")
	assert.Equal(t, written, got.Items)

	clock.Advance(time.Millisecond)
	got, err = cache.Read(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	stale, err := cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, written, stale.Items)
}

func TestLocalCacheMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	cache := NewLocalCache[int](storage)

	got, err := cache.Read(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, storage.Set(ctx, "broken", []byte("{not json")))
	got, err = cache.ReadStale(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLocalCacheStoredShape(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	storage := NewMemoryStorage()
	cache := NewLocalCache[int](storage, WithCacheClock(clock.Now))

	require.NoError(t, cache.Write(ctx, "k", CachedCollection[int]{Items: []int{1, 2}, Pagination: &Pagination{Page: 1, TotalPages: 1, Total: 2}}))

	raw, ok, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, fmt.Sprintf(`{"data":[1,2],"timestamp":%d,"pagination":{"page":1,"totalPages":1,"total":2}}`, clock.Now().UnixMilli()), string(raw))
}

func TestLocalCachePrependCap(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache[int](NewMemoryStorage())

	for i := 1; i <= 150; i++ {
		_, err := cache.Prepend(ctx, "k", i, DefaultCacheCap)
		require.NoError(t, err)
	}

	got, err := cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	require.Len(t, got.Items, 100)
	for i, v := range got.Items {
		assert.Equal(t, 150-i, v)
	}
}

func TestLocalCachePrependKeepsTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := NewLocalCache[int](NewMemoryStorage(), WithCacheClock(clock.Now))

	require.NoError(t, cache.Write(ctx, "k", CachedCollection[int]{Items: []int{1}}))
	fetched := clock.Now()

	clock.Advance(23 * time.Hour)
	_, err := cache.Prepend(ctx, "k", 2, 0)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	got, err := cache.Read(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "a local insert must not refresh the server timestamp")

	stale, err := cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, stale.Items)
	assert.Equal(t, fetched.UnixMilli(), stale.FetchedAt.UnixMilli())
}

func TestLocalCacheConcurrentPrepend(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache[int](NewMemoryStorage())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := cache.Prepend(ctx, "k", v, 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got.Items, 50, "no concurrent prepend may be lost")
	assert.ElementsMatch(t, seq(50), got.Items)
}

func TestLocalCacheUpdateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache[int](NewMemoryStorage())
	require.NoError(t, cache.Write(ctx, "k", CachedCollection[int]{Items: []int{1}}))

	_, err := cache.Update(ctx, "k", func(coll *CachedCollection[int]) error {
		coll.Items = append(coll.Items, 2)
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	got, err := cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got.Items)

	require.NoError(t, cache.Remove(ctx, "k"))
	got, err = cache.ReadStale(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
