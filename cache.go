package sentry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultCacheTTL is how long a cached collection is served on the fast path.
	DefaultCacheTTL = 24 * time.Hour
	// DefaultCacheCap bounds collections grown by Prepend.
	DefaultCacheCap = 100
)

// CachedCollection is a snapshot of a list resource.
type CachedCollection[T any] struct {
	Items      []T
	FetchedAt  time.Time
	Pagination *Pagination
}

// cacheEntry is the stored form: {data, timestamp (unix ms), pagination}.
type cacheEntry[T any] struct {
	Data       []T         `json:"data"`
	Timestamp  int64       `json:"timestamp"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type cacheSettings struct {
	ttl time.Duration
	now func() time.Time
}

// CacheOption configures a LocalCache.
type CacheOption func(*cacheSettings)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(s *cacheSettings) { s.ttl = ttl }
}

// WithCacheClock overrides the clock used to stamp and age entries.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(s *cacheSettings) { s.now = now }
}

// LocalCache stores timestamped collections of T in a Storage.
// Writes to the same key are serialized, so concurrent Prepend calls
// never lose an item.
type LocalCache[T any] struct {
	storage  Storage
	settings cacheSettings
	locks    keyedMutex
}

// NewLocalCache creates a cache over storage.
func NewLocalCache[T any](storage Storage, opts ...CacheOption) *LocalCache[T] {
	s := cacheSettings{ttl: DefaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &LocalCache[T]{storage: storage, settings: s}
}

// Write stores items under key, stamped with the current time.
func (c *LocalCache[T]) Write(ctx context.Context, key string, coll CachedCollection[T]) error {
	unlock := c.locks.lock(key)
	defer unlock()

	coll.FetchedAt = c.settings.now()
	return c.put(ctx, key, &coll)
}

// Read returns the collection under key, or nil when it is absent or older than the TTL.
func (c *LocalCache[T]) Read(ctx context.Context, key string) (*CachedCollection[T], error) {
	coll, err := c.get(ctx, key)
	if err != nil || coll == nil {
		return nil, err
	}
	if c.settings.now().Sub(coll.FetchedAt) > c.settings.ttl {
		return nil, nil
	}
	return coll, nil
}

// ReadStale returns the collection under key regardless of its age.
func (c *LocalCache[T]) ReadStale(ctx context.Context, key string) (*CachedCollection[T], error) {
	return c.get(ctx, key)
}

// Prepend inserts item at the front of the collection under key and trims it
// to limit entries (DefaultCacheCap when limit <= 0). The stored timestamp is
// kept, so a local insert never makes older server data look fresh.
func (c *LocalCache[T]) Prepend(ctx context.Context, key string, item T, limit int) (*CachedCollection[T], error) {
	if limit <= 0 {
		limit = DefaultCacheCap
	}
	return c.Update(ctx, key, func(coll *CachedCollection[T]) error {
		items := make([]T, 0, min(len(coll.Items)+1, limit))
		items = append(items, item)
		for _, existing := range coll.Items {
			if len(items) == limit {
				break
			}
			items = append(items, existing)
		}
		coll.Items = items
		return nil
	})
}

// Update applies fn to the collection under key while holding the key's write lock.
// A missing entry is presented to fn as an empty collection stamped now.
// If fn returns an error nothing is written.
func (c *LocalCache[T]) Update(ctx context.Context, key string, fn func(coll *CachedCollection[T]) error) (*CachedCollection[T], error) {
	unlock := c.locks.lock(key)
	defer unlock()

	coll, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if coll == nil {
		coll = &CachedCollection[T]{FetchedAt: c.settings.now()}
	}
	if err := fn(coll); err != nil {
		return nil, err
	}
	if err := c.put(ctx, key, coll); err != nil {
		return nil, err
	}
	return coll, nil
}

// Remove deletes the collection under key.
func (c *LocalCache[T]) Remove(ctx context.Context, key string) error {
	unlock := c.locks.lock(key)
	defer unlock()
	return c.storage.Delete(ctx, key)
}

func (c *LocalCache[T]) get(ctx context.Context, key string) (*CachedCollection[T], error) {
	raw, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "read cache %q", key)
	}
	if !ok {
		return nil, nil
	}
	var entry cacheEntry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		// An unreadable entry is treated as a miss and replaced by the next write.
		return nil, nil
	}
	return &CachedCollection[T]{
		Items:      entry.Data,
		FetchedAt:  time.UnixMilli(entry.Timestamp),
		Pagination: entry.Pagination,
	}, nil
}

func (c *LocalCache[T]) put(ctx context.Context, key string, coll *CachedCollection[T]) error {
	data := coll.Items
	if data == nil {
		data = []T{}
	}
	raw, err := json.Marshal(cacheEntry[T]{
		Data:       data,
		Timestamp:  coll.FetchedAt.UnixMilli(),
		Pagination: coll.Pagination,
	})
	if err != nil {
		return errors.Wrapf(err, "encode cache %q", key)
	}
	return errors.Wrapf(c.storage.Set(ctx, key, raw), "write cache %q", key)
}
