package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// ReadCache keeps loaded values for a short TTL and collapses concurrent
// loads of the same key into one call.
type ReadCache[V any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	// gens is bumped by Invalidate; a load started under an older generation is not stored.
	gens  map[string]uint64
	group singleflight.Group
}

func NewReadCache[V any](ttl time.Duration) *ReadCache[V] {
	return &ReadCache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[V]),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached value for key or loads it.
func (c *ReadCache[V]) Get(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()
	return c.load(ctx, key, load)
}

// Refresh bypasses the cached value, loads a fresh one and stores it.
func (c *ReadCache[V]) Refresh(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	c.Invalidate(key)
	return c.load(ctx, key, load)
}

func (c *ReadCache[V]) load(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		gen := c.gens[key]
		c.mu.Unlock()

		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = cacheEntry[V]{value: v, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops key and discards the result of any load already running for it.
func (c *ReadCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Purge drops expired entries.
func (c *ReadCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}
