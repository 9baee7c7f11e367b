package registry

import (
	"sync"
	"sync/atomic"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// ModelCache shares immutable, expensive-to-construct resources (loaded
// model weights, compiled inference graphs) across sessions via reference-
// counted handles held by the registry (spec §4.5 "Immutable caches").
// Entries are created lazily on first Acquire and destroyed once the last
// handle releases.
type ModelCache struct {
	metrics *taxonomy.Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	value any
	refs  atomic.Int64
	close func() error
}

// NewModelCache creates an empty cache. metrics may be nil.
func NewModelCache(metrics *taxonomy.Metrics) *ModelCache {
	return &ModelCache{metrics: metrics, entries: make(map[string]*cacheEntry)}
}

// CachedHandle is a reference-counted lease on a cached value. Release must
// be called exactly once.
type CachedHandle struct {
	cache *ModelCache
	key   string
	entry *cacheEntry
	done  atomic.Bool
}

// Value returns the cached resource.
func (h *CachedHandle) Value() any { return h.entry.value }

// Release drops this handle's reference, destroying the cached entry via its
// constructor-supplied close function once the last reference is dropped.
func (h *CachedHandle) Release() error {
	if !h.done.CompareAndSwap(false, true) {
		return nil
	}
	if h.entry.refs.Add(-1) > 0 {
		return nil
	}
	h.cache.mu.Lock()
	if h.cache.entries[h.key] == h.entry {
		delete(h.cache.entries, h.key)
		if h.cache.metrics != nil {
			h.cache.metrics.CachedNodes.Dec()
		}
	}
	h.cache.mu.Unlock()
	if h.entry.close != nil {
		return h.entry.close()
	}
	return nil
}

// Acquire returns a handle to the cache entry for key, constructing it via
// create if this is the first acquisition. create's returned close func (may
// be nil) runs once, when the last handle for key is released.
func (c *ModelCache) Acquire(key string, create func() (any, func() error, error)) (*CachedHandle, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refs.Add(1)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return &CachedHandle{cache: c, key: key, entry: e}, nil
	}
	c.mu.Unlock()

	value, closeFn, err := create()
	if err != nil {
		return nil, taxonomy.Wrapf(taxonomy.KindInternal, err, "registry: cache entry %q failed to construct", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		// Lost a race with a concurrent Acquire: discard our construction,
		// use the winner's entry instead.
		e.refs.Add(1)
		if closeFn != nil {
			_ = closeFn()
		}
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return &CachedHandle{cache: c, key: key, entry: e}, nil
	}
	e := &cacheEntry{value: value, close: closeFn}
	e.refs.Store(1)
	c.entries[key] = e
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
		c.metrics.CachedNodes.Inc()
	}
	return &CachedHandle{cache: c, key: key, entry: e}, nil
}

// Len returns the number of distinct cached entries, for diagnostics/tests.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
