// Package cache provides the bounded read cache a node keeps in front of remote
// reads. It is not needed for correctness: every write through the engine updates
// or invalidates the cached entry, and Synchronize purges and refills it.
package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dCtx/lib/store"
	vm "github.com/VictoriaMetrics/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats reports the effectiveness of a cache.
type Stats struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
}

// Cache is an LRU cache of entries. A cache with capacity 0 is disabled: it stores
// nothing and every lookup is a miss.
type Cache struct {
	lru      *lru.Cache[string, store.Entry]
	capacity int
	hits     atomic.Uint64
	misses   atomic.Uint64

	hitCounter  *vm.Counter
	missCounter *vm.Counter
}

// New creates a cache for up to capacity entries. The name labels the exported metrics.
func New(capacity int, name string) (*Cache, error) {
	c := &Cache{
		capacity:    capacity,
		hitCounter:  vm.GetOrCreateCounter(fmt.Sprintf(`dctx_cache_hits_total{node=%q}`, name)),
		missCounter: vm.GetOrCreateCounter(fmt.Sprintf(`dctx_cache_misses_total{node=%q}`, name)),
	}
	if capacity <= 0 {
		return c, nil
	}
	l, err := lru.New[string, store.Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// Enabled returns whether the cache stores entries.
func (c *Cache) Enabled() bool {
	return c.lru != nil
}

// Get looks up a cached entry.
func (c *Cache) Get(key string) (store.Entry, bool) {
	if c.lru != nil {
		if e, ok := c.lru.Get(key); ok {
			c.hits.Add(1)
			c.hitCounter.Inc()
			return e, true
		}
	}
	c.misses.Add(1)
	c.missCounter.Inc()
	return store.Entry{}, false
}

// Add caches an entry. An entry with a lower version than the cached one is ignored.
func (c *Cache) Add(e store.Entry) {
	if c.lru == nil {
		return
	}
	if old, ok := c.lru.Peek(e.Key); ok && old.Version > e.Version {
		return
	}
	c.lru.Add(e.Key, e)
}

// Remove drops a key.
func (c *Cache) Remove(key string) {
	if c.lru != nil {
		c.lru.Remove(key)
	}
}

// Purge empties the cache and returns the keys it held.
func (c *Cache) Purge() []string {
	if c.lru == nil {
		return nil
	}
	keys := c.lru.Keys()
	c.lru.Purge()
	return keys
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns hit and miss counts since the last reset.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return Stats{Hits: hits, Misses: misses, HitRatio: ratio, Size: c.Len(), Capacity: c.capacity}
}

// ResetStats sets the hit and miss counts to zero.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}
