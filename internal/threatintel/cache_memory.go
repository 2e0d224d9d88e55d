package threatintel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
)

type cacheEntry struct {
	value     model.ThreatIntelResult
	expiresAt time.Time
}

// MemoryCache is the in-memory LRU tier, keyed by "source|indicator" for
// per-source results and "type:indicator" for merged ones. The entry map
// is guarded by a conventional RWMutex; the recency list is copy-on-write
// instead — every touch allocates a new ordered slice and swaps the
// pointer with compare-and-swap, retrying if another writer swapped
// first, so readers of eviction order never block.
type MemoryCache struct {
	mu       sync.RWMutex
	data     map[string]cacheEntry
	recency  atomic.Pointer[[]string] // most-recently-used first
	capacity int
}

func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 10000
	}
	c := &MemoryCache{data: make(map[string]cacheEntry), capacity: capacity}
	empty := []string{}
	c.recency.Store(&empty)
	return c
}

// Get returns the cached value if present and unexpired.
func (c *MemoryCache) Get(key string) (model.ThreatIntelResult, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return model.ThreatIntelResult{}, false
	}
	c.touchRecency(key)
	return entry.value, true
}

// Put inserts or refreshes a cached value and evicts the least-recently-used
// entry if capacity is exceeded.
func (c *MemoryCache) Put(key string, value model.ThreatIntelResult, ttl time.Duration) {
	c.mu.Lock()
	c.data[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	overCapacity := len(c.data) > c.capacity
	c.mu.Unlock()

	c.touchRecency(key)

	if overCapacity {
		c.evictOldest()
	}
}

// touchRecency moves key to the front of the recency list via copy-on-write:
// build a new slice (key first, then everything else in prior order with
// key's old occurrence removed) and swap it in atomically.
func (c *MemoryCache) touchRecency(key string) {
	for {
		oldPtr := c.recency.Load()
		old := *oldPtr
		next := make([]string, 0, len(old)+1)
		next = append(next, key)
		for _, k := range old {
			if k != key {
				next = append(next, k)
			}
		}
		if c.recency.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

func (c *MemoryCache) evictOldest() {
	for {
		oldPtr := c.recency.Load()
		old := *oldPtr
		if len(old) == 0 {
			return
		}
		victim := old[len(old)-1]
		next := make([]string, len(old)-1)
		copy(next, old[:len(old)-1])
		if c.recency.CompareAndSwap(oldPtr, &next) {
			c.mu.Lock()
			delete(c.data, victim)
			c.mu.Unlock()
			return
		}
	}
}

// Len reports the current entry count, for health/diagnostics.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
