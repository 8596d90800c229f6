package retrieval

import (
	"sync"
	"time"
)

// =============================================================================
// SEARCH RESULT CACHE - LRU with TTL
// =============================================================================

type cacheEntry struct {
	resp    *Response
	addedAt time.Time
}

// searchCache is a small LRU+TTL cache for search responses. Order is
// maintained in a slice, oldest first.
type searchCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	order    []string
	capacity int
	ttl      time.Duration

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

func newSearchCache(capacity int, ttl time.Duration) *searchCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &searchCache{
		entries:  make(map[string]cacheEntry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *searchCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().Sub(e.addedAt) > c.ttl {
		delete(c.entries, key)
		c.removeKey(key)
		c.misses++
		return nil, false
	}
	// Refresh recency.
	c.removeKey(key)
	c.order = append(c.order, key)
	c.hits++
	return e.resp, true
}

func (c *searchCache) put(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeKey(key)
	} else if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		c.evictions++
	}
	c.entries[key] = cacheEntry{resp: resp, addedAt: c.now()}
	c.order = append(c.order, key)
}

func (c *searchCache) invalidate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	c.order = nil
	return n
}

func (c *searchCache) removeKey(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// CacheStats is the cache health snapshot.
type CacheStats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	TTLSecs   float64 `json:"ttl_seconds"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
}

func (c *searchCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		TTLSecs:   c.ttl.Seconds(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
