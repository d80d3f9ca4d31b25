package resolver

import (
	"sync"
	"time"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Cache holds successful routing decisions for a fixed TTL.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]types.CacheEntry
}

// NewCache creates a cache. A non-positive ttl disables caching.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]types.CacheEntry),
	}
}

// Get returns a fresh entry. Expired entries are evicted on access.
func (c *Cache) Get(barcode string) (types.Routing, bool) {
	if c.ttl <= 0 {
		return types.Routing{}, false
	}

	c.mu.RLock()
	entry, ok := c.entries[barcode]
	c.mu.RUnlock()
	if !ok {
		return types.Routing{}, false
	}

	if c.now().Sub(entry.FetchedAt) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[barcode]; ok && cur.FetchedAt.Equal(entry.FetchedAt) {
			delete(c.entries, barcode)
		}
		c.mu.Unlock()
		return types.Routing{}, false
	}
	return entry.Routing, true
}

// Put stores a decision fetched now.
func (c *Cache) Put(barcode string, r types.Routing) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[barcode] = types.CacheEntry{Routing: r, FetchedAt: c.now()}
	c.mu.Unlock()
}

// Delete drops a cached decision.
func (c *Cache) Delete(barcode string) {
	c.mu.Lock()
	delete(c.entries, barcode)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot copies the unexpired entries for persistence.
func (c *Cache) Snapshot() map[string]types.CacheEntry {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		if now.Sub(v.FetchedAt) < c.ttl {
			out[k] = v
		}
	}
	return out
}

// Restore loads persisted entries, skipping any already expired. It returns
// the number of entries kept.
func (c *Cache) Restore(entries map[string]types.CacheEntry) int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := 0
	for k, v := range entries {
		if now.Sub(v.FetchedAt) >= c.ttl {
			continue
		}
		if cur, ok := c.entries[k]; ok && cur.FetchedAt.After(v.FetchedAt) {
			continue
		}
		c.entries[k] = v
		kept++
	}
	return kept
}
