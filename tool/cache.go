// Package tool exposes MCP server tools as first-class tools behind a
// registry, with result caching, argument validation and rate limiting in
// front of the wire calls.
package tool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/openagents/conductor/types"
)

// ResultCache stores tool results by key. Implementations are safe for
// concurrent use.
type ResultCache interface {
	Get(ctx context.Context, key string) (*types.ToolResult, bool)
	Set(ctx context.Context, key string, result *types.ToolResult)
	Stats() CacheStats
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// LRUCache is an in-memory ResultCache with a size bound and per-entry TTL.
// The least recently used entry is evicted when the cache is full; expired
// entries are dropped on read.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element

	hits   int64
	misses int64

	// now is replaceable so expiry tests need no sleeping.
	now func() time.Time
}

type cacheEntry struct {
	key      string
	result   *types.ToolResult
	storedAt time.Time
}

// NewLRUCache creates a cache. maxSize and ttl fall back to 100 entries and
// five minutes when non-positive.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LRUCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached result and refreshes its recency. An expired entry
// counts as a miss and is removed.
func (c *LRUCache) Get(ctx context.Context, key string) (*types.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.result, true
}

// Set stores a result, evicting the least recently used entry when full.
func (c *LRUCache) Set(ctx context.Context, key string, result *types.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.storedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		result:   result,
		storedAt: c.now(),
	})
}

// Stats reports hit and miss counters and the current entry count.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: c.order.Len(),
	}
}
