package idtable

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// DefaultCacheSize is the capacity used when none is configured.
const DefaultCacheSize = 10000

// Cached is the hot part of an identifier entry.
type Cached struct {
	ID      int64
	SortKey string
}

// Cache is a bounded LRU map from identity key (types.Subject.Key) to
// identifier. It is shared by reference between every component that
// resolves identifiers, so invalidation is explicit.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	key   string
	value Cached
}

// NewCache creates a cache holding at most capacity entries. A capacity
// of zero or less disables caching.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached entry for key.
func (c *Cache) Get(key string) (Cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*cacheEntry).value, true
	}
	c.misses.Add(1)
	return Cached{}, false
}

// Set stores an entry, evicting the least recently used one when full.
func (c *Cache) Set(key string, v Cached) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		ent.Value.(*cacheEntry).value = v
		return
	}
	c.items[key] = c.evictList.PushFront(&cacheEntry{key: key, value: v})
	for c.evictList.Len() > c.capacity {
		c.removeElement(c.evictList.Back())
	}
}

// Delete drops key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}
}

// DeleteID drops every key mapped to id.
func (c *Cache) DeleteID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for _, ent := range c.items {
		if ent.Value.(*cacheEntry).value.ID == id {
			toRemove = append(toRemove, ent)
		}
	}
	for _, ent := range toRemove {
		c.removeElement(ent)
	}
}

// Invalidate clears the whole cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(*cacheEntry).key)
}
