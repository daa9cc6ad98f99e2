// Package memcache keeps region payloads in an in-process LRU cache. It is
// the fallback when no Redis address is configured.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

// Cache is a size- and age-bounded region payload cache. Returned payloads
// share their location maps with the cache and must not be modified.
type Cache struct {
	lru   *lruCache
	ttl   time.Duration
	clock clockwork.Clock
}

// New creates a cache holding up to maxEntries regions for at most ttl each.
// A zero ttl keeps entries until they are evicted or invalidated.
func New(maxEntries int, ttl time.Duration, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{lru: newLRUCache(maxEntries), ttl: ttl, clock: clock}
}

func (c *Cache) Get(_ context.Context, region int64) (domain.LocationsJson, bool, error) {
	e, ok := c.lru.get(region, c.clock.Now())
	if !ok {
		return domain.LocationsJson{}, false, nil
	}
	return e.payload, true, nil
}

func (c *Cache) Set(_ context.Context, payload domain.LocationsJson) error {
	var expires time.Time
	if c.ttl > 0 {
		expires = c.clock.Now().Add(c.ttl)
	}
	c.lru.put(payload.Region, cached{payload: payload, expires: expires})
	return nil
}

func (c *Cache) Invalidate(_ context.Context, regions ...int64) error {
	for _, r := range regions {
		c.lru.remove(r)
	}
	return nil
}

// Len returns the number of cached regions.
func (c *Cache) Len() int {
	return c.lru.len()
}

type cached struct {
	payload domain.LocationsJson
	// expires is zero for entries without a ttl.
	expires time.Time
}

// lruCache is a simple thread-safe LRU cache keyed by region.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[int64]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   int64
	value cached
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[int64]*entry),
	}
}

// get returns the entry of key unless it has expired at now, in which case
// the entry is dropped.
func (c *lruCache) get(key int64, now time.Time) (cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return cached{}, false
	}
	if !e.value.expires.IsZero() && !now.Before(e.value.expires) {
		delete(c.entries, key)
		c.unlink(e)
		return cached{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key int64, value cached) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) remove(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.unlink(e)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlink(c.tail)
}
