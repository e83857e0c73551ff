// Package cache provides a generic keyed store with TTL expiry and bounded
// size. The gateway uses it to memoize verification results and price lookups.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry holds a cached value with its key (for map cleanup on eviction)
// and expiry.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

// Cache is a TTL + LRU cache. Recency is tracked with an intrusive list:
// the front holds the most recently used entry, and when an insert would
// exceed MaxSize the back of the list is evicted in O(1). Expired entries
// are removed lazily on read; there is no background sweep unless the owner
// calls Cleanup.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]*list.Element
	order      *list.List // of *entry[K, V], front is most recent
	maxSize    int
	defaultTTL time.Duration
	onEvict    func(key K, value V)
	now        func() time.Time // injectable for tests
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithMaxSize bounds the number of entries. Zero means unbounded.
func WithMaxSize[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) { c.maxSize = n }
}

// WithDefaultTTL sets the TTL used by Set when no per-entry TTL is given.
// Zero means entries never expire.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.defaultTTL = ttl }
}

// WithOnEvict sets a callback fired whenever an entry is removed: LRU
// eviction, read-time expiry, or explicit delete. The callback is synchronous
// and must not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

func withClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New creates a cache.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores a value under key using the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL. ttl <= 0 means no expiry.
// Inserting and updating both count as a use.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	var evictedKey K
	var evictedVal V
	evicted := false

	c.mu.Lock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		evictedKey, evictedVal, evicted = c.evictLRU()
	}
	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.mu.Unlock()

	if evicted && c.onEvict != nil {
		c.onEvict(evictedKey, evictedVal)
	}
}

// Get returns the value for key. An expired entry is deleted and reported
// absent. A hit moves the entry to the front of the recency list.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.remove(el)
		c.mu.Unlock()
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
		return zero, false
	}
	c.order.MoveToFront(el)
	v := e.value
	c.mu.Unlock()
	return v, true
}

// Has reports whether key is present and unexpired, without touching its
// recency.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry[K, V])
	return e.expiresAt.IsZero() || !c.now().After(e.expiresAt)
}

// Delete removes key. Returns true if an entry was removed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	el, ok := c.entries[key]
	var val V
	if ok {
		val = el.Value.(*entry[K, V]).value
		c.remove(el)
	}
	c.mu.Unlock()

	if ok && c.onEvict != nil {
		c.onEvict(key, val)
	}
	return ok
}

// Len returns the number of entries, including any not-yet-swept expired ones.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes all expired entries and returns how many were removed.
func (c *Cache[K, V]) Cleanup() int {
	type removed struct {
		key K
		val V
	}
	var swept []removed

	c.mu.Lock()
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			swept = append(swept, removed{e.key, e.value})
			c.remove(el)
		}
		el = prev
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, r := range swept {
			c.onEvict(r.key, r.val)
		}
	}
	return len(swept)
}

// evictLRU removes the back of the recency list. Caller must hold c.mu.
func (c *Cache[K, V]) evictLRU() (K, V, bool) {
	el := c.order.Back()
	if el == nil {
		var zeroK K
		var zeroV V
		return zeroK, zeroV, false
	}
	e := el.Value.(*entry[K, V])
	c.remove(el)
	return e.key, e.value, true
}

// remove unlinks an element from both structures. Caller must hold c.mu.
func (c *Cache[K, V]) remove(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(c.entries, e.key)
	c.order.Remove(el)
}
