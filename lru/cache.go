// (c) Copyright Procwatch 2025

// Package lru provides a fixed-capacity key/value cache with least-recently-used
// eviction. Instances are safe for concurrent use; every operation is guarded by
// a single mutex per cache.
package lru

import (
	"container/list"
	"sync"
)

const (
	// trimThreshold is the utilization above which a proactive trim fires on insert.
	trimThreshold = 0.8
	// trimShare is the share of entries evicted by a proactive trim.
	trimShare = 0.2
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Cache is a bounded mapping from K to V. Reading an entry promotes it to the
// most-recently-used position; inserting past capacity evicts the
// least-recently-used entry first.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recently used
	items    map[K]*list.Element
}

// New returns an empty cache holding at most capacity entries. A non-positive
// capacity is treated as 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}

	return &Cache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get returns the value stored under key and promotes the entry to the
// most-recently-used position. The second return value reports whether the key
// was present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.order.MoveToFront(el)

	return el.Value.(*entry[K, V]).value, true
}

// Set stores value under key. An existing entry is updated and promoted.
// Inserting into a full cache evicts the least-recently-used entry first.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
}

// Prune evicts roughly 20% of the least-recently-used entries if utilization
// exceeds 80% of capacity, and reports the number of evicted entries. It is
// meant to be called from periodic maintenance to absorb bursty insertion
// patterns between strict-eviction events.
func (c *Cache[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if float64(c.order.Len()) <= trimThreshold*float64(c.capacity) {
		return 0
	}

	evicted := 0

	target := c.order.Len() - int(trimShare*float64(c.capacity))
	if target < 0 {
		target = 0
	}

	for c.order.Len() > target {
		c.evictOldest()
		evicted++
	}

	return evicted
}

// Delete removes the entry stored under key, reporting whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}

	c.remove(el)

	return true
}

// Len returns the number of entries currently stored.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Capacity returns the configured maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Clear drops all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// TrimTo evicts least-recently-used entries until at most n remain.
func (c *Cache[K, V]) TrimTo(n int) {
	if n < 0 {
		n = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.order.Len() > n {
		c.evictOldest()
	}
}

// Keys returns the stored keys ordered from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}

	return keys
}

func (c *Cache[K, V]) evictOldest() {
	if el := c.order.Back(); el != nil {
		c.remove(el)
	}
}

func (c *Cache[K, V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
