// Package cache provides a small bounded LRU used to deduplicate repeated
// hook deliveries within a process.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	expiresAt *time.Time
}

// LRU is a fixed-capacity set with optional TTL and LRU eviction.
// Safe for concurrent use.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List // front = most recent
	elements   map[string]*list.Element
}

// NewLRU returns an LRU retaining at most maxEntries keys. A ttl of zero
// means entries only leave via capacity eviction.
func NewLRU(maxEntries int, ttl time.Duration) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		elements:   make(map[string]*list.Element),
	}
}

// Add inserts key and reports whether it was newly added. A false return
// means the key was already present and not expired; the caller should
// treat the event as a duplicate.
func (c *LRU) Add(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elements[key]; ok {
		e := elem.Value.(*entry)
		// Lazy TTL eviction.
		if e.expiresAt == nil || now.Before(*e.expiresAt) {
			c.order.MoveToFront(elem)
			return false
		}
		c.order.Remove(elem)
		delete(c.elements, key)
	}

	var expiresAt *time.Time
	if c.ttl > 0 {
		t := now.Add(c.ttl)
		expiresAt = &t
	}

	// Evict from back when at capacity.
	if c.order.Len() >= c.maxEntries {
		back := c.order.Back()
		if back != nil {
			evicted := c.order.Remove(back).(*entry)
			delete(c.elements, evicted.key)
		}
	}

	c.elements[key] = c.order.PushFront(&entry{key: key, expiresAt: expiresAt})
	return true
}

// Contains reports whether key is present and unexpired, without updating
// recency.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elements[key]
	if !ok {
		return false
	}
	e := elem.Value.(*entry)
	return e.expiresAt == nil || time.Now().Before(*e.expiresAt)
}

// Len returns the number of retained keys, including expired ones not yet
// lazily evicted.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
