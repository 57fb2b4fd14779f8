// Package cache holds the process-local response caches. Entries expire
// lazily on read and are evicted least-recently-used on write. Values are
// deep-copied in both directions so callers never share cache internals.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is the read/write surface the pipeline depends on.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	Set(ctx context.Context, key string, value T)
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// LRU is a fixed-capacity, TTL-bounded cache. A capacity or TTL of zero
// disables it: Set is a no-op and Get always misses.
type LRU[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
	clone    func(T) T
	now      func() time.Time
}

// NewLRU builds a cache. clone must return a deep copy; nil means values are
// copied by assignment, which is only safe for types without references.
func NewLRU[T any](capacity int, ttl time.Duration, clone func(T) T) *LRU[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &LRU[T]{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		clone:    clone,
		now:      time.Now,
	}
}

func (c *LRU[T]) Enabled() bool { return c.capacity > 0 && c.ttl > 0 }

// Get returns a copy of the cached value. An expired entry is evicted and
// reported as a miss.
func (c *LRU[T]) Get(_ context.Context, key string) (T, bool) {
	var zero T
	if !c.Enabled() {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[T])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return c.clone(e.value), true
}

// Set stores a copy of value, evicting least-recently-used entries until the
// cache fits its capacity.
func (c *LRU[T]) Set(_ context.Context, key string, value T) {
	if !c.Enabled() {
		return
	}

	v := c.clone(value)
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		e.value = v
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&entry[T]{key: key, value: v, expiresAt: expiresAt})
	for c.ll.Len() > c.capacity {
		c.removeElement(c.ll.Back())
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *LRU[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Reset drops every entry.
func (c *LRU[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

func (c *LRU[T]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[T]).key)
}
