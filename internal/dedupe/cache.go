// ABOUTME: Thread-safe TTL cache keyed by string with bounded size.
// ABOUTME: Holds finished correlation ids and client request ids for dedupe.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is the cached value plus its position in the eviction order.
type entry[V any] struct {
	value   V
	stored  time.Time
	element *list.Element
}

// Cache is a size-bounded map whose entries expire after a TTL.
// The oldest entry is evicted in O(1) when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Contains reports whether key is present and not expired.
func (c *Cache[V]) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, refreshing its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// PutIfAbsent stores value unless a live entry already exists.
// It returns the live value and true when the key was already present,
// which lets callers resolve a duplicate without a separate lookup.
func (c *Cache[V]) PutIfAbsent(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return e.value, true
	}
	c.putLocked(key, value)
	return value, false
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.stored) >= c.ttl
}

// putLocked must be called with mu held.
func (c *Cache[V]) putLocked(key string, value V) {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.stored = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry[V]{
		value:   value,
		stored:  now,
		element: c.order.PushBack(key),
	}
}

func (c *Cache[V]) sweep(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries are ordered by store time, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if e != nil && !c.expired(e) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
