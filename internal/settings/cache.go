package settings

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// ttlCache is a map with per-entry expiry. Expired entries are hidden on read
// and removed by evict.
type ttlCache[K comparable, V any] struct {
	mu  sync.RWMutex
	m   map[K]entry[V]
	ttl time.Duration
	now func() time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration, now func() time.Time) *ttlCache[K, V] {
	return &ttlCache[K, V]{m: make(map[K]entry[V]), ttl: ttl, now: now}
}

func (c *ttlCache[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.m[k]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (c *ttlCache[K, V]) set(k K, v V) {
	c.mu.Lock()
	c.m[k] = entry[V]{val: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) delete(k K) {
	c.mu.Lock()
	delete(c.m, k)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) deleteFunc(fn func(K) bool) {
	c.mu.Lock()
	for k := range c.m {
		if fn(k) {
			delete(c.m, k)
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) clear() {
	c.mu.Lock()
	clear(c.m)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) evict() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.m {
		if !now.Before(e.expires) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

func (c *ttlCache[K, V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
