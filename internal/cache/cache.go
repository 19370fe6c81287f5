// Package cache provides a small keyed in-memory cache with per-entry TTL.
// It replaces module-level "seen" maps: each consumer gets its own injected
// instance instead of sharing global state.
package cache

import (
	"sync"
	"time"
)

// Cache is a mutex-guarded string-keyed cache. Entries expire after the TTL
// set at creation; expired entries are dropped lazily on access and by Purge.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// New creates a Cache whose entries live for ttl. A non-positive ttl means
// entries never expire.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Set stores value under key, resetting its expiry.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// Get returns the value under key and whether it was present and fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including not-yet-purged
// expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes all expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}
