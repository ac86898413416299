// Package topics resolves the standing and per-item topic context injected
// into each turn.
package topics

import (
	"sync"
	"time"
)

// Cache holds topic file contents for a bounded time so repeated turns on
// the same agent do not hit the filesystem for every resolution. Expiry is
// checked on read; there is no background sweeper.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	content string
	expires time.Time
}

// NewCache creates a cache whose entries live for ttl after each Set.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

// Get returns the cached content for key, dropping it if past expiry.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.content, true
}

// Set stores content under key with a fresh expiry.
func (c *Cache) Set(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{content: content, expires: time.Now().Add(c.ttl)}
}
