// Package cache provides a TTL-bounded result cache keyed by content hash.
// Instances are injected into the decision engines at construction so tests
// can use isolated caches; there is no package-level singleton.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	timestamp time.Time
}

// Cache is a concurrency-safe key/value store with lazy expiry and a
// background sweep that also enforces the size limit.
type Cache struct {
	mu            sync.RWMutex
	entries       map[string]entry
	ttl           time.Duration
	maxSize       int
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// New creates a cache with the given TTL and size limit and starts the
// background sweep. Call Stop when the cache is no longer needed.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &Cache{
		entries:  make(map[string]entry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}
	c.startCleanup()
	return c
}

func (c *Cache) startCleanup() {
	interval := c.ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	c.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-c.cleanupTicker.C:
				c.cleanupExpired()
			case <-c.stopChan:
				c.cleanupTicker.Stop()
				return
			}
		}
	}()
}

// cleanupExpired removes expired entries and enforces the size limit by
// dropping the oldest entries first.
func (c *Cache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.timestamp) > c.ttl {
			delete(c.entries, key)
		}
	}

	if len(c.entries) <= c.maxSize {
		return
	}

	type aged struct {
		key       string
		timestamp time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key: key, timestamp: e.timestamp})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].timestamp.After(all[j].timestamp) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	excess := len(c.entries) - c.maxSize
	for i := 0; i < excess; i++ {
		delete(c.entries, all[i].key)
	}
}

// Stop stops the cleanup routine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Get returns the cached value for key, treating expired entries as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if time.Since(e.timestamp) > c.ttl {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, stamping it with the current time.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, timestamp: time.Now()}
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Key derives a deterministic cache key from the full input of a decision:
// identical inputs always hash to the same key.
func Key(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
