// Package cache provides an in-memory digest cache so repeated scans of an
// unchanged file skip rehashing it. Entries are invalidated by size or
// modification time drift and expire after a TTL.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry represents a cached file digest.
type Entry struct {
	Digest    []byte
	Size      int64
	ModTime   time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching file digests.
type Cache interface {
	// Get retrieves a cached digest. It misses when the stored size or
	// modification time no longer match the file on disk.
	Get(ctx context.Context, path string, size int64, modTime time.Time) ([]byte, bool)

	// Set stores a digest. A zero ttl uses the cache default.
	Set(ctx context.Context, path string, size int64, modTime time.Time, digest []byte, ttl time.Duration) error

	// Delete removes a path from the cache.
	Delete(ctx context.Context, path string) error

	// Clear removes all cached digests.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
	stats      Stats
	ttl        time.Duration
}

// NewMemoryCache creates a new in-memory digest cache.
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		ttl:        defaultTTL,
	}
}

// Get retrieves a cached digest.
func (c *memoryCache) Get(ctx context.Context, path string, size int64, modTime time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if entry.IsExpired() || entry.Size != size || !entry.ModTime.Equal(modTime) {
		delete(c.entries, path)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry.Digest, true
}

// Set stores a digest in the cache.
func (c *memoryCache) Set(ctx context.Context, path string, size int64, modTime time.Time, digest []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &Entry{
		Digest:    append([]byte(nil), digest...),
		Size:      size,
		ModTime:   modTime,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()

	if _, exists := c.entries[path]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[path] = entry
	return nil
}

// Delete removes a path from the cache.
func (c *memoryCache) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	return nil
}

// Clear removes all cached digests.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for path, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, path)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry closest to expiry to make room (must be
// called with lock held).
func (c *memoryCache) evictOldestLocked() {
	var oldestPath string
	var oldestAt time.Time

	for path, entry := range c.entries {
		if oldestPath == "" || entry.ExpiresAt.Before(oldestAt) {
			oldestPath = path
			oldestAt = entry.ExpiresAt
		}
	}

	if oldestPath != "" {
		delete(c.entries, oldestPath)
		c.stats.Evictions++
	}
}
