// Package profilestore provides the cache and lookup tiers used by profile
// enrichment.
package profilestore

import (
	"context"
	"sync"
	"time"

	"github.com/okian/scoreboard/internal/domain/profile"
)

type memoryItem struct {
	entry     profile.CacheEntry
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry expiry.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

var _ profile.Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), now: time.Now}
}

// Get returns a live entry.
func (c *MemoryCache) Get(ctx context.Context, participantID string) (profile.CacheEntry, bool, error) {
	c.mu.RLock()
	it, ok := c.items[participantID]
	c.mu.RUnlock()
	if !ok {
		return profile.CacheEntry{}, false, nil
	}
	if !it.expiresAt.IsZero() && !c.now().Before(it.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[participantID]; ok && cur.expiresAt.Equal(it.expiresAt) {
			delete(c.items, participantID)
		}
		c.mu.Unlock()
		return profile.CacheEntry{}, false, nil
	}
	return it.entry, true, nil
}

// Set stores entry for ttl. A non-positive ttl never expires.
func (c *MemoryCache) Set(ctx context.Context, participantID string, entry profile.CacheEntry, ttl time.Duration) error {
	it := memoryItem{entry: entry}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[participantID] = it
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
