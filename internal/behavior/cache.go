package behavior

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tagsense/tagsense/internal/models"
)

type cachedBehavior struct {
	behavior  models.PointBehavior
	expiresAt time.Time
}

// Cache holds the latest published behavior per point with a TTL. The
// aggregator is the only writer; the correlation engine and pattern
// matcher read through it.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uuid.UUID]cachedBehavior
}

// NewCache creates a behavior cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[uuid.UUID]cachedBehavior),
	}
}

// Put replaces the cached behavior for a point.
func (c *Cache) Put(b models.PointBehavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[b.PointID] = cachedBehavior{
		behavior:  b,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Get returns the cached behavior for a point if present and fresh.
func (c *Cache) Get(pointID uuid.UUID) (models.PointBehavior, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pointID]
	if !ok || time.Now().After(e.expiresAt) {
		return models.PointBehavior{}, false
	}
	return e.behavior, true
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached behaviors, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
