// Package curval is the current-value cache: the latest sample per point,
// keyed by sequence id. Updates carrying a timestamp older than the stored
// one are silently discarded and counted.
package curval

import (
	"sync"

	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

type entry struct {
	mu     sync.Mutex
	sample models.Sample
	set    bool
}

// Cache holds the latest good-ordered sample per point. Contention is
// per point, not global: the outer lock only guards entry creation.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[int64]*entry)}
}

func (c *Cache) entryFor(sequenceID int64) *entry {
	c.mu.RLock()
	e, ok := c.entries[sequenceID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[sequenceID]; ok {
		return e
	}
	e = &entry{}
	c.entries[sequenceID] = e
	return e
}

// Update stores the sample if its timestamp is not older than the stored
// one. Returns false when the update was discarded as stale.
func (c *Cache) Update(sample models.Sample) bool {
	e := c.entryFor(sample.SequenceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set && sample.Timestamp.Before(e.sample.Timestamp) {
		telemetry.StaleCurrentValuesTotal.Inc()
		return false
	}
	e.sample = sample
	e.set = true
	return true
}

// Get returns the latest sample for a point.
func (c *Cache) Get(sequenceID int64) (models.Sample, bool) {
	c.mu.RLock()
	e, ok := c.entries[sequenceID]
	c.mu.RUnlock()
	if !ok {
		return models.Sample{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return models.Sample{}, false
	}
	return e.sample, true
}

// Snapshot returns a copy of every stored sample.
func (c *Cache) Snapshot() map[int64]models.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]models.Sample, len(c.entries))
	for id, e := range c.entries {
		e.mu.Lock()
		if e.set {
			out[id] = e.sample
		}
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of points with a stored value.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
