package rules

import (
	"sync"
	"time"
)

// InMemoryDefinitionCache is a simple in-memory implementation of DefinitionCache
type InMemoryDefinitionCache struct {
	defs     []*Definition
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	isValid  bool
	now      func() time.Time
}

// NewInMemoryDefinitionCache creates a new in-memory definition cache
func NewInMemoryDefinitionCache(config CacheConfig) *InMemoryDefinitionCache {
	return &InMemoryDefinitionCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the cached definitions, or nil when invalid or expired
func (c *InMemoryDefinitionCache) Get() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil
	}

	defsCopy := make([]*Definition, len(c.defs))
	copy(defsCopy, c.defs)
	return defsCopy
}

// Set stores a copy of defs
func (c *InMemoryDefinitionCache) Set(defs []*Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.defs = make([]*Definition, len(defs))
	copy(c.defs, defs)
	c.cachedAt = c.now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryDefinitionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.defs = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemoryDefinitionCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validLocked()
}

func (c *InMemoryDefinitionCache) validLocked() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
