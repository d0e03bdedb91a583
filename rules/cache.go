package rules

import "time"

// DefinitionCache caches the active definition list so building a group does
// not hit the store on every guarded call
type DefinitionCache interface {
	// Get retrieves cached definitions, returns nil on a miss or after expiry
	Get() []*Definition

	// Set stores definitions in cache
	Set(defs []*Definition)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig invalidates only on mutations made through the engine
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}
