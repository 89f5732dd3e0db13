package kmem

import "time"

// Config tunes the ambient behavior of an Allocator instance. It is a
// plain struct with a defaults constructor: this is a library, not a
// standalone service, so no flag/env/file parsing framework is
// warranted.
type Config struct {
	// LogLevel is the minimum level the allocator's internal logger emits.
	LogLevel LogLevel

	// EnableBloomFastPath toggles the per-cache Bloom filter of handed-out
	// object addresses that lets Registry.Free skip caches that cannot own
	// a pointer (see Cache.Owns in cache.go).
	EnableBloomFastPath bool

	// EnableShrinkBreaker toggles the circuit breaker guarding repeated
	// out-of-memory slab growth attempts (see cache.go).
	EnableShrinkBreaker bool

	// CacheCreateRate and CacheCreateBurst configure the token bucket
	// throttling cache creation (see registry.go). A Rate of 0 disables
	// rate limiting entirely.
	CacheCreateRate  int
	CacheCreateBurst int
}

// DefaultConfig returns the configuration this package uses unless the
// caller overrides it.
func DefaultConfig() Config {
	return Config{
		LogLevel:            LevelInfo,
		EnableBloomFastPath: true,
		EnableShrinkBreaker: true,
		CacheCreateRate:     64,
		CacheCreateBurst:    16,
	}
}

// rateLimiterWindow is the duration over which CacheCreateRate is measured.
const rateLimiterWindow = time.Second
