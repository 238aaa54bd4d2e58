package restquery

import (
	"context"
	"errors"
	"fmt"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// CacheType represents the type of cache backend.
type CacheType string

const (
	// CacheTypeMemory represents in-memory cache.
	CacheTypeMemory CacheType = constants.CacheTypeMemory

	// CacheTypeNATS represents NATS KV cache.
	CacheTypeNATS CacheType = constants.CacheTypeNATS

	// CacheTypeSQLite represents a SQLite table cache.
	CacheTypeSQLite CacheType = constants.CacheTypeSQLite

	// CacheTypeNone represents no caching.
	CacheTypeNone CacheType = constants.CacheTypeNone
)

// ErrKeyNotFoundInAnyCache is returned by CacheChain when no backend holds a key.
var ErrKeyNotFoundInAnyCache = errors.New("key not found in any cache")

// CacheConfig configures the cache backend.
type CacheConfig struct {
	// Type is the cache backend type
	Type CacheType `json:"type" yaml:"type" mapstructure:"type" validate:"omitempty,oneof=memory nats sqlite none"`

	// Memory cache configuration
	Memory *MemoryCacheConfig `json:"memory,omitempty" yaml:"memory,omitempty" mapstructure:"memory"`

	// NATS KV cache configuration
	NATS *NATSKVConfig `json:"nats,omitempty" yaml:"nats,omitempty" mapstructure:"nats"`

	// SQLite cache configuration
	SQLite *SQLiteCacheConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty" mapstructure:"sqlite"`
}

// MemoryCacheConfig configures memory cache.
type MemoryCacheConfig struct {
	// MaxSize is the maximum number of items in the cache
	MaxSize int `json:"max_size" yaml:"max_size" mapstructure:"max_size" validate:"gte=0"`

	// CleanupInterval is the interval for cleaning up expired entries
	CleanupInterval string `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"` // Duration string like "1m", "5s"
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Type: CacheTypeMemory,
		Memory: &MemoryCacheConfig{
			MaxSize:         constants.DefaultCacheSize,
			CleanupInterval: constants.DefaultCleanupInterval,
		},
	}
}

// CleanupInterval returns the janitor interval for the configured backend,
// or an empty string when no janitor is wanted.
func (c *CacheConfig) CleanupInterval() string {
	if c == nil {
		return ""
	}

	switch c.Type {
	case CacheTypeMemory, "":
		if c.Memory != nil {
			return c.Memory.CleanupInterval
		}
	case CacheTypeSQLite:
		if c.SQLite != nil {
			return c.SQLite.CleanupInterval
		}
	case CacheTypeNATS, CacheTypeNone:
	}

	return ""
}

// NewCacheFromConfig creates a cache backend from configuration.
func NewCacheFromConfig(ctx context.Context, config *CacheConfig) (Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	switch config.Type {
	case CacheTypeMemory, "":
		cache, err := NewMemoryCacheFromConfig(config.Memory)
		if err != nil {
			return nil, err
		}

		return cache, nil

	case CacheTypeNATS:
		if config.NATS == nil {
			return nil, ErrNATSConfigRequired
		}

		cache, err := NewNATSKVCache(config.NATS)
		if err != nil {
			return nil, err
		}

		return cache, nil

	case CacheTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrSQLiteConfigRequired
		}

		cache, err := NewSQLiteCache(ctx, config.SQLite)
		if err != nil {
			return nil, err
		}

		return cache, nil

	case CacheTypeNone:
		return NewNoOpCache(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCacheType, config.Type)
	}
}

// NewMemoryCacheFromConfig creates a memory cache from configuration.
func NewMemoryCacheFromConfig(config *MemoryCacheConfig) (*MemoryCache, error) {
	if config == nil {
		config = &MemoryCacheConfig{
			MaxSize:         constants.DefaultCacheSize,
			CleanupInterval: constants.DefaultCleanupInterval,
		}
	}

	if config.CleanupInterval != "" {
		_, err := janitorSpec(config.CleanupInterval)
		if err != nil {
			return nil, err
		}
	}

	return NewMemoryCache(config.MaxSize), nil
}

// NoOpCache is a cache that does nothing (no caching).
type NoOpCache struct{}

// NewNoOpCache creates a new no-op cache.
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Get always misses.
func (c *NoOpCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	return nil, ErrCacheMiss
}

// Set does nothing.
func (c *NoOpCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	return nil
}

// Delete does nothing.
func (c *NoOpCache) Delete(ctx context.Context, key string) error {
	return nil
}

// DeletePrefix does nothing.
func (c *NoOpCache) DeletePrefix(ctx context.Context, prefix string) error {
	return nil
}

// Clear does nothing.
func (c *NoOpCache) Clear(ctx context.Context) error {
	return nil
}

// Has always returns false.
func (c *NoOpCache) Has(ctx context.Context, key string) bool {
	return false
}

// Stats always reports an empty cache.
func (c *NoOpCache) Stats(ctx context.Context) (CacheStats, error) {
	return CacheStats{}, nil
}

// CacheBuilder helps build cache configurations.
type CacheBuilder struct {
	config *CacheConfig
}

// NewCacheBuilder creates a new cache builder.
func NewCacheBuilder() *CacheBuilder {
	return &CacheBuilder{
		config: &CacheConfig{
			Type: CacheTypeMemory,
		},
	}
}

// WithType sets the cache type.
func (b *CacheBuilder) WithType(cacheType CacheType) *CacheBuilder {
	b.config.Type = cacheType

	return b
}

// WithMemoryConfig sets memory cache configuration.
func (b *CacheBuilder) WithMemoryConfig(maxSize int, cleanupInterval string) *CacheBuilder {
	b.config.Memory = &MemoryCacheConfig{
		MaxSize:         maxSize,
		CleanupInterval: cleanupInterval,
	}

	return b
}

// WithNATSConfig sets NATS cache configuration.
func (b *CacheBuilder) WithNATSConfig(config *NATSKVConfig) *CacheBuilder {
	b.config.NATS = config

	return b
}

// WithSQLiteConfig sets SQLite cache configuration.
func (b *CacheBuilder) WithSQLiteConfig(config *SQLiteCacheConfig) *CacheBuilder {
	b.config.SQLite = config

	return b
}

// Config returns the configuration built so far.
func (b *CacheBuilder) Config() *CacheConfig {
	return b.config
}

// Build creates the cache from the configuration.
func (b *CacheBuilder) Build(ctx context.Context) (Cache, error) {
	return NewCacheFromConfig(ctx, b.config)
}

// CacheChain implements a chain of cache backends (L1, L2, etc.)
type CacheChain struct {
	caches []Cache
}

// NewCacheChain creates a new cache chain.
func NewCacheChain(caches ...Cache) *CacheChain {
	return &CacheChain{
		caches: caches,
	}
}

// Get retrieves an item from the cache chain.
func (c *CacheChain) Get(ctx context.Context, key string) (*CacheEntry, error) {
	for i, cache := range c.caches {
		entry, err := cache.Get(ctx, key)
		if err == nil {
			// Found in this cache, populate earlier caches
			for j := range i {
				_ = c.caches[j].Set(ctx, key, entry)
			}

			return entry, nil
		}
	}

	return nil, ErrKeyNotFoundInAnyCache
}

// Set stores an item in all caches.
func (c *CacheChain) Set(ctx context.Context, key string, entry *CacheEntry) error {
	return c.each(func(cache Cache) error {
		return cache.Set(ctx, key, entry)
	})
}

// Delete removes an item from all caches.
func (c *CacheChain) Delete(ctx context.Context, key string) error {
	return c.each(func(cache Cache) error {
		return cache.Delete(ctx, key)
	})
}

// DeletePrefix removes matching items from all caches.
func (c *CacheChain) DeletePrefix(ctx context.Context, prefix string) error {
	return c.each(func(cache Cache) error {
		return cache.DeletePrefix(ctx, prefix)
	})
}

// Clear removes all items from all caches.
func (c *CacheChain) Clear(ctx context.Context) error {
	return c.each(func(cache Cache) error {
		return cache.Clear(ctx)
	})
}

// Has checks if a key exists in any cache.
func (c *CacheChain) Has(ctx context.Context, key string) bool {
	for _, cache := range c.caches {
		if cache.Has(ctx, key) {
			return true
		}
	}

	return false
}

// Stats reports the last backend in the chain, which holds the widest view.
func (c *CacheChain) Stats(ctx context.Context) (CacheStats, error) {
	if len(c.caches) == 0 {
		return CacheStats{}, nil
	}

	return c.caches[len(c.caches)-1].Stats(ctx)
}

// Cleanup runs Cleanup on every backend that supports it.
func (c *CacheChain) Cleanup() {
	for _, cache := range c.caches {
		if cleaner, ok := cache.(Cleaner); ok {
			cleaner.Cleanup()
		}
	}
}

// Close closes every backend that holds external resources.
func (c *CacheChain) Close() error {
	var errs []error

	for _, cache := range c.caches {
		if closer, ok := cache.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}

	return errors.Join(errs...)
}

func (c *CacheChain) each(fn func(Cache) error) error {
	var lastErr error

	for _, cache := range c.caches {
		err := fn(cache)
		if err != nil {
			lastErr = err
		}
	}

	return lastErr
}
