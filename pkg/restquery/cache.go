package restquery

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a cached query result.
type CacheEntry struct {
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry. Entries without an
// expiry never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheStats describes the contents of a cache backend.
type CacheStats struct {
	Entries int   `json:"entries" yaml:"entries"`
	Bytes   int64 `json:"bytes"   yaml:"bytes"`
}

// Cache is a key-value store for query results.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Has(ctx context.Context, key string) bool
	Stats(ctx context.Context) (CacheStats, error)
}

// Cleaner is implemented by caches that can drop expired entries in bulk.
type Cleaner interface {
	Cleanup()
}

type memoryItem struct {
	key   string
	entry *CacheEntry
}

// MemoryCache is an in-process cache bounded by entry count. When full, the
// oldest inserted entry is evicted.
type MemoryCache struct {
	mutex   sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

// NewMemoryCache creates a memory cache holding at most maxSize entries.
// A maxSize of zero or less means unbounded.
func NewMemoryCache(maxSize int) *MemoryCache {
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	c.mutex.RLock()

	element, ok := c.items[key]
	if !ok {
		c.mutex.RUnlock()

		return nil, ErrCacheMiss
	}

	entry := element.Value.(*memoryItem).entry
	c.mutex.RUnlock()

	if entry.Expired(c.now()) {
		_ = c.Delete(ctx, key)

		return nil, ErrEntryExpired
	}

	return entry, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	if entry == nil {
		return ErrNilCacheEntry
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, ok := c.items[key]; ok {
		element.Value.(*memoryItem).entry = entry

		return nil
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = c.order.PushBack(&memoryItem{key: key, entry: entry})

	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.remove(key)

	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(key)
		}
	}

	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()

	return nil
}

func (c *MemoryCache) Has(ctx context.Context, key string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	element, ok := c.items[key]

	return ok && !element.Value.(*memoryItem).entry.Expired(c.now())
}

func (c *MemoryCache) Stats(ctx context.Context) (CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := CacheStats{Entries: len(c.items)}
	for _, element := range c.items {
		stats.Bytes += int64(len(element.Value.(*memoryItem).entry.Data))
	}

	return stats, nil
}

// Cleanup removes expired entries.
func (c *MemoryCache) Cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, element := range c.items {
		if element.Value.(*memoryItem).entry.Expired(now) {
			c.remove(key)
		}
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

func (c *MemoryCache) evictOldest() {
	oldest := c.order.Front()
	if oldest != nil {
		c.remove(oldest.Value.(*memoryItem).key)
	}
}

// remove must be called with the write lock held.
func (c *MemoryCache) remove(key string) {
	element, ok := c.items[key]
	if !ok {
		return
	}

	c.order.Remove(element)
	delete(c.items, key)
}
