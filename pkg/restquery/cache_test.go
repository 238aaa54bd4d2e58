package restquery_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

func freshEntry(data string) *restquery.CacheEntry {
	now := time.Now()

	return &restquery.CacheEntry{
		Data:      []byte(data),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func expiredEntry(data string) *restquery.CacheEntry {
	now := time.Now()

	return &restquery.CacheEntry{
		Data:      []byte(data),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
}

func TestMemoryCache_SetAndGet(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(10)
	ctx := context.Background()

	err := cache.Set(ctx, "key1", freshEntry("test data"))
	require.NoError(t, err)

	retrieved, err := cache.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("test data"), retrieved.Data)

	err = cache.Set(ctx, "key1", nil)
	assert.ErrorIs(t, err, restquery.ErrNilCacheEntry)
}

func TestMemoryCache_GetNonExistent(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(10)

	_, err := cache.Get(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found")
}

func TestMemoryCache_GetExpired(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(10)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key1", expiredEntry("stale")))

	assert.False(t, cache.Has(ctx, "key1"))

	_, err := cache.Get(ctx, "key1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry expired")
	assert.Zero(t, cache.Len(), "expired entry is dropped on read")
}

func TestMemoryCache_DeleteAndPrefix(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(10)
	ctx := context.Background()

	for _, key := range []string{"users.a", "users.b", "posts.a", "usersettings.a"} {
		require.NoError(t, cache.Set(ctx, key, freshEntry(key)))
	}

	require.NoError(t, cache.Delete(ctx, "posts.a"))
	assert.False(t, cache.Has(ctx, "posts.a"))

	require.NoError(t, cache.DeletePrefix(ctx, "users."))
	assert.False(t, cache.Has(ctx, "users.a"))
	assert.False(t, cache.Has(ctx, "users.b"))
	assert.True(t, cache.Has(ctx, "usersettings.a"))

	require.NoError(t, cache.Clear(ctx))
	assert.Zero(t, cache.Len())
}

func TestMemoryCache_MaxSize(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(3)
	ctx := context.Background()

	for i := range 4 {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("key%d", i), freshEntry("data")))
	}

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Has(ctx, "key0"), "oldest entry is evicted first")
	assert.True(t, cache.Has(ctx, "key3"))

	require.NoError(t, cache.Set(ctx, "key1", freshEntry("updated")))
	assert.Equal(t, 3, cache.Len(), "overwriting does not evict")
}

func TestMemoryCache_CleanupAndStats(t *testing.T) {
	t.Parallel()

	cache := restquery.NewMemoryCache(0)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "fresh", freshEntry("12345")))
	require.NoError(t, cache.Set(ctx, "stale", expiredEntry("123")))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, restquery.CacheStats{Entries: 2, Bytes: 8}, stats)

	cache.Cleanup()

	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, restquery.CacheStats{Entries: 1, Bytes: 5}, stats)
}

func TestCacheEntry_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	assert.False(t, (&restquery.CacheEntry{}).Expired(now), "entries without expiry never expire")
	assert.True(t, (&restquery.CacheEntry{ExpiresAt: now}).Expired(now))
	assert.False(t, (&restquery.CacheEntry{ExpiresAt: now.Add(time.Second)}).Expired(now))
}

func TestNoOpCache(t *testing.T) {
	t.Parallel()

	cache := restquery.NewNoOpCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key", freshEntry("data")))
	assert.False(t, cache.Has(ctx, "key"))

	_, err := cache.Get(ctx, "key")
	assert.ErrorIs(t, err, restquery.ErrCacheMiss)

	assert.NoError(t, cache.Delete(ctx, "key"))
	assert.NoError(t, cache.DeletePrefix(ctx, "k"))
	assert.NoError(t, cache.Clear(ctx))
}

func TestCacheChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	front := restquery.NewMemoryCache(10)
	back := restquery.NewMemoryCache(10)
	chain := restquery.NewCacheChain(front, back)

	require.NoError(t, back.Set(ctx, "users.1", freshEntry("from back")))

	entry, err := chain.Get(ctx, "users.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("from back"), entry.Data)
	assert.True(t, front.Has(ctx, "users.1"), "hit in a later cache fills earlier ones")

	_, err = chain.Get(ctx, "missing")
	assert.ErrorIs(t, err, restquery.ErrKeyNotFoundInAnyCache)

	require.NoError(t, chain.Set(ctx, "users.2", freshEntry("both")))
	assert.True(t, front.Has(ctx, "users.2"))
	assert.True(t, back.Has(ctx, "users.2"))

	require.NoError(t, chain.DeletePrefix(ctx, "users."))
	assert.False(t, chain.Has(ctx, "users.1"))
	assert.False(t, chain.Has(ctx, "users.2"))

	require.NoError(t, back.Set(ctx, "stale", expiredEntry("x")))
	chain.Cleanup()
	assert.Zero(t, back.Len())

	stats, err := chain.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	assert.NoError(t, chain.Close())
}
