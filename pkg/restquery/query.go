package restquery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// QueryKey identifies a cached query. The first element is the resource
// key used for invalidation, the rest are request parameters.
type QueryKey []any

// Resource returns the resource key.
func (k QueryKey) Resource() string {
	if len(k) == 0 {
		return ""
	}

	if s, ok := k[0].(string); ok {
		return s
	}

	return fmt.Sprint(k[0])
}

// Hash returns a stable digest of the whole key.
func (k QueryKey) Hash() (string, error) {
	encoded, err := json.Marshal([]any(k))
	if err != nil {
		return "", fmt.Errorf("failed to hash query key: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}

// StorageKey is the cache key: the resource prefix followed by the hash.
func (k QueryKey) StorageKey() (string, error) {
	hash, err := k.Hash()
	if err != nil {
		return "", err
	}

	return storagePrefix(k.Resource()) + hash, nil
}

func storagePrefix(resource string) string {
	if resource == "" {
		return "_."
	}

	return keySegment(resource) + "."
}

// keySegment keeps letters, digits and '-' and writes every other byte as
// _XX, so the result never contains '.' and distinct resources never share
// a prefix.
func keySegment(resource string) string {
	var builder strings.Builder

	for i := range len(resource) {
		ch := resource[i]

		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			builder.WriteByte(ch)
		default:
			_, _ = fmt.Fprintf(&builder, "_%02x", ch)
		}
	}

	return builder.String()
}

// RetryFunc decides whether a failed query runs again. failureCount starts at 1.
type RetryFunc func(failureCount int, err error) bool

// DefaultRetry never retries 400 and 401 responses and retries anything
// else once.
func DefaultRetry(failureCount int, err error) bool {
	if IsBadRequest(err) || IsUnauthorized(err) {
		return false
	}

	return failureCount <= constants.QueryRetryLimit
}

// NoRetry never retries.
func NoRetry(int, error) bool {
	return false
}

// DefaultRetryDelay doubles from one second up to thirty seconds.
func DefaultRetryDelay(failureCount int) time.Duration {
	delay := constants.QueryRetryDelayBase
	for i := 1; i < failureCount && delay < constants.QueryRetryDelayMax; i++ {
		delay *= constants.ExponentialBackoffBase
	}

	return min(delay, constants.QueryRetryDelayMax)
}

// QueryOptions tune a single query.
type QueryOptions struct {
	StaleTime *time.Duration
	Retry     RetryFunc
	NoCache   bool
}

// QueryOption configures a query.
type QueryOption func(*QueryOptions)

// WithStaleTime overrides the stale time of one query.
func WithStaleTime(staleTime time.Duration) QueryOption {
	return func(o *QueryOptions) {
		o.StaleTime = &staleTime
	}
}

// WithRetry overrides the retry policy of one query.
func WithRetry(retry RetryFunc) QueryOption {
	return func(o *QueryOptions) {
		o.Retry = retry
	}
}

// WithoutCache always runs the query and never stores its result.
func WithoutCache() QueryOption {
	return func(o *QueryOptions) {
		o.NoCache = true
	}
}

// Query is a keyed fetch whose result can be cached.
//
// A query sets either Fn, or Fetch and Decode. Fn results are cached as
// JSON, so a cache hit or a shared fetch only restores what survives
// encoding/json. Fetch and Decode cache the raw payload and rebuild the
// value with Decode on every read.
type Query[T any] struct {
	Key     QueryKey
	Fn      func(ctx context.Context) (T, error)
	Fetch   func(ctx context.Context) ([]byte, error)
	Decode  func(data []byte) (T, error)
	Options []QueryOption
}

func (q Query[T]) decoder() (func([]byte) (T, error), error) {
	if q.Fetch != nil && q.Decode != nil {
		return q.Decode, nil
	}

	if q.Fn == nil {
		return nil, ErrQueryFnRequired
	}

	return func(data []byte) (T, error) {
		var result T

		err := json.Unmarshal(data, &result)

		return result, err
	}, nil
}

// QueryStats counts cache activity.
type QueryStats struct {
	Hits          int64 `json:"hits"          yaml:"hits"`
	Misses        int64 `json:"misses"        yaml:"misses"`
	Fetches       int64 `json:"fetches"       yaml:"fetches"`
	Failures      int64 `json:"failures"      yaml:"failures"`
	Invalidations int64 `json:"invalidations" yaml:"invalidations"`
}

// HitRate returns the share of lookups served from the cache.
func (s QueryStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// QueryClient caches query results, deduplicates concurrent fetches of the
// same key and retries failed fetches.
type QueryClient struct {
	cache      Cache
	staleTime  time.Duration
	retry      RetryFunc
	retryDelay func(failureCount int) time.Duration
	logger     Logger
	now        func() time.Time
	group      singleflight.Group

	flightsMutex sync.Mutex
	flights      map[string]*flight

	// generations advance on invalidation. A fetch only stores its result
	// when the generation it started under is still current.
	generationsMutex sync.RWMutex
	generations      map[string]uint64
	epoch            uint64

	hits          atomic.Int64
	misses        atomic.Int64
	fetches       atomic.Int64
	failures      atomic.Int64
	invalidations atomic.Int64
}

// QueryClientOption configures a QueryClient.
type QueryClientOption func(*QueryClient)

// WithDefaultStaleTime sets the stale time for every query.
func WithDefaultStaleTime(staleTime time.Duration) QueryClientOption {
	return func(c *QueryClient) {
		c.staleTime = staleTime
	}
}

// WithDefaultRetry sets the retry policy for every query.
func WithDefaultRetry(retry RetryFunc) QueryClientOption {
	return func(c *QueryClient) {
		c.retry = retry
	}
}

// WithRetryDelay sets the wait between attempts.
func WithRetryDelay(delay func(failureCount int) time.Duration) QueryClientOption {
	return func(c *QueryClient) {
		c.retryDelay = delay
	}
}

// WithQueryLogger sets the logger.
func WithQueryLogger(logger Logger) QueryClientOption {
	return func(c *QueryClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewQueryClient creates a QueryClient over cache. A nil cache gets a
// default sized MemoryCache.
func NewQueryClient(cache Cache, opts ...QueryClientOption) *QueryClient {
	if cache == nil {
		cache = NewMemoryCache(constants.DefaultCacheSize)
	}

	client := &QueryClient{
		cache:       cache,
		staleTime:   constants.DefaultStaleTime,
		retry:       DefaultRetry,
		retryDelay:  DefaultRetryDelay,
		logger:      NopLogger(),
		now:         time.Now,
		flights:     make(map[string]*flight),
		generations: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

var (
	defaultQueryClient      *QueryClient
	defaultQueryClientMutex sync.Mutex
)

// DefaultQueryClient returns the process-wide QueryClient, creating it on
// first use.
func DefaultQueryClient() *QueryClient {
	defaultQueryClientMutex.Lock()
	defer defaultQueryClientMutex.Unlock()

	if defaultQueryClient == nil {
		defaultQueryClient = NewQueryClient(NewMemoryCache(constants.DefaultCacheSize))
	}

	return defaultQueryClient
}

// ResetDefaultQueryClient discards the process-wide QueryClient.
func ResetDefaultQueryClient() {
	defaultQueryClientMutex.Lock()
	defer defaultQueryClientMutex.Unlock()

	defaultQueryClient = nil
}

// Cache returns the backing cache.
func (c *QueryClient) Cache() Cache {
	return c.cache
}

// StaleTime returns the default stale time.
func (c *QueryClient) StaleTime() time.Duration {
	return c.staleTime
}

// Stats returns a snapshot of the counters.
func (c *QueryClient) Stats() QueryStats {
	return QueryStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		Failures:      c.failures.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// FetchQuery returns the cached result for query.Key while it is fresh and
// fetches otherwise. Concurrent calls for the same key share one fetch,
// which keeps running until the last waiting caller gives up. The caller
// that ran the fetch gets the value it built and every other caller
// decodes its own copy.
func FetchQuery[T any](ctx context.Context, client *QueryClient, query Query[T]) (T, error) {
	var result T

	decode, err := query.decoder()
	if err != nil {
		return result, err
	}

	storageKey, err := query.Key.StorageKey()
	if err != nil {
		return result, err
	}

	options := client.resolve(query.Options)

	if !options.NoCache {
		if data, ok := client.lookup(ctx, storageKey); ok {
			result, err = decode(data)
			if err == nil {
				return result, nil
			}

			client.logger.Warn("Discarding undecodable cache entry", map[string]interface{}{
				"key":   storageKey,
				"error": err.Error(),
			})
		}
	}

	// fresh is only written when this call's closure runs the fetch.
	var fresh *T

	load := func(ctx context.Context) ([]byte, error) {
		if query.Fetch != nil && query.Decode != nil {
			data, err := query.Fetch(ctx)
			if err != nil {
				return nil, err
			}

			value, err := query.Decode(data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode query result: %w", err)
			}

			fresh = &value

			return data, nil
		}

		value, err := query.Fn(ctx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query result: %w", err)
		}

		fresh = &value

		return data, nil
	}

	resource := query.Key.Resource()

	data, err := client.share(ctx, storageKey, func(ctx context.Context) ([]byte, error) {
		generation := client.generation(resource)

		data, err := client.run(ctx, storageKey, options.Retry, load)
		if err != nil {
			return nil, err
		}

		if !options.NoCache {
			client.store(ctx, resource, generation, storageKey, data, *options.StaleTime)
		}

		return data, nil
	})
	if err != nil {
		return result, err
	}

	if fresh != nil {
		return *fresh, nil
	}

	result, err = decode(data)
	if err != nil {
		return result, fmt.Errorf("failed to decode query result: %w", err)
	}

	return result, nil
}

// GetQueryData returns the cached value for key, if fresh.
func GetQueryData[T any](ctx context.Context, client *QueryClient, key QueryKey) (T, bool, error) {
	var result T

	storageKey, err := key.StorageKey()
	if err != nil {
		return result, false, err
	}

	data, ok := client.lookup(ctx, storageKey)
	if !ok {
		return result, false, nil
	}

	err = json.Unmarshal(data, &result)
	if err != nil {
		return result, false, fmt.Errorf("failed to decode cached value: %w", err)
	}

	return result, true, nil
}

// SetQueryData stores value under key with the default stale time.
func SetQueryData[T any](ctx context.Context, client *QueryClient, key QueryKey, value T) error {
	storageKey, err := key.StorageKey()
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode query data: %w", err)
	}

	now := client.now()

	return client.cache.Set(ctx, storageKey, &CacheEntry{
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(client.staleTime),
	})
}

// InvalidateQueries drops every cached query whose key starts with one of
// resourceKeys. Nothing is refetched until the next FetchQuery.
func (c *QueryClient) InvalidateQueries(ctx context.Context, resourceKeys ...string) error {
	for _, resourceKey := range resourceKeys {
		c.generationsMutex.Lock()
		c.generations[resourceKey]++
		c.generationsMutex.Unlock()

		err := c.cache.DeletePrefix(ctx, storagePrefix(resourceKey))
		if err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", resourceKey, err)
		}

		c.invalidations.Add(1)
		c.logger.Debug("Invalidated queries", map[string]interface{}{
			"resource": resourceKey,
		})
	}

	return nil
}

// Clear drops every cached query.
func (c *QueryClient) Clear(ctx context.Context) error {
	c.generationsMutex.Lock()
	c.epoch++
	c.generationsMutex.Unlock()

	return c.cache.Clear(ctx)
}

func (c *QueryClient) resolve(opts []QueryOption) QueryOptions {
	options := QueryOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if options.StaleTime == nil {
		staleTime := c.staleTime
		options.StaleTime = &staleTime
	}

	if options.Retry == nil {
		options.Retry = c.retry
	}

	return options
}

func (c *QueryClient) lookup(ctx context.Context, storageKey string) ([]byte, bool) {
	entry, err := c.cache.Get(ctx, storageKey)
	if err != nil || entry == nil || entry.Expired(c.now()) {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)

	return entry.Data, true
}

// store caches data unless resource was invalidated after generation was
// taken. The read lock is held across the write so an invalidation either
// sees the entry or prevents it.
func (c *QueryClient) store(ctx context.Context, resource string, generation uint64, storageKey string, data []byte, staleTime time.Duration) {
	if staleTime <= 0 {
		return
	}

	c.generationsMutex.RLock()
	defer c.generationsMutex.RUnlock()

	if c.epoch+c.generations[resource] != generation {
		c.logger.Debug("Dropping result invalidated during fetch", map[string]interface{}{
			"key":      storageKey,
			"resource": resource,
		})

		return
	}

	now := c.now()

	err := c.cache.Set(ctx, storageKey, &CacheEntry{
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(staleTime),
	})
	if err != nil {
		c.logger.Warn("Failed to cache query result", map[string]interface{}{
			"key":   storageKey,
			"error": err.Error(),
		})
	}
}

func (c *QueryClient) generation(resource string) uint64 {
	c.generationsMutex.RLock()
	defer c.generationsMutex.RUnlock()

	return c.epoch + c.generations[resource]
}

// flight is the context shared by every caller waiting on one fetch.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// share runs fn once for all concurrent callers of storageKey. fn gets a
// context detached from any single caller and cancelled when the last
// waiter leaves, so one caller giving up does not fail the others.
func (c *QueryClient) share(ctx context.Context, storageKey string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	current := c.join(ctx, storageKey)
	defer c.leave(storageKey, current)

	results := c.group.DoChan(storageKey, func() (interface{}, error) {
		return fn(current.ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}

		return result.Val.([]byte), nil
	}
}

func (c *QueryClient) join(ctx context.Context, storageKey string) *flight {
	c.flightsMutex.Lock()
	defer c.flightsMutex.Unlock()

	current, ok := c.flights[storageKey]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		current = &flight{ctx: flightCtx, cancel: cancel}
		c.flights[storageKey] = current
	}

	current.waiters++

	return current
}

// leave cancels the flight once nobody waits on it. The key is forgotten so
// the next caller starts a new fetch instead of joining the cancelled one.
func (c *QueryClient) leave(storageKey string, current *flight) {
	c.flightsMutex.Lock()
	defer c.flightsMutex.Unlock()

	current.waiters--
	if current.waiters > 0 {
		return
	}

	current.cancel()

	if c.flights[storageKey] == current {
		delete(c.flights, storageKey)
		c.group.Forget(storageKey)
	}
}

func (c *QueryClient) run(ctx context.Context, storageKey string, retry RetryFunc, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	failureCount := 0

	for {
		c.fetches.Add(1)

		data, err := fn(ctx)
		if err == nil {
			return data, nil
		}

		failureCount++
		c.failures.Add(1)

		if ctx.Err() != nil || retry == nil || !retry(failureCount, err) {
			return nil, err
		}

		delay := c.retryDelay(failureCount)
		c.logger.Debug("Retrying query", map[string]interface{}{
			"key":           storageKey,
			"failure_count": failureCount,
			"delay":         delay.String(),
			"error":         err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("query retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

