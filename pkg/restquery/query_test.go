package restquery_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

func noDelay(int) time.Duration {
	return 0
}

func newTestQueryClient(opts ...restquery.QueryClientOption) *restquery.QueryClient {
	return restquery.NewQueryClient(restquery.NewMemoryCache(100), append([]restquery.QueryClientOption{restquery.WithRetryDelay(noDelay)}, opts...)...)
}

func countingQuery(key restquery.QueryKey, calls *atomic.Int32, value []string) restquery.Query[[]string] {
	return restquery.Query[[]string]{
		Key: key,
		Fn: func(context.Context) ([]string, error) {
			calls.Add(1)

			return value, nil
		},
	}
}

func TestFetchQuery_CachesResult(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()

	var calls atomic.Int32

	query := countingQuery(restquery.QueryKey{"users", 1}, &calls, []string{"ada", "grace"})

	first, err := restquery.FetchQuery(ctx, client, query)
	require.NoError(t, err)

	first[0] = "changed"

	second, err := restquery.FetchQuery(ctx, client, query)
	require.NoError(t, err)

	assert.Equal(t, []string{"ada", "grace"}, second, "callers must receive their own copy")
	assert.Equal(t, int32(1), calls.Load())

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Fetches)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.0001)
}

func TestFetchQuery_DeduplicatesConcurrentFetches(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()

	var calls atomic.Int32

	query := restquery.Query[int]{
		Key: restquery.QueryKey{"slow"},
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			time.Sleep(100 * time.Millisecond)

			return 42, nil
		},
	}

	var wg sync.WaitGroup

	results := make([]int, 10)
	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			value, err := restquery.FetchQuery(context.Background(), client, query)
			assert.NoError(t, err)

			results[i] = value
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, value := range results {
		assert.Equal(t, 42, value)
	}
}

func TestFetchQuery_CanceledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()

	var calls atomic.Int32

	started := make(chan struct{}, 1)
	query := restquery.Query[int]{
		Key: restquery.QueryKey{"shared"},
		Fn: func(ctx context.Context) (int, error) {
			calls.Add(1)

			select {
			case started <- struct{}{}:
			default:
			}

			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return 7, nil
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)

	go func() {
		_, err := restquery.FetchQuery(ctx, client, query)
		canceled <- err
	}()

	<-started

	waiter := make(chan int, 1)

	go func() {
		value, err := restquery.FetchQuery(context.Background(), client, query)
		assert.NoError(t, err)
		waiter <- value
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-canceled, context.Canceled)
	assert.Equal(t, 7, <-waiter)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchQuery_AbandonedFetchIsCanceled(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	stopped := make(chan error, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := restquery.FetchQuery(ctx, client, restquery.Query[int]{
		Key: restquery.QueryKey{"abandoned"},
		Fn: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			stopped <- ctx.Err()

			return 0, ctx.Err()
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch kept running without callers")
	}

	value, err := restquery.FetchQuery(context.Background(), client, restquery.Query[int]{
		Key: restquery.QueryKey{"abandoned"},
		Fn: func(context.Context) (int, error) {
			return 3, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

type computedUser struct {
	ID    int    `json:"id"`
	Label string `json:"-"`
}

func TestFetchQuery_FetchAndDecode(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()

	var fetches atomic.Int32

	query := restquery.Query[computedUser]{
		Key: restquery.QueryKey{"computed", 1},
		Fetch: func(context.Context) ([]byte, error) {
			fetches.Add(1)

			return []byte(`{"id": 1}`), nil
		},
		Decode: func(data []byte) (computedUser, error) {
			var value computedUser

			err := json.Unmarshal(data, &value)
			value.Label = "user-" + strconv.Itoa(value.ID)

			return value, err
		},
	}

	fetched, err := restquery.FetchQuery(ctx, client, query)
	require.NoError(t, err)
	assert.Equal(t, computedUser{ID: 1, Label: "user-1"}, fetched)

	cached, err := restquery.FetchQuery(ctx, client, query)
	require.NoError(t, err)
	assert.Equal(t, computedUser{ID: 1, Label: "user-1"}, cached)
	assert.Equal(t, int32(1), fetches.Load())

	t.Run("fn value reaches the caller that ran it", func(t *testing.T) {
		t.Parallel()

		value, err := restquery.FetchQuery(ctx, newTestQueryClient(), restquery.Query[computedUser]{
			Key: restquery.QueryKey{"computed", 2},
			Fn: func(context.Context) (computedUser, error) {
				return computedUser{ID: 2, Label: "built"}, nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "built", value.Label)
	})

	t.Run("decode failures are not cached", func(t *testing.T) {
		t.Parallel()

		queries := newTestQueryClient(restquery.WithDefaultRetry(restquery.NoRetry))

		var attempts atomic.Int32

		broken := restquery.Query[int]{
			Key: restquery.QueryKey{"broken"},
			Fetch: func(context.Context) ([]byte, error) {
				attempts.Add(1)

				return []byte(`"nope"`), nil
			},
			Decode: func(data []byte) (int, error) {
				var value int

				return value, json.Unmarshal(data, &value)
			},
		}

		for range 2 {
			_, err := restquery.FetchQuery(ctx, queries, broken)
			require.Error(t, err)
		}

		assert.Equal(t, int32(2), attempts.Load())
	})
}

func TestFetchQuery_Retry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		expectedCalls int32
	}{
		{name: "server error retries once", err: restquery.NewResponseError("GET", "/users", http.StatusInternalServerError, nil), expectedCalls: 2},
		{name: "network error retries once", err: errors.New("connection refused"), expectedCalls: 2},
		{name: "bad request is not retried", err: restquery.NewResponseError("GET", "/users", http.StatusBadRequest, nil), expectedCalls: 1},
		{name: "unauthorized is not retried", err: restquery.NewResponseError("GET", "/users", http.StatusUnauthorized, nil), expectedCalls: 1},
		{name: "not found retries once", err: restquery.NewResponseError("GET", "/users", http.StatusNotFound, nil), expectedCalls: 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			client := newTestQueryClient()

			var calls atomic.Int32

			_, err := restquery.FetchQuery(context.Background(), client, restquery.Query[int]{
				Key: restquery.QueryKey{"failing"},
				Fn: func(context.Context) (int, error) {
					calls.Add(1)

					return 0, test.err
				},
			})

			require.ErrorIs(t, err, test.err)
			assert.Equal(t, test.expectedCalls, calls.Load())
			assert.Equal(t, int64(test.expectedCalls), client.Stats().Failures)
		})
	}
}

func TestFetchQuery_RetrySucceeds(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()

	var calls atomic.Int32

	value, err := restquery.FetchQuery(context.Background(), client, restquery.Query[string]{
		Key: restquery.QueryKey{"flaky"},
		Fn: func(context.Context) (string, error) {
			if calls.Add(1) == 1 {
				return "", restquery.NewResponseError("GET", "/flaky", http.StatusServiceUnavailable, nil)
			}

			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchQuery_Options(t *testing.T) {
	t.Parallel()

	t.Run("no retry", func(t *testing.T) {
		t.Parallel()

		client := newTestQueryClient()

		var calls atomic.Int32

		_, err := restquery.FetchQuery(context.Background(), client, restquery.Query[int]{
			Key:     restquery.QueryKey{"once"},
			Options: []restquery.QueryOption{restquery.WithRetry(restquery.NoRetry)},
			Fn: func(context.Context) (int, error) {
				calls.Add(1)

				return 0, errors.New("boom")
			},
		})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("zero stale time always refetches", func(t *testing.T) {
		t.Parallel()

		client := newTestQueryClient(restquery.WithDefaultStaleTime(0))

		var calls atomic.Int32

		query := countingQuery(restquery.QueryKey{"fresh"}, &calls, []string{"x"})

		for range 3 {
			_, err := restquery.FetchQuery(context.Background(), client, query)
			require.NoError(t, err)
		}

		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("without cache", func(t *testing.T) {
		t.Parallel()

		client := newTestQueryClient()

		var calls atomic.Int32

		query := countingQuery(restquery.QueryKey{"uncached"}, &calls, []string{"x"})
		query.Options = []restquery.QueryOption{restquery.WithoutCache()}

		for range 2 {
			_, err := restquery.FetchQuery(context.Background(), client, query)
			require.NoError(t, err)
		}

		assert.Equal(t, int32(2), calls.Load())

		stats, err := client.Cache().Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Entries)
	})

	t.Run("expired entry is refetched", func(t *testing.T) {
		t.Parallel()

		client := newTestQueryClient()

		var calls atomic.Int32

		query := countingQuery(restquery.QueryKey{"short"}, &calls, []string{"x"})
		query.Options = []restquery.QueryOption{restquery.WithStaleTime(20 * time.Millisecond)}

		_, err := restquery.FetchQuery(context.Background(), client, query)
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)

		_, err = restquery.FetchQuery(context.Background(), client, query)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("missing function", func(t *testing.T) {
		t.Parallel()

		_, err := restquery.FetchQuery(context.Background(), newTestQueryClient(), restquery.Query[int]{Key: restquery.QueryKey{"x"}})
		assert.ErrorIs(t, err, restquery.ErrQueryFnRequired)
	})
}

func TestFetchQuery_ContextCanceledDuringRetry(t *testing.T) {
	t.Parallel()

	client := restquery.NewQueryClient(nil, restquery.WithRetryDelay(func(int) time.Duration { return time.Hour }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := restquery.FetchQuery(ctx, client, restquery.Query[int]{
		Key: restquery.QueryKey{"canceled"},
		Fn: func(context.Context) (int, error) {
			return 0, errors.New("boom")
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidateQueries(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()

	var usersCalls, postsCalls atomic.Int32

	users1 := countingQuery(restquery.QueryKey{"users", 1}, &usersCalls, []string{"a"})
	users2 := countingQuery(restquery.QueryKey{"users", 2}, &usersCalls, []string{"b"})
	posts := countingQuery(restquery.QueryKey{"posts", 1}, &postsCalls, []string{"c"})

	for _, query := range []restquery.Query[[]string]{users1, users2, posts} {
		_, err := restquery.FetchQuery(ctx, client, query)
		require.NoError(t, err)
	}

	require.NoError(t, client.InvalidateQueries(ctx, "users"))

	for _, query := range []restquery.Query[[]string]{users1, users2, posts} {
		_, err := restquery.FetchQuery(ctx, client, query)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(4), usersCalls.Load())
	assert.Equal(t, int32(1), postsCalls.Load())
	assert.Equal(t, int64(1), client.Stats().Invalidations)

	require.NoError(t, client.Clear(ctx))

	_, err := restquery.FetchQuery(ctx, client, posts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), postsCalls.Load())
}

func TestInvalidateQueries_ResourcePrefixes(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()

	keys := []restquery.QueryKey{{"users", 1}, {"users.admin", 1}, {"a b", 1}, {"a_b", 1}, {"a.b", 1}}

	for _, key := range keys {
		require.NoError(t, restquery.SetQueryData(ctx, client, key, 1))
	}

	cached := func(key restquery.QueryKey) bool {
		_, found, err := restquery.GetQueryData[int](ctx, client, key)
		require.NoError(t, err)

		return found
	}

	require.NoError(t, client.InvalidateQueries(ctx, "users", "a b"))

	assert.False(t, cached(keys[0]))
	assert.True(t, cached(keys[1]), "users.admin is its own resource")
	assert.False(t, cached(keys[2]))
	assert.True(t, cached(keys[3]), "a_b is not a b")
	assert.True(t, cached(keys[4]))
}

func TestInvalidateQueries_DuringFetch(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()

	var calls atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	query := restquery.Query[int]{
		Key: restquery.QueryKey{"orders", 1},
		Fn: func(context.Context) (int, error) {
			if calls.Add(1) == 1 {
				started <- struct{}{}
				<-release

				return 1, nil
			}

			return 2, nil
		},
	}

	done := make(chan int, 1)

	go func() {
		value, err := restquery.FetchQuery(ctx, client, query)
		assert.NoError(t, err)
		done <- value
	}()

	<-started
	require.NoError(t, client.InvalidateQueries(ctx, "orders"))
	close(release)

	assert.Equal(t, 1, <-done, "the running fetch still answers its caller")

	_, found, err := restquery.GetQueryData[int](ctx, client, query.Key)
	require.NoError(t, err)
	assert.False(t, found, "a result fetched before the invalidation is not cached")

	value, err := restquery.FetchQuery(ctx, client, query)
	require.NoError(t, err)
	assert.Equal(t, 2, value)

	t.Run("clear", func(t *testing.T) {
		t.Parallel()

		queries := newTestQueryClient()
		hold := make(chan struct{})
		running := make(chan struct{})
		finished := make(chan struct{})

		go func() {
			defer close(finished)

			_, err := restquery.FetchQuery(ctx, queries, restquery.Query[int]{
				Key: restquery.QueryKey{"orders", 2},
				Fn: func(context.Context) (int, error) {
					close(running)
					<-hold

					return 1, nil
				},
			})
			assert.NoError(t, err)
		}()

		<-running
		require.NoError(t, queries.Clear(ctx))
		close(hold)
		<-finished

		_, found, err := restquery.GetQueryData[int](ctx, queries, restquery.QueryKey{"orders", 2})
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestQueryData(t *testing.T) {
	t.Parallel()

	client := newTestQueryClient()
	ctx := context.Background()
	key := restquery.QueryKey{"users", restquery.GetParams{Slug: "7"}}

	_, found, err := restquery.GetQueryData[user](ctx, client, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, restquery.SetQueryData(ctx, client, key, user{ID: 7, Name: "ada"}))

	cached, found, err := restquery.GetQueryData[user](ctx, client, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, user{ID: 7, Name: "ada"}, cached)

	var calls atomic.Int32

	fetched, err := restquery.FetchQuery(ctx, client, restquery.Query[user]{
		Key: key,
		Fn: func(context.Context) (user, error) {
			calls.Add(1)

			return user{}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", fetched.Name)
	assert.Zero(t, calls.Load())
}

func TestQueryKey(t *testing.T) {
	t.Parallel()

	key := restquery.QueryKey{"users", restquery.NewPaginationRequest().WithPage(1)}

	storageKey, err := key.StorageKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(storageKey, "users."))

	same, err := restquery.QueryKey{"users", restquery.NewPaginationRequest().WithPage(1)}.StorageKey()
	require.NoError(t, err)
	assert.Equal(t, storageKey, same)

	other, err := restquery.QueryKey{"users", restquery.NewPaginationRequest().WithPage(2)}.StorageKey()
	require.NoError(t, err)
	assert.NotEqual(t, storageKey, other)

	assert.Equal(t, "users", key.Resource())
	assert.Empty(t, restquery.QueryKey{}.Resource())

	_, err = restquery.QueryKey{"bad", make(chan int)}.StorageKey()
	assert.Error(t, err)
}

func TestDefaultRetry(t *testing.T) {
	t.Parallel()

	serverErr := restquery.NewResponseError("GET", "/", http.StatusInternalServerError, nil)

	assert.True(t, restquery.DefaultRetry(1, serverErr))
	assert.False(t, restquery.DefaultRetry(2, serverErr))
	assert.False(t, restquery.DefaultRetry(1, restquery.NewResponseError("GET", "/", http.StatusBadRequest, nil)))
	assert.False(t, restquery.DefaultRetry(1, restquery.NewResponseError("GET", "/", http.StatusUnauthorized, nil)))
	assert.True(t, restquery.DefaultRetry(1, restquery.NewResponseError("GET", "/", http.StatusForbidden, nil)))
}

func TestDefaultRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, restquery.DefaultRetryDelay(1))
	assert.Equal(t, 2*time.Second, restquery.DefaultRetryDelay(2))
	assert.Equal(t, 4*time.Second, restquery.DefaultRetryDelay(3))
	assert.Equal(t, 30*time.Second, restquery.DefaultRetryDelay(10))
}

//nolint:paralleltest
func TestDefaultQueryClient(t *testing.T) {
	restquery.ResetDefaultQueryClient()
	t.Cleanup(restquery.ResetDefaultQueryClient)

	first := restquery.DefaultQueryClient()
	assert.Same(t, first, restquery.DefaultQueryClient())
	assert.Equal(t, time.Minute, first.StaleTime())

	restquery.ResetDefaultQueryClient()
	assert.NotSame(t, first, restquery.DefaultQueryClient())
}
