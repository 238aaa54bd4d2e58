package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/fivetwenty-io/restquery/internal/auth"
	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/internal/http"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// Static errors for err113 compliance.
var (
	ErrBaseURLRequired = errors.New("base URL is required")
)

// Transport adapts the HTTP client to restquery.Transport.
type Transport struct {
	httpClient *http.Client
}

// NewTransport wraps httpClient.
func NewTransport(httpClient *http.Client) *Transport {
	return &Transport{httpClient: httpClient}
}

func (t *Transport) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return body(t.httpClient.Get(ctx, path, query))
}

func (t *Transport) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	return body(t.httpClient.Post(ctx, path, payload))
}

func (t *Transport) Put(ctx context.Context, path string, payload any) ([]byte, error) {
	return body(t.httpClient.Put(ctx, path, payload))
}

func (t *Transport) Patch(ctx context.Context, path string, payload any) ([]byte, error) {
	return body(t.httpClient.Patch(ctx, path, payload))
}

func (t *Transport) Delete(ctx context.Context, path string) ([]byte, error) {
	return body(t.httpClient.Delete(ctx, path))
}

func body(resp *http.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// New builds a restquery.Client from config: token manager, HTTP
// transport, interceptors and query cache.
func New(ctx context.Context, config *restquery.Config) (*restquery.Client, error) {
	if config.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}

	tokenManager := createTokenManager(config)
	httpClient := http.NewClient(config.BaseURL, tokenManager, createHTTPClientOptions(config)...)

	queries, closers, err := createQueryClient(ctx, config)
	if err != nil {
		return nil, err
	}

	client := restquery.NewClient(NewTransport(httpClient), queries, config.Logger)
	for _, closer := range closers {
		client.OnClose(closer)
	}

	return client, nil
}

// createTokenManager creates appropriate token manager based on config.
func createTokenManager(config *restquery.Config) auth.TokenManager {
	if config.TokenProvider != nil {
		provider := config.TokenProvider

		return auth.NewRefreshingTokenManager(func(ctx context.Context) (*auth.Token, error) {
			token, expiresAt, err := provider(ctx)
			if err != nil {
				return nil, fmt.Errorf("token provider failed: %w", err)
			}

			return &auth.Token{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt}, nil
		})
	}

	if config.AccessToken != "" {
		return auth.NewStaticTokenManager(config.AccessToken)
	}

	return nil
}

func createHTTPClientOptions(config *restquery.Config) []http.Option {
	var httpOpts []http.Option

	if config.Logger != nil {
		httpOpts = append(httpOpts, http.WithLogger(config.Logger))
	}

	if config.Debug {
		httpOpts = append(httpOpts, http.WithDebug(true))
	}

	if config.UserAgent != "" {
		httpOpts = append(httpOpts, http.WithUserAgent(config.UserAgent))
	}

	if len(config.Headers) > 0 {
		httpOpts = append(httpOpts, http.WithHeaders(config.Headers))
	}

	if config.HTTPTimeout > 0 {
		httpOpts = append(httpOpts, http.WithTimeout(config.HTTPTimeout))
	}

	if config.RetryMax > 0 {
		retryWaitMin := constants.DefaultRetryWaitMin
		retryWaitMax := constants.DefaultRetryWaitMax

		if config.RetryWaitMin > 0 {
			retryWaitMin = config.RetryWaitMin
		}

		if config.RetryWaitMax > 0 {
			retryWaitMax = config.RetryWaitMax
		}

		httpOpts = append(httpOpts, http.WithRetryConfig(config.RetryMax, retryWaitMin, retryWaitMax))
	}

	chain := config.Interceptors
	if chain == nil {
		chain = restquery.NewInterceptorChain()
		chain.AddRequestInterceptor(restquery.RequestIDInterceptor())
	}

	return append(httpOpts, http.WithInterceptors(chain))
}

// createQueryClient shares DefaultQueryClient unless the config asks for a
// specific cache or stale time. The returned closers release the cache
// and its janitor.
func createQueryClient(ctx context.Context, config *restquery.Config) (*restquery.QueryClient, []func() error, error) {
	if config.Cache == nil && config.StaleTime == 0 {
		return restquery.DefaultQueryClient(), nil, nil
	}

	cacheConfig := config.Cache
	if cacheConfig == nil {
		cacheConfig = restquery.DefaultCacheConfig()
	}

	cache, err := restquery.NewCacheFromConfig(ctx, cacheConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cache: %w", err)
	}

	var closers []func() error

	if closer, ok := cache.(interface{ Close() error }); ok {
		closers = append(closers, closer.Close)
	}

	if interval := cacheConfig.CleanupInterval(); interval != "" {
		janitor, err := restquery.NewCacheJanitor(interval, config.Logger, cache)
		if err != nil {
			for _, closer := range closers {
				_ = closer()
			}

			return nil, nil, err
		}

		janitor.Start()
		closers = append(closers, janitor.Stop)
	}

	opts := []restquery.QueryClientOption{restquery.WithQueryLogger(config.Logger)}
	if config.StaleTime > 0 {
		opts = append(opts, restquery.WithDefaultStaleTime(config.StaleTime))
	}

	return restquery.NewQueryClient(cache, opts...), closers, nil
}
