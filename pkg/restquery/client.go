package restquery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Logger interface for logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]interface{}) {}
func (nopLogger) Info(string, map[string]interface{})  {}
func (nopLogger) Warn(string, map[string]interface{})  {}
func (nopLogger) Error(string, map[string]interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

// Transport performs HTTP calls against the configured base URL and returns
// the raw response body. Responses with a status of 400 or above fail with
// a *ResponseError.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
	Post(ctx context.Context, path string, body any) ([]byte, error)
	Put(ctx context.Context, path string, body any) ([]byte, error)
	Patch(ctx context.Context, path string, body any) ([]byte, error)
	Delete(ctx context.Context, path string) ([]byte, error)
}

// Config represents client configuration for building a Client.
//
// # Authentication
//
// AccessToken, when set, is sent as a static Bearer token. A 401 response
// is returned to the caller as a *ResponseError and is never retried by
// the query cache.
//
// # Caching
//
// Cache selects the backend for query results. When nil, the process-wide
// DefaultQueryClient is shared. StaleTime overrides how long results are
// served from the cache.
type Config struct {
	// BaseURL: root of the REST API, every resource endpoint is appended to it.
	BaseURL string `json:"base_url" yaml:"base_url" env:"RESTQUERY_BASE_URL" validate:"required,url"`
	// Headers: static headers sent with every request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" env:"RESTQUERY_HEADERS"`
	// AccessToken: static Bearer token.
	AccessToken string `json:"-" yaml:"access_token,omitempty" env:"RESTQUERY_ACCESS_TOKEN"`
	// UserAgent: overrides the default User-Agent header sent by the client.
	UserAgent string `json:"user_agent,omitempty" yaml:"user_agent,omitempty" env:"RESTQUERY_USER_AGENT"`
	// HTTPTimeout: per attempt timeout of the HTTP transport.
	HTTPTimeout time.Duration `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty" env:"RESTQUERY_HTTP_TIMEOUT" validate:"gte=0"`
	// RetryMax, RetryWaitMin, RetryWaitMax: transport level retries for
	// connection errors, 429 and 5xx responses.
	RetryMax     int           `json:"retry_max,omitempty"      yaml:"retry_max,omitempty"      env:"RESTQUERY_RETRY_MAX"      validate:"gte=0"`
	RetryWaitMin time.Duration `json:"retry_wait_min,omitempty" yaml:"retry_wait_min,omitempty" env:"RESTQUERY_RETRY_WAIT_MIN" validate:"gte=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max,omitempty" yaml:"retry_wait_max,omitempty" env:"RESTQUERY_RETRY_WAIT_MAX" validate:"gte=0"`
	// StaleTime: how long query results are served from the cache.
	StaleTime time.Duration `json:"stale_time,omitempty" yaml:"stale_time,omitempty" env:"RESTQUERY_STALE_TIME" validate:"gte=0"`
	// Cache: query cache backend.
	Cache *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
	// Debug: log every request and response.
	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty" env:"RESTQUERY_DEBUG"`
	// Logger: optional structured logger used by the HTTP layer and the query cache.
	Logger Logger `json:"-" yaml:"-"`
	// TokenProvider: fetches tokens on demand and takes precedence over
	// AccessToken. It is called again when a token expires or a request
	// is rejected with 401.
	TokenProvider TokenProvider `json:"-" yaml:"-"`
	// Interceptors: replaces the default chain, which only stamps request ids.
	Interceptors *InterceptorChain `json:"-" yaml:"-"`
}

// TokenProvider returns an access token and its expiry. A zero expiry
// means the token does not expire.
type TokenProvider func(ctx context.Context) (token string, expiresAt time.Time, err error)

var (
	configValidator     *validator.Validate
	configValidatorOnce sync.Once
)

func validate() *validator.Validate {
	configValidatorOnce.Do(func() {
		configValidator = validator.New(validator.WithRequiredStructEnabled())
	})

	return configValidator
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigRequired
	}

	return validateStruct(c)
}

func validateStruct(value any) error {
	err := validate().Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]

		return fmt.Errorf("%w: %s failed on %q", ErrInvalidConfig, first.Namespace(), first.Tag())
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
}

// Client bundles a Transport with the QueryClient that caches its results.
type Client struct {
	transport Transport
	queries   *QueryClient
	logger    Logger

	mutex   sync.Mutex
	closers []func() error
}

// NewClient creates a Client. A nil queries uses DefaultQueryClient and a
// nil logger discards output.
func NewClient(transport Transport, queries *QueryClient, logger Logger) *Client {
	if queries == nil {
		queries = DefaultQueryClient()
	}

	if logger == nil {
		logger = NopLogger()
	}

	return &Client{
		transport: transport,
		queries:   queries,
		logger:    logger,
	}
}

// Transport returns the HTTP transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Queries returns the query cache.
func (c *Client) Queries() *QueryClient {
	return c.queries
}

// Logger returns the client logger.
func (c *Client) Logger() Logger {
	return c.logger
}

// OnClose registers fn to run when the client is closed.
func (c *Client) OnClose(fn func() error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closers = append(c.closers, fn)
}

// Close releases background workers and cache connections, most recently
// registered first.
func (c *Client) Close() error {
	c.mutex.Lock()
	closers := c.closers
	c.closers = nil
	c.mutex.Unlock()

	var errs []error

	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}

	return errors.Join(errs...)
}
