package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fivetwenty-io/restquery/internal/auth"
	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// Request is an outgoing API call. Path is relative to the base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    interface{}
	Headers map[string]string
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client is a JSON HTTP client with transport retries, bearer
// authentication and optional interceptors.
type Client struct {
	baseURL      string
	httpClient   *retryablehttp.Client
	tokenManager auth.TokenManager
	logger       restquery.Logger
	debug        bool
	userAgent    string
	headers      map[string]string
	interceptors *restquery.InterceptorChain
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger restquery.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDebug logs every request and response.
func WithDebug(debug bool) Option {
	return func(c *Client) {
		c.debug = debug
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for key, value := range headers {
			c.headers[key] = value
		}
	}
}

// WithRetryConfig enables transport retries for connection errors, 429 and 5xx.
func WithRetryConfig(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.httpClient.RetryMax = retryMax
		c.httpClient.RetryWaitMin = waitMin
		c.httpClient.RetryWaitMax = waitMax
	}
}

// WithTimeout sets the per attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.HTTPClient.Timeout = timeout
		}
	}
}

// WithInterceptors runs chain around every request.
func WithInterceptors(chain *restquery.InterceptorChain) Option {
	return func(c *Client) {
		c.interceptors = chain
	}
}

// NewClient creates a client for baseURL. tokenManager may be nil for
// anonymous APIs.
func NewClient(baseURL string, tokenManager auth.TokenManager, opts ...Option) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.RetryWaitMin = constants.DefaultRetryWaitMin
	retryClient.RetryWaitMax = constants.DefaultRetryWaitMax
	retryClient.Logger = nil
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient.Timeout = constants.DefaultHTTPTimeout

	client := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   retryClient,
		tokenManager: tokenManager,
		logger:       restquery.NopLogger(),
		userAgent:    constants.DefaultUserAgent,
		headers:      make(map[string]string),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// checkRetry retries what the default policy retries, except 4xx other than 429.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return false, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Do sends req. For statuses of 400 and above both the response and a
// *restquery.ResponseError are returned.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	intercepted, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, intercepted)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokenManager != nil {
		refreshErr := c.tokenManager.RefreshToken(ctx)
		if refreshErr == nil {
			c.logger.Debug("Retrying request with refreshed token", map[string]interface{}{
				"method": intercepted.Method,
				"path":   intercepted.Path,
			})

			resp, err = c.send(ctx, intercepted)
			if err != nil {
				return resp, err
			}
		}
	}

	if c.interceptors != nil {
		err = c.interceptors.ExecuteResponseInterceptors(ctx, intercepted, &restquery.Response{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       resp.Body,
		})
		if err != nil {
			return resp, err
		}
	}

	if resp.StatusCode >= constants.HTTPStatusBadRequest {
		return resp, restquery.NewResponseError(intercepted.Method, intercepted.Path, resp.StatusCode, resp.Body)
	}

	return resp, nil
}

func (c *Client) prepare(ctx context.Context, req *Request) (*restquery.Request, error) {
	var body []byte

	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		body = encoded
	}

	path := req.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	headers := make(http.Header)
	for key, value := range c.headers {
		headers.Set(key, value)
	}

	for key, value := range req.Headers {
		headers.Set(key, value)
	}

	intercepted := &restquery.Request{
		Method:  req.Method,
		Path:    path,
		Query:   req.Query,
		Headers: headers,
		Body:    body,
	}

	if c.interceptors != nil {
		err := c.interceptors.ExecuteRequestInterceptors(ctx, intercepted)
		if err != nil {
			return nil, err
		}
	}

	return intercepted, nil
}

func (c *Client) send(ctx context.Context, req *restquery.Request) (*Response, error) {
	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var rawBody interface{}
	if req.Body != nil {
		rawBody = req.Body
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, fullURL, rawBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for key, values := range req.Headers {
		httpReq.Header[key] = values
	}

	err = c.authorize(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	if c.debug {
		c.logger.Debug("HTTP Request", map[string]interface{}{
			"method": req.Method,
			"url":    fullURL,
		})
	}

	start := time.Now()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil && httpResp == nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if c.debug {
		c.logger.Debug("HTTP Response", map[string]interface{}{
			"method":   req.Method,
			"url":      fullURL,
			"status":   httpResp.StatusCode,
			"duration": time.Since(start).String(),
			"bytes":    len(body),
		})
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) authorize(ctx context.Context, httpReq *retryablehttp.Request) error {
	if c.tokenManager == nil || httpReq.Header.Get("Authorization") != "" {
		return nil
	}

	token, err := c.tokenManager.GetToken(ctx)
	if err != nil && !errors.Is(err, auth.ErrStaticTokenCannotRefresh) {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	if token != "" {
		httpReq.Header.Set("Authorization", constants.BearerPrefix+token)
	}

	return nil
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put sends a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch sends a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}
