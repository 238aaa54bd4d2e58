package restquery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// ErrorPayloadData is the nested detail object some backends return.
type ErrorPayloadData struct {
	Detail  string `json:"detail,omitempty"  yaml:"detail,omitempty"`
	Status  int    `json:"status,omitempty"  yaml:"status,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ErrorPayload is the common shape of an error body.
type ErrorPayload struct {
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
	Detail  string            `json:"detail,omitempty"  yaml:"detail,omitempty"`
	Code    string            `json:"code,omitempty"    yaml:"code,omitempty"`
	Status  int               `json:"status,omitempty"  yaml:"status,omitempty"`
	Data    *ErrorPayloadData `json:"data,omitempty"    yaml:"data,omitempty"`
}

// Summary returns the most specific human readable message in the payload.
func (p *ErrorPayload) Summary() string {
	if p == nil {
		return ""
	}

	switch {
	case p.Message != "":
		return p.Message
	case p.Detail != "":
		return p.Detail
	case p.Data != nil && p.Data.Detail != "":
		return p.Data.Detail
	case p.Data != nil:
		return p.Data.Message
	}

	return ""
}

// ResponseError is returned for every response with a status of 400 or
// above. Body holds the payload exactly as the server sent it.
type ResponseError struct {
	StatusCode int
	Method     string
	Path       string
	Body       []byte
	Payload    *ErrorPayload
}

// NewResponseError builds a ResponseError and decodes the body when it is a JSON object.
func NewResponseError(method, path string, statusCode int, body []byte) *ResponseError {
	payload, _ := ParseErrorPayload(body)

	return &ResponseError{
		StatusCode: statusCode,
		Method:     method,
		Path:       path,
		Body:       body,
		Payload:    payload,
	}
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	message := e.Payload.Summary()
	if message == "" {
		message = previewBody(e.Body)
	}

	if message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, message)
}

// Decode unmarshals the raw error body into target.
func (e *ResponseError) Decode(target any) error {
	err := json.Unmarshal(e.Body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal error body: %w", err)
	}

	return nil
}

// ParseErrorPayload parses an error body. Bodies that are not JSON objects yield an error.
func ParseErrorPayload(data []byte) (*ErrorPayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrErrorBodyNotObject
	}

	var payload ErrorPayload

	err := json.Unmarshal(trimmed, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal error payload: %w", err)
	}

	return &payload, nil
}

func previewBody(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > constants.ErrorBodyPreviewLimit {
		return text[:constants.ErrorBodyPreviewLimit] + "..."
	}

	return text
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	respErr := &ResponseError{}
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}

	return 0
}

// IsBadRequest checks if the error is a 400 response.
func IsBadRequest(err error) bool {
	return StatusCode(err) == constants.HTTPStatusBadRequest
}

// IsUnauthorized checks if the error is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == constants.HTTPStatusUnauthorized
}

// IsForbidden checks if the error is a 403 response.
func IsForbidden(err error) bool {
	return StatusCode(err) == constants.HTTPStatusForbidden
}

// IsNotFound checks if the error is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == constants.HTTPStatusNotFound
}

// IsServerError checks if the error is a 5xx response.
func IsServerError(err error) bool {
	return StatusCode(err) >= constants.HTTPStatusInternalServerError
}

// Common static errors that can be wrapped with context.
var (
	ErrConfigRequired         = errors.New("config is required")
	ErrClientRequired         = errors.New("client is required")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrInvalidResourceOptions = errors.New("invalid resource options")
	ErrErrorBodyNotObject     = errors.New("error body is not a JSON object")
	ErrNilEntity              = errors.New("entity pointer is nil")
	ErrUnsupportedInput       = errors.New("unsupported entity input")
	ErrNoMorePages            = errors.New("no more pages")
	ErrQueryFnRequired        = errors.New("query function is required")
	ErrCacheMiss              = errors.New("key not found")
	ErrEntryExpired           = errors.New("entry expired")
	ErrNilCacheEntry          = errors.New("cache entry is nil")
	ErrUnknownCacheType       = errors.New("unknown cache type")
	ErrNATSConfigRequired     = errors.New("NATS KV cache config is required")
	ErrSQLiteConfigRequired   = errors.New("SQLite cache config is required")
	ErrInvalidTableName       = errors.New("invalid SQLite table name")
	ErrInvalidCleanupInterval = errors.New("invalid cleanup interval")
)
