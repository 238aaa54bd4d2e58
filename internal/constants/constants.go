package constants

import "time"

// File and directory permissions.
const (
	// ConfigDirPerm is the permission for configuration directories.
	ConfigDirPerm = 0750

	// ConfigFilePerm is the permission for configuration files.
	ConfigFilePerm = 0600
)

// Configuration locations.
const (
	// ConfigDirName is the directory under $HOME holding CLI state.
	ConfigDirName = ".restquery"

	// ConfigFileName is the CLI config file name without extension.
	ConfigFileName = "config"

	// CacheFileName is the default SQLite cache file used by the CLI.
	CacheFileName = "cache.db"

	// EnvPrefix is the environment prefix for CLI settings.
	EnvPrefix = "RQ"
)

// HTTP and network timeouts.
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ShortHTTPTimeout is used for quick operations.
	ShortHTTPTimeout = 10 * time.Second
)

// Transport retry limits.
const (
	// DefaultRetryMax is the default maximum number of transport retries.
	DefaultRetryMax = 3

	// DefaultRetryWaitMin is the minimum wait time between transport retries.
	DefaultRetryWaitMin = 1 * time.Second

	// DefaultRetryWaitMax is the maximum wait time between transport retries.
	DefaultRetryWaitMax = 10 * time.Second
)

// Query cache defaults.
const (
	// DefaultStaleTime is how long a cached query result is served without refetching.
	DefaultStaleTime = 60 * time.Second

	// QueryRetryLimit is the highest failure count that still gets a retry.
	QueryRetryLimit = 1

	// QueryRetryDelayBase is the first delay between query attempts.
	QueryRetryDelayBase = 1 * time.Second

	// QueryRetryDelayMax caps the delay between query attempts.
	QueryRetryDelayMax = 30 * time.Second

	// DefaultCacheSize is the default number of entries kept in memory.
	DefaultCacheSize = 1000

	// DefaultCleanupInterval is the default janitor interval.
	DefaultCleanupInterval = "1m"

	// DefaultNATSBucket is the default JetStream key-value bucket.
	DefaultNATSBucket = "restquery"

	// DefaultSQLiteTable is the default SQLite cache table.
	DefaultSQLiteTable = "query_cache"
)

// HTTP status codes commonly used.
const (
	// HTTPStatusBadRequest represents a client error.
	HTTPStatusBadRequest = 400

	// HTTPStatusUnauthorized represents a missing or rejected credential.
	HTTPStatusUnauthorized = 401

	// HTTPStatusForbidden represents a refused request.
	HTTPStatusForbidden = 403

	// HTTPStatusNotFound represents a missing resource.
	HTTPStatusNotFound = 404

	// HTTPStatusInternalServerError represents server errors.
	HTTPStatusInternalServerError = 500
)

// Authentication.
const (
	// TokenExpirationBuffer is the buffer time before token expiration.
	TokenExpirationBuffer = 30 * time.Second

	// BearerPrefix is prepended to access tokens in the Authorization header.
	BearerPrefix = "Bearer "
)

// Mathematical and calculation constants.
const (
	// ExponentialBackoffBase is the base for exponential backoff.
	ExponentialBackoffBase = 2

	// ErrorBodyPreviewLimit caps how much of a non-JSON error body ends up in an error message.
	ErrorBodyPreviewLimit = 200
)

// UI and display constants.
const (
	// NotAvailable is used when information is not available.
	NotAvailable = "N/A"

	// MaskedSecret is used to hide sensitive information.
	MaskedSecret = "***"

	// MaxTableCellWidth truncates long cell values in table output.
	MaxTableCellWidth = 60
)

// Format constants.
const (
	// FormatTable for table output format.
	FormatTable = "table"

	// FormatJSON for JSON output format.
	FormatJSON = "json"

	// FormatYAML for YAML output format.
	FormatYAML = "yaml"
)

// Cache type names.
const (
	CacheTypeMemory = "memory"
	CacheTypeNATS   = "nats"
	CacheTypeSQLite = "sqlite"
	CacheTypeNone   = "none"
)

// User agent information.
const (
	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "restquery-go/1.0.0"

	// CLIUserAgent is sent by the restquery command line tool.
	CLIUserAgent = "restquery-cli/1.0.0"
)
