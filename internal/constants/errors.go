package constants

import "errors"

// Configuration errors.
var (
	ErrNoBaseURLConfigured = errors.New("no base URL configured, use --api or set base_url in the config file")
	ErrUnknownResource     = errors.New("resource is not declared in the config file")
	ErrInvalidResource     = errors.New("invalid resource declaration")
	ErrInvalidCacheType    = errors.New("invalid cache type")
)

// Input errors.
var (
	ErrNoInputData      = errors.New("no input data, use --data, --file or pipe a document on stdin")
	ErrConflictingInput = errors.New("--data and --file cannot be used together")
	ErrInputNotObject   = errors.New("input document must be an object")
	ErrInvalidFormat    = errors.New("invalid output format")
	ErrInvalidParam     = errors.New("invalid parameter")
)
