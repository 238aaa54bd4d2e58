// Package rqclient provides the main entry point for creating restquery clients
package rqclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/fivetwenty-io/restquery/internal/client"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// ConfigPathEnv names the environment variable LoadConfig falls back to.
const ConfigPathEnv = "RESTQUERY_CONFIG"

// New creates a client for the API described by config. The caller owns
// the returned client and should Close it to stop cache workers.
func New(ctx context.Context, config *restquery.Config) (*restquery.Client, error) {
	if config == nil {
		return nil, restquery.ErrConfigRequired
	}

	normalized := *config
	normalized.BaseURL = normalizeBaseURL(config.BaseURL)

	err := normalized.Validate()
	if err != nil {
		return nil, err
	}

	rqClient, err := client.New(ctx, &normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to create new client: %w", err)
	}

	return rqClient, nil
}

// normalizeBaseURL trims the trailing slash and defaults the scheme to https.
func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return ""
	}

	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	return baseURL
}

// NewWithEndpoint creates a new client with just a base URL (no auth).
func NewWithEndpoint(ctx context.Context, baseURL string) (*restquery.Client, error) {
	return New(ctx, &restquery.Config{
		BaseURL: baseURL,
	})
}

// NewWithToken creates a new client with a base URL and a static access token.
func NewWithToken(ctx context.Context, baseURL, token string) (*restquery.Client, error) {
	return New(ctx, &restquery.Config{
		BaseURL:     baseURL,
		AccessToken: token,
	})
}

// LoadConfig reads a YAML config file and applies RESTQUERY_* environment
// overrides. With an empty path it reads RESTQUERY_CONFIG, and with no
// file at all only the environment is used.
func LoadConfig(path string) (*restquery.Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}

	var config restquery.Config

	if path == "" {
		err := cleanenv.ReadEnv(&config)
		if err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		_, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}

		err = cleanenv.ReadConfig(path, &config)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	config.BaseURL = normalizeBaseURL(config.BaseURL)

	err := config.Validate()
	if err != nil {
		return nil, err
	}

	return &config, nil
}
