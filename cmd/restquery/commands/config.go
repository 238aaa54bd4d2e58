package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/internal/logging"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
	"github.com/fivetwenty-io/restquery/pkg/rqclient"
)

// Config represents the CLI configuration.
type Config struct {
	API         string                    `json:"api,omitempty"          yaml:"api,omitempty"          mapstructure:"api"`
	Token       string                    `json:"token,omitempty"        yaml:"token,omitempty"        mapstructure:"token"`
	Output      string                    `json:"output,omitempty"       yaml:"output,omitempty"       mapstructure:"output"`
	Verbose     bool                      `json:"verbose,omitempty"      yaml:"verbose,omitempty"      mapstructure:"verbose"`
	Headers     map[string]string         `json:"headers,omitempty"      yaml:"headers,omitempty"      mapstructure:"headers"`
	HTTPTimeout time.Duration             `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty" mapstructure:"http_timeout"`
	StaleTime   time.Duration             `json:"stale_time,omitempty"   yaml:"stale_time,omitempty"   mapstructure:"stale_time"`
	Cache       *restquery.CacheConfig    `json:"cache,omitempty"        yaml:"cache,omitempty"        mapstructure:"cache"`
	Log         logging.LoggerConfig      `json:"log"                    yaml:"log"                    mapstructure:"log"`
	Resources   map[string]ResourceConfig `json:"resources,omitempty"    yaml:"resources,omitempty"    mapstructure:"resources"`
}

// ResourceConfig declares one REST resource in the config file.
type ResourceConfig struct {
	Endpoint   string                    `json:"endpoint"             yaml:"endpoint"             mapstructure:"endpoint"`
	Key        string                    `json:"key,omitempty"        yaml:"key,omitempty"        mapstructure:"key"`
	Invalidate []string                  `json:"invalidate,omitempty" yaml:"invalidate,omitempty" mapstructure:"invalidate"`
	Partial    bool                      `json:"partial,omitempty"    yaml:"partial,omitempty"    mapstructure:"partial"`
	Paths      restquery.AdditionalPaths `json:"paths"                yaml:"paths"                mapstructure:"paths"`
	Columns    []string                  `json:"columns,omitempty"    yaml:"columns,omitempty"    mapstructure:"columns"`
}

// Options converts the declaration into resource options.
func (r ResourceConfig) Options(name string) restquery.ResourceOptions {
	key := r.Key
	if key == "" {
		key = name
	}

	return restquery.ResourceOptions{
		EntityKey:           key,
		BaseEndpoint:        r.Endpoint,
		FromInstancePartial: r.Partial,
		InvalidateKeys:      r.Invalidate,
		AdditionalPaths:     r.Paths,
	}
}

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  "Inspect the restquery CLI configuration and declared resources",
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long:  "Display the effective configuration after flags, environment and config file are merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}

			if config.Token != "" {
				config.Token = constants.MaskedSecret
			}

			out := cmd.OutOrStdout()

			switch config.Output {
			case constants.FormatJSON:
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")

				return encoder.Encode(config)
			case constants.FormatYAML:
				encoder := yaml.NewEncoder(out)

				return encoder.Encode(config)
			default:
				return displayConfigTable(out, config)
			}
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Long:  "Print the config file in use, or the default location when none was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.ConfigFileUsed()
			if path == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}

				path = filepath.Join(dir, constants.ConfigFileName+".yml")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)

			return nil
		},
	}
}

func displayConfigTable(out io.Writer, config *Config) error {
	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")

	_ = table.Append("API", formatConfigValue(config.API))
	_ = table.Append("Token", formatConfigValue(config.Token))
	_ = table.Append("Output", config.Output)
	_ = table.Append("Verbose", strconv.FormatBool(config.Verbose))
	_ = table.Append("Stale Time", formatConfigValue(durationString(config.StaleTime)))
	_ = table.Append("HTTP Timeout", formatConfigValue(durationString(config.HTTPTimeout)))
	_ = table.Append("Cache", describeCache(config.Cache))
	_ = table.Append("Resources", strconv.Itoa(len(config.Resources)))

	err := table.Render()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	return nil
}

func formatConfigValue(value string) string {
	if value == "" {
		return constants.NotAvailable
	}

	return value
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}

	return d.String()
}

func describeCache(config *restquery.CacheConfig) string {
	if config == nil {
		return constants.NotAvailable
	}

	switch config.Type {
	case restquery.CacheTypeSQLite:
		if config.SQLite != nil {
			return "sqlite (" + config.SQLite.Path + ")"
		}
	case restquery.CacheTypeNATS:
		if config.NATS != nil {
			return "nats (" + config.NATS.URL + ")"
		}
	case restquery.CacheTypeMemory, restquery.CacheTypeNone:
	}

	if config.Type == "" {
		return string(restquery.CacheTypeMemory)
	}

	return string(config.Type)
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}

	return filepath.Join(home, constants.ConfigDirName), nil
}

// loadConfig merges flags, environment and config file.
func loadConfig() (*Config, error) {
	config := &Config{}

	err := viper.Unmarshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if config.Output == "" {
		config.Output = constants.FormatTable
	}

	switch config.Output {
	case constants.FormatTable, constants.FormatJSON, constants.FormatYAML:
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrInvalidFormat, config.Output)
	}

	if config.Cache == nil {
		config.Cache = defaultCacheConfig()
	}

	for name, resource := range config.Resources {
		if strings.TrimSpace(resource.Endpoint) == "" {
			return nil, fmt.Errorf("%w: %s has no endpoint", constants.ErrInvalidResource, name)
		}
	}

	return config, nil
}

// defaultCacheConfig keeps results in $HOME/.restquery/cache.db so they
// survive between invocations, falling back to memory without a home.
func defaultCacheConfig() *restquery.CacheConfig {
	dir, err := configDir()
	if err != nil {
		return restquery.DefaultCacheConfig()
	}

	return &restquery.CacheConfig{
		Type: restquery.CacheTypeSQLite,
		SQLite: &restquery.SQLiteCacheConfig{
			Path: filepath.Join(dir, constants.CacheFileName),
		},
	}
}

// resourceNames returns the declared resource names in order.
func (c *Config) resourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// resource looks up a declared resource. A name starting with "/" is
// taken as an ad hoc endpoint keyed by its first path segment.
func (c *Config) resource(name string) (string, ResourceConfig, error) {
	if declared, ok := c.Resources[strings.ToLower(name)]; ok {
		return strings.ToLower(name), declared, nil
	}

	if strings.HasPrefix(name, "/") {
		key := strings.Trim(name, "/")
		if i := strings.Index(key, "/"); i >= 0 {
			key = key[:i]
		}

		if key != "" {
			return key, ResourceConfig{Endpoint: name, Key: key}, nil
		}
	}

	return "", ResourceConfig{}, fmt.Errorf("%w: %s", constants.ErrUnknownResource, name)
}

// createClient builds a restquery client for the configured API.
func createClient(ctx context.Context, config *Config) (*restquery.Client, error) {
	if config.API == "" {
		return nil, constants.ErrNoBaseURLConfigured
	}

	logConfig := config.Log
	if config.Verbose {
		logConfig.Level = "debug"
	}

	logger, err := logging.New(&logConfig)
	if err != nil {
		return nil, err
	}

	client, err := rqclient.New(ctx, &restquery.Config{
		BaseURL:     config.API,
		AccessToken: config.Token,
		Headers:     config.Headers,
		UserAgent:   constants.CLIUserAgent,
		HTTPTimeout: config.HTTPTimeout,
		StaleTime:   config.StaleTime,
		Cache:       config.Cache,
		Debug:       config.Verbose,
		Logger:      logging.NewAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return client, nil
}
