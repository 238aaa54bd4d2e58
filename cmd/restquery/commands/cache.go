package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the query cache",
		Long:  "Inspect, clean up and clear the cache holding query results between invocations",
	}

	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheClearCommand())
	cmd.AddCommand(newCacheCleanupCommand())

	return cmd
}

// CacheInfo describes the configured cache.
type CacheInfo struct {
	Type    string `json:"type"    yaml:"type"`
	Entries int    `json:"entries" yaml:"entries"`
	Bytes   int64  `json:"bytes"   yaml:"bytes"`
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Long:  "Display the number of cached query results and their size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			config, client, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			stats, err := client.Queries().Cache().Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read cache statistics: %w", err)
			}

			info := CacheInfo{
				Type:    describeCache(config.Cache),
				Entries: stats.Entries,
				Bytes:   stats.Bytes,
			}

			out := cmd.OutOrStdout()

			if config.Output != constants.FormatTable {
				return renderValue(out, info, config.Output)
			}

			table := tablewriter.NewWriter(out)
			table.Header("Property", "Value")
			_ = table.Append("Type", info.Type)
			_ = table.Append("Entries", strconv.Itoa(info.Entries))
			_ = table.Append("Size", humanize.Bytes(uint64(max(info.Bytes, 0))))

			err = table.Render()
			if err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}

			return nil
		},
	}
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [RESOURCE...]",
		Short: "Clear cached queries",
		Long:  "Invalidate every cached query of the given resources, or the whole cache when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			config, client, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if len(args) == 0 {
				err = client.Queries().Clear(ctx)
				if err != nil {
					return fmt.Errorf("failed to clear cache: %w", err)
				}

				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")

				return nil
			}

			keys := make([]string, 0, len(args))

			for _, name := range args {
				resourceName, declared, err := config.resource(name)
				if err != nil {
					return err
				}

				keys = append(keys, declared.Options(resourceName).EntityKey)
			}

			err = client.Queries().InvalidateQueries(ctx, keys...)
			if err != nil {
				return fmt.Errorf("failed to invalidate queries: %w", err)
			}

			for _, key := range keys {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Invalidated queries of '%s'\n", key)
			}

			return nil
		},
	}
}

func newCacheCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired entries",
		Long:  "Delete expired query results from the cache right away instead of waiting for the janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, client, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			cache := client.Queries().Cache()

			before, err := cache.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read cache statistics: %w", err)
			}

			if cleaner, ok := cache.(restquery.Cleaner); ok {
				cleaner.Cleanup()
			}

			after, err := cache.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read cache statistics: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries (%s freed)\n",
				before.Entries-after.Entries, humanize.Bytes(uint64(max(before.Bytes-after.Bytes, 0))))

			return nil
		},
	}
}

// openCache opens a client for its cache only, so no API is required.
func openCache(ctx context.Context) (*Config, *restquery.Client, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if config.API == "" {
		config.API = "http://localhost"
	}

	client, err := createClient(ctx, config)
	if err != nil {
		return nil, nil, err
	}

	return config, client, nil
}
