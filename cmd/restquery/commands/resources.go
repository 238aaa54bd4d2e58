package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// session is an open client plus the resource a command works on.
type session struct {
	config   *Config
	client   *restquery.Client
	resource *restquery.Resource[Record]
	columns  []string
}

func (s *session) Close() {
	_ = s.client.Close()
}

// openSession loads the config and binds the named resource.
func openSession(ctx context.Context, name string) (*session, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}

	resourceName, declared, err := config.resource(name)
	if err != nil {
		return nil, err
	}

	client, err := createClient(ctx, config)
	if err != nil {
		return nil, err
	}

	resource, err := restquery.NewResource[Record](client, declared.Options(resourceName))
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("%w: %w", constants.ErrInvalidResource, err)
	}

	return &session{
		config:   config,
		client:   client,
		resource: resource,
		columns:  declared.Columns,
	}, nil
}

// NewResourcesCommand lists declared resources.
func NewResourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "resources",
		Aliases: []string{"res"},
		Short:   "List declared resources",
		Long:    "List the resources declared in the config file with their endpoints and invalidation keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if config.Output != constants.FormatTable {
				resources := config.Resources
				if resources == nil {
					resources = map[string]ResourceConfig{}
				}

				return renderValue(out, resources, config.Output)
			}

			if len(config.Resources) == 0 {
				_, _ = fmt.Fprintln(out, "No resources declared. Add a resources section to the config file.")

				return nil
			}

			table := tablewriter.NewWriter(out)
			table.Header("Name", "Endpoint", "Key", "Invalidates", "Partial")

			for _, name := range config.resourceNames() {
				resource := config.Resources[name]
				options := resource.Options(name)

				invalidates := options.EntityKey
				if len(options.InvalidateKeys) > 0 {
					invalidates = strings.Join(options.InvalidateKeys, ", ")
				}

				partial := "no"
				if resource.Partial {
					partial = "yes"
				}

				_ = table.Append(name, options.BaseEndpoint, options.EntityKey, invalidates, partial)
			}

			err = table.Render()
			if err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}

			return nil
		},
	}
}

// NewGetCommand fetches one entity.
func NewGetCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "get RESOURCE ID",
		Short: "Get a single entity",
		Long:  "Fetch one entity by its id. Results are served from the cache while fresh.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryParams, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.resource.Get(ctx, restquery.GetParams{
				Slug:   restquery.SlugOf(args[1]),
				Params: queryParams,
			})
			if err != nil {
				return fmt.Errorf("failed to get %s %s: %w", args[0], args[1], err)
			}

			return renderRecord(cmd.OutOrStdout(), record, s.columns, s.config.Output)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "query parameter as key=value (repeatable)")

	return cmd
}

// NewGetArrayCommand fetches an unpaginated collection.
func NewGetArrayCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "get-array RESOURCE",
		Short: "Get a collection as a plain array",
		Long:  "Fetch the resource's array endpoint, which returns every entity without pagination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryParams, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.resource.GetArray(ctx, restquery.GetParams{Params: queryParams})
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", args[0], err)
			}

			return renderRecords(cmd.OutOrStdout(), records, s.columns, s.config.Output)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "query parameter as key=value (repeatable)")

	return cmd
}

// NewListCommand fetches a page of a collection, or every page with --all.
func NewListCommand() *cobra.Command {
	var (
		page    int
		size    int
		query   string
		filters []string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "list RESOURCE",
		Short: "List entities page by page",
		Long:  "Fetch one page of a paginated collection. With --all every page is fetched in order.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filterParams, err := parseParams(filters)
			if err != nil {
				return err
			}

			request := restquery.NewPaginationRequest()
			if page > 0 {
				request.WithPage(page)
			}

			if size > 0 {
				request.WithSize(size)
			}

			if query != "" {
				request.WithQuery(query)
			}

			for key, value := range filterParams {
				request.WithFilter(key, value)
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()

			if all {
				if request.Page == nil {
					request.WithPage(1)
				}

				records, err := s.resource.InfiniteList(request).All(ctx)
				if err != nil {
					return fmt.Errorf("failed to list %s: %w", args[0], err)
				}

				return renderRecords(out, records, s.columns, s.config.Output)
			}

			result, err := s.resource.List(ctx, request)
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", args[0], err)
			}

			return renderPage(out, result, s.columns, s.config.Output)
		},
	}

	cmd.Flags().IntVar(&page, "page", 0, "page number")
	cmd.Flags().IntVar(&size, "size", 0, "page size")
	cmd.Flags().StringVarP(&query, "query", "q", "", "free text search")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "filter as key=value (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "fetch all pages")

	return cmd
}

// NewCreateCommand posts a new entity.
func NewCreateCommand() *cobra.Command {
	var data, file string

	cmd := &cobra.Command{
		Use:   "create RESOURCE",
		Short: "Create an entity",
		Long:  "Create an entity from a JSON or YAML document given with --data, --file or on stdin. Cached queries of the resource are invalidated.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, data, file)
			if err != nil {
				return err
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.resource.Create(ctx, body)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}

			return renderRecord(cmd.OutOrStdout(), record, s.columns, s.config.Output)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "document to send")
	cmd.Flags().StringVar(&file, "file", "", "file holding the document, - for stdin")

	return cmd
}

// NewUpdateCommand puts an entity.
func NewUpdateCommand() *cobra.Command {
	var data, file string

	cmd := &cobra.Command{
		Use:   "update RESOURCE ID",
		Short: "Update an entity",
		Long:  "Replace an entity with a JSON or YAML document given with --data, --file or on stdin. Cached queries of the resource are invalidated.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, data, file)
			if err != nil {
				return err
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.resource.Update(ctx, restquery.SlugOf(args[1]), body)
			if err != nil {
				return fmt.Errorf("failed to update %s %s: %w", args[0], args[1], err)
			}

			return renderRecord(cmd.OutOrStdout(), record, s.columns, s.config.Output)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "document to send")
	cmd.Flags().StringVar(&file, "file", "", "file holding the document, - for stdin")

	return cmd
}

// NewDeleteCommand deletes an entity.
func NewDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete RESOURCE ID",
		Short: "Delete an entity",
		Long:  "Delete an entity by id. Cached queries of the resource are invalidated.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !confirm(cmd, fmt.Sprintf("Really delete %s '%s'?", args[0], args[1])) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")

				return nil
			}

			ctx := context.Background()

			s, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.resource.Delete(ctx, restquery.SlugOf(args[1]))
			if err != nil {
				return fmt.Errorf("failed to delete %s %s: %w", args[0], args[1], err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Successfully deleted %s '%s'\n", args[0], args[1])

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "force deletion without confirmation")

	return cmd
}
