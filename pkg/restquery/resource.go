package restquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// AdditionalPaths are appended to the base endpoint per operation.
type AdditionalPaths struct {
	Get      string `json:"get,omitempty"       yaml:"get,omitempty"       mapstructure:"get"`
	GetArray string `json:"get_array,omitempty" yaml:"get_array,omitempty" mapstructure:"get_array"`
	List     string `json:"list,omitempty"      yaml:"list,omitempty"      mapstructure:"list"`
	Create   string `json:"create,omitempty"    yaml:"create,omitempty"    mapstructure:"create"`
	Update   string `json:"update,omitempty"    yaml:"update,omitempty"    mapstructure:"update"`
	Delete   string `json:"delete,omitempty"    yaml:"delete,omitempty"    mapstructure:"delete"`
}

// ResourceOptions declare a REST resource.
type ResourceOptions struct {
	// EntityKey prefixes every query key of the resource.
	EntityKey string `validate:"required"`
	// BaseEndpoint is the collection path, e.g. "/users".
	BaseEndpoint string `validate:"required"`
	// FromInstancePartial builds entities through EntityConstructor or
	// plain JSON decoding instead of the tagged field allow-list.
	FromInstancePartial bool
	// InvalidateKeys are invalidated after a successful mutation. When
	// empty, EntityKey is invalidated.
	InvalidateKeys []string `validate:"dive,required"`
	// AdditionalPaths per operation.
	AdditionalPaths AdditionalPaths
	// ConvertFrom maps responses through an intermediate shape.
	ConvertFrom Shape `validate:"-"`
}

// Resource is a typed client for one REST collection. Reads go through the
// QueryClient cache, writes invalidate it.
type Resource[T any] struct {
	client     *Client
	options    ResourceOptions
	entityOpts []EntityOption
}

// NewResource declares a resource of entity type T.
func NewResource[T any](client *Client, options ResourceOptions) (*Resource[T], error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	err := validate().Struct(options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResourceOptions, err)
	}

	options.BaseEndpoint = strings.TrimSuffix(options.BaseEndpoint, "/")

	var entityOpts []EntityOption
	if options.FromInstancePartial {
		entityOpts = append(entityOpts, FromInstancePartial())
	}

	if options.ConvertFrom != nil {
		entityOpts = append(entityOpts, ConvertFrom(options.ConvertFrom))
	}

	return &Resource[T]{
		client:     client,
		options:    options,
		entityOpts: entityOpts,
	}, nil
}

// Key returns the entity key.
func (r *Resource[T]) Key() string {
	return r.options.EntityKey
}

// Options returns the resource declaration.
func (r *Resource[T]) Options() ResourceOptions {
	return r.options
}

// Map converts raw input into an entity the way responses are converted.
func (r *Resource[T]) Map(data any) (T, error) {
	return CreateEntityInstance[T](data, r.entityOpts...)
}

// GetQuery describes fetching one entity. The key is [EntityKey, params].
// The raw response is cached and mapped on every read.
func (r *Resource[T]) GetQuery(params GetParams, opts ...QueryOption) Query[T] {
	return Query[T]{
		Key:     QueryKey{r.options.EntityKey, params},
		Options: opts,
		Fetch: func(ctx context.Context) ([]byte, error) {
			query, err := queryValues(params.Params)
			if err != nil {
				return nil, err
			}

			return r.client.transport.Get(ctx, r.endpoint(r.options.AdditionalPaths.Get, params.Slug), query)
		},
		Decode: func(data []byte) (T, error) {
			return r.Map(data)
		},
	}
}

// Get fetches one entity.
func (r *Resource[T]) Get(ctx context.Context, params GetParams, opts ...QueryOption) (T, error) {
	return FetchQuery(ctx, r.client.queries, r.GetQuery(params, opts...))
}

// GetArrayQuery describes fetching a bare JSON array of entities. The key
// is [EntityKey, params].
func (r *Resource[T]) GetArrayQuery(params GetParams, opts ...QueryOption) Query[[]T] {
	return Query[[]T]{
		Key:     QueryKey{r.options.EntityKey, params},
		Options: opts,
		Fetch: func(ctx context.Context) ([]byte, error) {
			query, err := queryValues(params.Params)
			if err != nil {
				return nil, err
			}

			return r.client.transport.Get(ctx, r.endpoint(r.options.AdditionalPaths.GetArray, params.Slug), query)
		},
		Decode: r.mapArray,
	}
}

// GetArray fetches a list of entities without pagination.
func (r *Resource[T]) GetArray(ctx context.Context, params GetParams, opts ...QueryOption) ([]T, error) {
	return FetchQuery(ctx, r.client.queries, r.GetArrayQuery(params, opts...))
}

// ListQuery describes fetching one page. request is any value with a
// plain form, typically a *PaginationRequest. The key is [EntityKey, request].
func (r *Resource[T]) ListQuery(request any, opts ...QueryOption) Query[*PaginationResponse[T]] {
	if isNil(request) {
		request = NewPaginationRequest()
	}

	return Query[*PaginationResponse[T]]{
		Key:     QueryKey{r.options.EntityKey, request},
		Options: opts,
		Fetch: func(ctx context.Context) ([]byte, error) {
			query, err := queryValues(request)
			if err != nil {
				return nil, err
			}

			return r.client.transport.Get(ctx, r.endpoint(r.options.AdditionalPaths.List, ""), query)
		},
		Decode: func(data []byte) (*PaginationResponse[T], error) {
			return UnwrapPage[T](data, r.entityOpts...)
		},
	}
}

// List fetches one page.
func (r *Resource[T]) List(ctx context.Context, request any, opts ...QueryOption) (*PaginationResponse[T], error) {
	return FetchQuery(ctx, r.client.queries, r.ListQuery(request, opts...))
}

// InfiniteList pages through the list endpoint starting at request. Each
// page is cached under its own request.
func (r *Resource[T]) InfiniteList(request *PaginationRequest, opts ...QueryOption) *PageIterator[T] {
	return NewPageIterator(request, func(ctx context.Context, page *PaginationRequest) (*PaginationResponse[T], error) {
		return r.List(ctx, page, opts...)
	})
}

// MutationOptions hook into a mutation outcome.
type MutationOptions struct {
	OnAfterSuccess func()
	OnError        func(err error)
}

// MutationOption configures a mutation.
type MutationOption func(*MutationOptions)

// OnAfterSuccess runs fn after a successful mutation and its invalidation.
func OnAfterSuccess(fn func()) MutationOption {
	return func(o *MutationOptions) {
		o.OnAfterSuccess = fn
	}
}

// OnError runs fn when a mutation fails.
func OnError(fn func(err error)) MutationOption {
	return func(o *MutationOptions) {
		o.OnError = fn
	}
}

// Create POSTs body to the collection and returns the created entity.
func (r *Resource[T]) Create(ctx context.Context, body any, opts ...MutationOption) (T, error) {
	return r.mutate(ctx, opts, func(payload map[string]any) ([]byte, error) {
		return r.client.transport.Post(ctx, r.endpoint(r.options.AdditionalPaths.Create, ""), payload)
	}, body)
}

// Update PUTs body to the entity at id and returns the updated entity.
func (r *Resource[T]) Update(ctx context.Context, id Slug, body any, opts ...MutationOption) (T, error) {
	return r.mutate(ctx, opts, func(payload map[string]any) ([]byte, error) {
		return r.client.transport.Put(ctx, r.endpoint(r.options.AdditionalPaths.Update, id), payload)
	}, body)
}

// Delete removes the entity at id.
func (r *Resource[T]) Delete(ctx context.Context, id Slug, opts ...MutationOption) error {
	options := mutationOptions(opts)

	_, err := r.client.transport.Delete(ctx, r.endpoint(r.options.AdditionalPaths.Delete, id))
	if err != nil {
		r.fail(options, err)

		return err
	}

	r.succeed(ctx, options)

	return nil
}

func (r *Resource[T]) mutate(ctx context.Context, opts []MutationOption, send func(map[string]any) ([]byte, error), body any) (T, error) {
	var entity T

	options := mutationOptions(opts)

	payload, err := ToPlain(body)
	if err != nil {
		r.fail(options, err)

		return entity, err
	}

	data, err := send(payload)
	if err != nil {
		r.fail(options, err)

		return entity, err
	}

	entity, err = r.Map(data)
	if err != nil {
		r.fail(options, err)

		return entity, err
	}

	r.succeed(ctx, options)

	return entity, nil
}

func (r *Resource[T]) succeed(ctx context.Context, options MutationOptions) {
	keys := r.options.InvalidateKeys
	if len(keys) == 0 {
		keys = []string{r.options.EntityKey}
	}

	err := r.client.queries.InvalidateQueries(ctx, keys...)
	if err != nil {
		r.client.logger.Warn("Failed to invalidate queries", map[string]interface{}{
			"resource": r.options.EntityKey,
			"error":    err.Error(),
		})
	}

	if options.OnAfterSuccess != nil {
		options.OnAfterSuccess()
	}
}

func (r *Resource[T]) fail(options MutationOptions, err error) {
	if options.OnError != nil {
		options.OnError(err)
	}
}

func (r *Resource[T]) endpoint(extra string, slug Slug) string {
	path := r.options.BaseEndpoint + extra
	if slug != "" {
		path += "/" + url.PathEscape(string(slug))
	}

	return path
}

func (r *Resource[T]) mapArray(data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, nil
	}

	var items []json.RawMessage

	err := json.Unmarshal(trimmed, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s array: %w", r.options.EntityKey, err)
	}

	entities := make([]T, 0, len(items))
	for i, item := range items {
		entity, err := r.Map([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("failed to map item %d: %w", i, err)
		}

		entities = append(entities, entity)
	}

	return entities, nil
}

func mutationOptions(opts []MutationOption) MutationOptions {
	options := MutationOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return options
}

func queryValues(params any) (url.Values, error) {
	if isNil(params) {
		return nil, nil
	}

	plain, err := ToPlain(params)
	if err != nil {
		return nil, err
	}

	return ToValues(plain), nil
}
