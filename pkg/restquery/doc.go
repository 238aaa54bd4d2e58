// Package restquery binds typed Go entities to a REST API.
//
// A Resource declares one collection: its entity key, base endpoint and
// optional per operation sub-paths. Reads (Get, GetArray, List and the
// InfiniteList iterator) go through a QueryClient that caches results by
// query key, deduplicates concurrent fetches and retries failures once,
// except for 400 and 401 responses. Mutations (Create, Update, Delete)
// invalidate every cached query of the resource, or of the configured
// InvalidateKeys, once they succeed.
//
// Responses are mapped with CreateEntityInstance. By default only fields
// the entity declares with a json tag are copied, so extraneous fields in
// a payload are dropped:
//
//	type User struct {
//		ID   int    `json:"id"`
//		Name string `json:"name"`
//	}
//
//	users, err := restquery.NewResource[User](client, restquery.ResourceOptions{
//		EntityKey:    "users",
//		BaseEndpoint: "/users",
//	})
//	page, err := users.List(ctx, restquery.NewPaginationRequest().WithPage(1))
//
// Failed calls return a *ResponseError that keeps the server payload
// verbatim. Query results can be cached in memory, in a SQLite file or in a
// NATS JetStream key-value bucket, see CacheConfig.
package restquery
