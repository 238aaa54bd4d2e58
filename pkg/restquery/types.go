package restquery

import (
	"fmt"
	"maps"
	"strconv"
)

// Slug identifies a single resource in a URL path.
type Slug string

// SlugOf renders strings, integers and fmt.Stringer values as a Slug.
func SlugOf(value any) Slug {
	switch v := value.(type) {
	case nil:
		return ""
	case Slug:
		return v
	case string:
		return Slug(v)
	case int:
		return Slug(strconv.Itoa(v))
	case int32:
		return Slug(strconv.FormatInt(int64(v), 10))
	case int64:
		return Slug(strconv.FormatInt(v, 10))
	case uint:
		return Slug(strconv.FormatUint(uint64(v), 10))
	case uint64:
		return Slug(strconv.FormatUint(v, 10))
	case fmt.Stringer:
		return Slug(v.String())
	default:
		return Slug(fmt.Sprint(v))
	}
}

// String implements fmt.Stringer.
func (s Slug) String() string {
	return string(s)
}

// GetParams addresses a single entity and carries its query parameters.
type GetParams struct {
	Slug   Slug `json:"slug,omitempty"   yaml:"slug,omitempty"`
	Params any  `json:"params,omitempty" yaml:"params,omitempty"`
}

// PaginationRequest is the base list request. Filters are sent as
// additional top-level query parameters.
type PaginationRequest struct {
	Page    *int           `json:"page,omitempty"    yaml:"page,omitempty"`
	Size    *int           `json:"size,omitempty"    yaml:"size,omitempty"`
	Query   *string        `json:"query,omitempty"   yaml:"query,omitempty"`
	Filters map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// NewPaginationRequest creates an empty request.
func NewPaginationRequest() *PaginationRequest {
	return &PaginationRequest{}
}

// WithPage sets the page number.
func (r *PaginationRequest) WithPage(page int) *PaginationRequest {
	r.Page = &page

	return r
}

// WithSize sets the page size.
func (r *PaginationRequest) WithSize(size int) *PaginationRequest {
	r.Size = &size

	return r
}

// WithQuery sets the free text search.
func (r *PaginationRequest) WithQuery(query string) *PaginationRequest {
	r.Query = &query

	return r
}

// WithFilter adds a filter parameter.
func (r *PaginationRequest) WithFilter(key string, value any) *PaginationRequest {
	if r.Filters == nil {
		r.Filters = make(map[string]any)
	}

	r.Filters[key] = value

	return r
}

// PageNumber returns the requested page, or 0 when unset.
func (r *PaginationRequest) PageNumber() int {
	if r == nil || r.Page == nil {
		return 0
	}

	return *r.Page
}

// Clone returns a deep copy of the request.
func (r *PaginationRequest) Clone() *PaginationRequest {
	if r == nil {
		return &PaginationRequest{}
	}

	clone := &PaginationRequest{}

	if r.Page != nil {
		page := *r.Page
		clone.Page = &page
	}

	if r.Size != nil {
		size := *r.Size
		clone.Size = &size
	}

	if r.Query != nil {
		query := *r.Query
		clone.Query = &query
	}

	if r.Filters != nil {
		clone.Filters = maps.Clone(r.Filters)
	}

	return clone
}

// ToPlain flattens the request into query parameters.
func (r *PaginationRequest) ToPlain() map[string]any {
	if r == nil {
		return map[string]any{}
	}

	plain := make(map[string]any, len(r.Filters)+3)
	maps.Copy(plain, r.Filters)

	if r.Page != nil {
		plain["page"] = *r.Page
	}

	if r.Size != nil {
		plain["size"] = *r.Size
	}

	if r.Query != nil {
		plain["query"] = *r.Query
	}

	return plain
}

// PaginationResponse is one page of a list endpoint.
type PaginationResponse[T any] struct {
	Page  int `json:"page"  yaml:"page"`
	Size  int `json:"size"  yaml:"size"`
	Pages int `json:"pages" yaml:"pages"`
	Total int `json:"total" yaml:"total"`
	Items []T `json:"items" yaml:"items"`
}

// HasNextPage reports whether another page exists after this one.
func (p *PaginationResponse[T]) HasNextPage() bool {
	return p != nil && p.Page > 0 && p.Page < p.Pages
}
