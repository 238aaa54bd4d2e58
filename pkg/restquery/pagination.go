package restquery

import (
	"context"
	"fmt"
)

type pageEnvelope struct {
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
	Total int   `json:"total"`
	Items []any `json:"items"`
}

// UnwrapPage maps a raw list response into a typed page. Every item goes
// through CreateEntityInstance with opts. A missing items array yields an
// empty page.
func UnwrapPage[T any](raw any, opts ...EntityOption) (*PaginationResponse[T], error) {
	switch v := raw.(type) {
	case *PaginationResponse[T]:
		if v == nil {
			return &PaginationResponse[T]{Items: []T{}}, nil
		}

		if v.Items == nil {
			v.Items = []T{}
		}

		return v, nil
	case PaginationResponse[T]:
		if v.Items == nil {
			v.Items = []T{}
		}

		return &v, nil
	}

	plain, err := plainInput(raw)
	if err != nil {
		return nil, err
	}

	var envelope pageEnvelope

	err = decodeExposed(plain, &envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}

	page := &PaginationResponse[T]{
		Page:  envelope.Page,
		Size:  envelope.Size,
		Pages: envelope.Pages,
		Total: envelope.Total,
		Items: make([]T, 0, len(envelope.Items)),
	}

	for i, item := range envelope.Items {
		entity, err := CreateEntityInstance[T](item, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to map item %d: %w", i, err)
		}

		page.Items = append(page.Items, entity)
	}

	return page, nil
}

// NextPageParam derives the request for the page after last. It returns nil
// when there is no next page or when lastParam never asked for a page.
func NextPageParam[T any](last *PaginationResponse[T], lastParam *PaginationRequest) *PaginationRequest {
	if last == nil {
		return nil
	}

	current := lastParam.PageNumber()
	if current == 0 || last.Pages == 0 || current >= last.Pages {
		return nil
	}

	return lastParam.Clone().WithPage(current + 1)
}

// PageFetcher loads one page for a request.
type PageFetcher[T any] func(ctx context.Context, request *PaginationRequest) (*PaginationResponse[T], error)

// PageIterator walks a paginated endpoint one page at a time, keeping
// every page it has loaded together with the request that loaded it.
type PageIterator[T any] struct {
	fetch  PageFetcher[T]
	next   *PaginationRequest
	pages  []*PaginationResponse[T]
	params []*PaginationRequest
}

// NewPageIterator creates an iterator starting at initial.
func NewPageIterator[T any](initial *PaginationRequest, fetch PageFetcher[T]) *PageIterator[T] {
	if initial == nil {
		initial = NewPaginationRequest()
	}

	return &PageIterator[T]{
		fetch: fetch,
		next:  initial,
	}
}

// HasNext reports whether Next would load another page.
func (it *PageIterator[T]) HasNext() bool {
	return it.next != nil
}

// Next loads the next page. A failed fetch leaves the iterator where it
// was, so Next can be called again.
func (it *PageIterator[T]) Next(ctx context.Context) (*PaginationResponse[T], error) {
	if it.next == nil {
		return nil, ErrNoMorePages
	}

	request := it.next

	page, err := it.fetch(ctx, request)
	if err != nil {
		return nil, err
	}

	it.pages = append(it.pages, page)
	it.params = append(it.params, request)
	it.next = NextPageParam(page, request)

	return page, nil
}

// Pages returns every page loaded so far, in order.
func (it *PageIterator[T]) Pages() []*PaginationResponse[T] {
	return it.pages
}

// PageParams returns the requests that loaded each page.
func (it *PageIterator[T]) PageParams() []*PaginationRequest {
	return it.params
}

// All drains the iterator and returns the items of every page.
func (it *PageIterator[T]) All(ctx context.Context) ([]T, error) {
	for it.HasNext() {
		_, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
	}

	items := []T{}
	for _, page := range it.pages {
		items = append(items, page.Items...)
	}

	return items, nil
}
