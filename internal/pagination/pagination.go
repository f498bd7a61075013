// Package pagination reads page, limit and sort parameters from a query
// string and windows already-ordered result slices with them. Conversations
// are folded in memory on every request, so paging happens after the fold.
package pagination

import (
	"math"
	"net/url"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int32  // Current page number (1-based)
	Limit  int32  // Number of items per page
	Offset int32  // Offset of the first item of the page
	Sort   string // "newest", "oldest", "asc" or "desc"
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 100
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 20
	// DefaultSort is the default sort order when not specified
	DefaultSort = "newest"
)

// calculateOffset saturates at math.MaxInt32 so very large pages read past
// the end instead of wrapping around.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	offset := (int64(page) - 1) * int64(limit)
	if offset > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(offset)
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest", "asc", "desc":
		return true
	default:
		return false
	}
}

// PaginationOption configures defaults before query values are applied.
type PaginationOption func(*Params)

// WithDefaultLimit sets the default limit. Non-positive limits are ignored.
func WithDefaultLimit(limit int32) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort sets the default sort order. Invalid orders are ignored.
func WithDefaultSort(sort string) PaginationOption {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// GetPaginationParams extracts pagination parameters from URL query values.
// It applies any provided options and validates the parameters, enforcing
// maximum limits and calculating the appropriate offset.
func GetPaginationParams(q url.Values, opts ...PaginationOption) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}

	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if sortStr := q.Get("sort"); sortStr != "" && isValidSort(sortStr) {
		params.Sort = sortStr
	}

	return params
}

// Ascending reports whether the sort asks for oldest items first.
func (p *Params) Ascending() bool {
	return p.Sort == "oldest" || p.Sort == "asc"
}

// GetHasNext determines if there are more items available after the current page.
func GetHasNext(offset, limit, count int32) bool {
	return int64(offset)+int64(limit) < int64(count)
}

// Window returns the page of items selected by p and whether more follow.
func Window[T any](items []T, p *Params) ([]T, bool) {
	total := int64(len(items))
	offset := int64(p.Offset)
	if offset < 0 || offset >= total || p.Limit <= 0 {
		return []T{}, false
	}
	end := min(offset+int64(p.Limit), total)
	return items[offset:end], GetHasNext(p.Offset, p.Limit, int32(total))
}
