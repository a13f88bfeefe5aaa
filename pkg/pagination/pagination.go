package pagination

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params is a limit/offset window over an ordered listing.
type Params struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset from the query string. Missing values take
// defaults; malformed or negative values are a 400. Oversized limits are
// capped rather than rejected.
func Parse(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		p.Limit = min(n, MaxLimit)
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

// Window returns the slice bounds of this page within n sorted items.
func (p Params) Window(n int) (lo, hi int) {
	lo = min(p.Offset, n)
	hi = n
	if p.Limit > 0 {
		hi = min(lo+p.Limit, n)
	}
	return lo, hi
}

// HasNext reports whether rows remain after this page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Page is the envelope returned by list endpoints.
type Page[T any] struct {
	Items   []T    `json:"items"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Next    string `json:"next,omitempty"`
}

// NewPage wraps items and, when more rows remain, links the next page by
// rewriting offset on the request URL so filters carry over.
func NewPage[T any](items []T, total int, p Params, reqURL *url.URL) *Page[T] {
	if items == nil {
		items = []T{}
	}
	page := &Page[T]{
		Items:   items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
	if page.HasMore && reqURL != nil {
		q := reqURL.Query()
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(p.Offset+p.Limit))
		next := url.URL{Path: reqURL.Path, RawQuery: q.Encode()}
		page.Next = next.String()
	}
	return page
}
