package resource

import (
	"net/url"
	"strconv"
	"strings"
)

// Params are the pagination/filter/sort parameters a view can control.
// Zero values mean "not set" and defer to lower-precedence sources.
type Params struct {
	Page      int
	Limit     int
	Search    string
	Fields    []string
	SortBy    string
	SortOrder string
}

// merge overlays over on top of p: set fields in over win.
func (p Params) merge(over Params) Params {
	out := p
	if over.Page > 0 {
		out.Page = over.Page
	}
	if over.Limit > 0 {
		out.Limit = over.Limit
	}
	if over.Search != "" {
		out.Search = over.Search
	}
	if len(over.Fields) > 0 {
		out.Fields = over.Fields
	}
	if over.SortBy != "" {
		out.SortBy = over.SortBy
	}
	if over.SortOrder != "" {
		out.SortOrder = over.SortOrder
	}
	return out
}

// Values encodes the parameters as the upstream list endpoint expects them.
// Re-deriving this from the same inputs is pure and deterministic: it is the
// cache key's input.
func (p Params) Values() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Search != "" {
		v.Set("search", p.Search)
	}
	if len(p.Fields) > 0 {
		v.Set("fields", strings.Join(p.Fields, ","))
	}
	if p.SortBy != "" {
		v.Set("sort_by", p.SortBy)
	}
	if p.SortOrder != "" {
		v.Set("sort_order", p.SortOrder)
	}
	return v
}

// NavSource supplies navigation-derived parameters (route state). It has the
// highest precedence in the effective query.
type NavSource interface {
	NavParams() Params
}
