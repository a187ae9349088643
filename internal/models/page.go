package models

import "strings"

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// sortable card columns; anything else falls back to id
var cardSortColumns = map[string]string{
	"id":          "id",
	"created_at":  "created_at",
	"balance":     "balance",
	"expiry_date": "expiry_date",
	"status":      "status",
}

// PageRequest describes a zero-based page of a listing
type PageRequest struct {
	Page    int    `json:"page"`
	Size    int    `json:"size"`
	SortBy  string `json:"sort_by"`
	SortDir string `json:"sort_dir"`
}

// Normalize clamps the request into a usable range
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if _, ok := cardSortColumns[p.SortBy]; !ok {
		p.SortBy = "id"
	}
	if strings.EqualFold(p.SortDir, "desc") {
		p.SortDir = "DESC"
	} else {
		p.SortDir = "ASC"
	}
	return p
}

// Offset returns the number of rows skipped before this page
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// OrderBy returns a whitelisted ORDER BY clause body
func (p PageRequest) OrderBy() string {
	p = p.Normalize()
	clause := cardSortColumns[p.SortBy] + " " + p.SortDir
	if p.SortBy != "id" {
		clause += ", id ASC"
	}
	return clause
}

// Page is one page of a listing
type Page[T any] struct {
	Items []T   `json:"items"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Total int64 `json:"total"`
}

// MapPage converts the items of a page, keeping its paging metadata
func MapPage[T, U any](p Page[T], fn func(T) (U, error)) (Page[U], error) {
	out := Page[U]{Items: make([]U, 0, len(p.Items)), Page: p.Page, Size: p.Size, Total: p.Total}
	for _, item := range p.Items {
		u, err := fn(item)
		if err != nil {
			return Page[U]{}, err
		}
		out.Items = append(out.Items, u)
	}
	return out, nil
}
