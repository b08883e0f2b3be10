package dto

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// PageRequest is a validated page of a ledger or collection listing.
type PageRequest struct {
	Page     int
	PageSize int
}

// ParsePageRequest reads page and page_size. Malformed values are rejected rather than
// defaulted so a client paging through the ledger never silently restarts at page one.
// Oversized pages are clamped.
func ParsePageRequest(c *gin.Context) (PageRequest, error) {
	p := PageRequest{Page: 1, PageSize: DefaultPageSize}
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page must be a positive integer, got %q", raw)
		}
		p.Page = n
	}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page_size must be a positive integer, got %q", raw)
		}
		p.PageSize = min(n, MaxPageSize)
	}
	return p, nil
}

func (p PageRequest) Limit() int  { return p.PageSize }
func (p PageRequest) Offset() int { return (p.Page - 1) * p.PageSize }

// Describe builds the response block for a listing with total matching rows.
func (p PageRequest) Describe(total int) Pagination {
	out := Pagination{
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalItems: total,
		TotalPages: (total + p.PageSize - 1) / p.PageSize,
	}
	if p.Page < out.TotalPages {
		next := p.Page + 1
		out.NextPage = &next
	}
	return out
}
