package pagination

import (
	"fmt"
	"strconv"
)

// PaginationParams represents pagination query parameters
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// Constants
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// ParsePaginationParams parses page/limit query parameters. Out-of-range
// values are clamped rather than rejected; the archive orders results itself,
// so there is no sort parameter.
func ParsePaginationParams(pageStr, limitStr string) (*PaginationParams, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p < 1 {
			page = DefaultPage
		} else {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if l < MinLimit {
			limit = MinLimit
		} else if l > MaxLimit {
			limit = MaxLimit
		} else {
			limit = l
		}
	}

	return &PaginationParams{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}, nil
}
