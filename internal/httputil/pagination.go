package httputil

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Pagination is a validated page request. Page is 1-based.
type Pagination struct {
	Page    int
	PerPage int
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// ParsePagination reads page and per_page from q. Missing values take the
// defaults; a page below 1 is clamped to 1.
func ParsePagination(q url.Values) (Pagination, error) {
	p := Pagination{Page: 1, PerPage: DefaultPerPage}

	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Pagination{}, fmt.Errorf("invalid page parameter: must be an integer")
		}
		p.Page = max(n, 1)
	}

	if s := q.Get("per_page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Pagination{}, fmt.Errorf("invalid per_page parameter: must be an integer")
		}
		if n < 1 || n > MaxPerPage {
			return Pagination{}, fmt.Errorf("per_page must be between 1 and %d", MaxPerPage)
		}
		p.PerPage = n
	}

	return p, nil
}
