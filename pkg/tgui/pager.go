package tgui

import "fmt"

// Page is one window over a list. Page numbers are 0-based.
type Page[T any] struct {
	Items   []T
	Page    int
	Pages   int
	From    int // index of Items[0] in the full list
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate returns the requested page of items. A page past the end is
// clamped to the last page; size <= 0 means 10.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	start := page * size
	end := start + size
	if end > total {
		end = total
	}
	return Page[T]{
		Items:   items[start:end],
		Page:    page,
		Pages:   pages,
		From:    start,
		Total:   total,
		HasPrev: page > 0,
		HasNext: end < total,
	}
}

// Label renders "page 2/5 • 11–20 of 47".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "page 1/1"
	}
	return fmt.Sprintf("page %d/%d • %d–%d of %d", p.Page+1, p.Pages, p.From+1, p.From+len(p.Items), p.Total)
}
