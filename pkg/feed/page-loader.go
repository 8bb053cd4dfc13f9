package feed

import (
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/hash"
)

// PageLoader walks the source list one fixed-size page at a time.
type PageLoader struct {
	urls     []string
	cursor   int
	pageSize int
	request  func(item *Item)
}

// NewPageLoader pages through urls. request is called once for every item
// of a loaded page.
func NewPageLoader(urls []string, pageSize int, request func(item *Item)) *PageLoader {
	if pageSize < 1 {
		pageSize = models.DefaultPageSize
	}
	return &PageLoader{
		urls:     urls,
		pageSize: pageSize,
		request:  request,
	}
}

// MaybeLoadNextPage loads the next page when nothing is outstanding, the
// viewport has reached the end of the content and URLs remain. It returns
// the new items, which have no span until their image decodes.
func (p *PageLoader) MaybeLoadNextPage(viewportBottom, contentHeight, outstanding int) []*Item {
	if outstanding != 0 || viewportBottom < contentHeight || p.Exhausted() {
		return nil
	}

	end := p.cursor + p.pageSize
	if end > len(p.urls) {
		end = len(p.urls)
	}

	items := make([]*Item, 0, end-p.cursor)
	for i := p.cursor; i < end; i++ {
		items = append(items, &Item{
			Index:       i,
			URL:         p.urls[i],
			Fingerprint: hash.Fingerprint(p.urls[i]),
		})
	}
	p.cursor = end

	if p.request != nil {
		for _, item := range items {
			p.request(item)
		}
	}
	return items
}

func (p *PageLoader) Exhausted() bool {
	return p.cursor >= len(p.urls)
}

// Cursor is the number of URLs handed out so far.
func (p *PageLoader) Cursor() int {
	return p.cursor
}

func (p *PageLoader) Total() int {
	return len(p.urls)
}
