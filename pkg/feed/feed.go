// Package feed holds the owner state of a multi-column image feed: the
// items, their placement and which of them are on screen.
package feed

import (
	"fmt"
	"time"
	"waterfeed/pkg/fetch"
	"waterfeed/pkg/layout"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/logger"
)

// Requester resolves an image URL. Results must arrive on the feed's
// Looper; a fetch.Coordinator built with fetch.WithPoster(looper) does.
type Requester interface {
	Request(url string, targetWidth int, onResult fetch.Callback)
}

type Options struct {
	PageSize       int
	ColumnCount    int
	ColumnWidth    int
	SettleInterval time.Duration
}

// OptionsFromConfig maps the layout config section onto Options.
func OptionsFromConfig(config *models.LayoutConfig) Options {
	return Options{
		PageSize:       config.PageSize,
		ColumnCount:    config.ColumnCount,
		ColumnWidth:    config.ColumnWidth,
		SettleInterval: config.SettleInterval,
	}
}

// Feed wires the page loader, the balancer and the visibility tracker
// together. Every unexported method runs on the Looper.
type Feed struct {
	looper    *Looper
	requester Requester
	surface   Surface
	logger    *logger.Logger

	columnWidth int
	balancer    *layout.Balancer
	loader      *PageLoader
	tracker     *VisibilityTracker
	watcher     *ScrollWatcher

	items         []*Item
	byFingerprint map[string]*Item
	viewport      layout.Viewport
	outstanding   int
}

// New builds a feed over urls. Duplicate URLs are kept once.
func New(urls []string, requester Requester, surface Surface, looper *Looper, opts Options, log *logger.Logger) *Feed {
	if surface == nil {
		surface = NopSurface{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.ColumnWidth < 1 {
		opts.ColumnWidth = models.DefaultColumnWidth
	}
	if opts.ColumnCount < 1 {
		opts.ColumnCount = models.DefaultColumnCount
	}

	f := &Feed{
		looper:        looper,
		requester:     requester,
		surface:       surface,
		logger:        log,
		columnWidth:   opts.ColumnWidth,
		balancer:      layout.NewBalancer(opts.ColumnCount),
		byFingerprint: make(map[string]*Item),
	}
	f.loader = NewPageLoader(dedupe(urls), opts.PageSize, f.request)
	f.tracker = NewVisibilityTracker(f.request, surface)
	f.watcher = NewScrollWatcher(opts.SettleInterval, func(v layout.Viewport) {
		looper.Post(func() { f.settle(v) })
	})
	return f
}

// Start loads the first page for a viewport of the given height at the top
// of the content.
func (f *Feed) Start(viewportHeight int) {
	f.looper.Post(func() {
		f.settle(layout.Viewport{Top: 0, Height: viewportHeight})
	})
}

// Scroll reports a scroll sample. Work happens once scrolling settles.
func (f *Feed) Scroll(offset, viewportHeight int) {
	f.watcher.Sample(layout.Viewport{Top: offset, Height: viewportHeight})
}

// Select returns the URL behind a tapped item.
func (f *Feed) Select(fingerprint string) (string, bool) {
	var (
		url string
		ok  bool
	)
	f.looper.Call(func() {
		if item, found := f.byFingerprint[fingerprint]; found {
			url, ok = item.URL, true
		}
	})
	return url, ok
}

// Close stops watching for scroll samples. The looper is closed by its
// owner.
func (f *Feed) Close() {
	f.watcher.Stop()
}

func (f *Feed) settle(v layout.Viewport) {
	f.viewport = v
	stats := f.tracker.Reconcile(v, f.items)
	f.logger.Debug(fmt.Sprintf("Reconciled viewport %d+%d: %d visible, %d requested, %d released",
		v.Top, v.Height, stats.Visible, stats.Requested, stats.Released))
	f.maybeLoad()
}

func (f *Feed) maybeLoad() {
	items := f.loader.MaybeLoadNextPage(f.viewport.Bottom(), f.balancer.ContentHeight(), f.outstanding)
	if len(items) == 0 {
		return
	}
	f.logger.Info(fmt.Sprintf("Loading page of %d items (%d/%d)", len(items), f.loader.Cursor(), f.loader.Total()))
	for _, item := range items {
		f.items = append(f.items, item)
		f.byFingerprint[item.Fingerprint] = item
	}
}

func (f *Feed) request(item *Item) {
	if item.pending {
		return
	}
	item.pending = true
	f.outstanding++
	f.requester.Request(item.URL, f.columnWidth, func(r fetch.Result) {
		f.onResult(item, r)
	})
}

func (f *Feed) onResult(item *Item, r fetch.Result) {
	item.pending = false
	f.outstanding--

	if r.Err != nil {
		item.failed = true
		f.logger.Warn(fmt.Sprintf("Item %d (%s) stays a placeholder: %v", item.Index, item.URL, r.Err))
	} else {
		item.failed = false
		if !item.Placed {
			height := r.Bitmap.DisplayHeight(f.columnWidth)
			column, top := f.balancer.Place(height)
			item.Column = column
			item.Span = layout.Span{Top: top, Bottom: top + height}
			item.Placed = true
		}

		// still fetched and cached when off screen, just not shown
		if item.Span.Visible(f.viewport) {
			item.State = Materialized
			item.bitmap = r.Bitmap
			f.surface.Materialize(*item, r.Bitmap)
		}
	}

	if f.outstanding == 0 {
		f.maybeLoad()
	}
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
