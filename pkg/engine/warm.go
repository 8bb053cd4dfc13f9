package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WarmReport summarises a Warm run. Failed maps URL to error text.
type WarmReport struct {
	Total    int
	Resolved int
	Failed   map[string]string
}

// Warm resolves every source URL through the coordinator so later scrolls
// hit the caches. Individual failures are collected, not returned; the
// error is non-nil only when ctx ends first.
func (engine *WaterfeedEngine) Warm(ctx context.Context) (*WarmReport, error) {
	report := &WarmReport{Total: len(engine.urls), Failed: make(map[string]string)}
	width := engine.config.Layout.ColumnWidth

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(engine.config.Network.Workers)

	for _, url := range engine.urls {
		url := url
		g.Go(func() error {
			_, err := engine.coordinator.Fetch(gctx, url, width)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[url] = err.Error()
			} else {
				report.Resolved++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	engine.logger.Info(fmt.Sprintf("Warmed %d/%d source URLs", report.Resolved, report.Total))
	for _, url := range report.FailedURLs() {
		engine.logger.Warn(fmt.Sprintf("Warm failed for %s: %s", url, report.Failed[url]))
	}
	return report, nil
}

// FailedURLs returns the failed URLs in sorted order.
func (r *WarmReport) FailedURLs() []string {
	urls := make([]string, 0, len(r.Failed))
	for url := range r.Failed {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}
