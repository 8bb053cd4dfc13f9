package feed

import "waterfeed/pkg/layout"

// ReconcileStats summarises one reconcile pass.
type ReconcileStats struct {
	Visible   int
	Requested int
	Released  int
}

// VisibilityTracker loads items that are on screen and releases the
// display reference of items that are not. Both cache tiers keep their
// entries; a released item that comes back is a memory hit.
type VisibilityTracker struct {
	load    func(item *Item)
	surface Surface
}

func NewVisibilityTracker(load func(item *Item), surface Surface) *VisibilityTracker {
	if surface == nil {
		surface = NopSurface{}
	}
	return &VisibilityTracker{load: load, surface: surface}
}

// Reconcile applies the viewport to items. Items without a span are only
// retried when their last load failed.
func (t *VisibilityTracker) Reconcile(viewport layout.Viewport, items []*Item) ReconcileStats {
	var stats ReconcileStats
	for _, item := range items {
		if !item.Placed {
			if item.failed && !item.pending {
				t.load(item)
				stats.Requested++
			}
			continue
		}

		if item.Span.Visible(viewport) {
			stats.Visible++
			if item.State != Materialized && !item.pending {
				t.load(item)
				stats.Requested++
			}
			continue
		}

		if item.State == Materialized {
			item.State = Placeholder
			item.bitmap = nil
			t.surface.Placeholder(*item)
			stats.Released++
		}
	}
	return stats
}
