package feed

import (
	"waterfeed/pkg/imaging"
	"waterfeed/pkg/layout"
)

type State int

const (
	Placeholder State = iota
	Materialized
)

func (s State) String() string {
	if s == Materialized {
		return "materialized"
	}
	return "placeholder"
}

// Item is one URL of the feed. Its span is fixed once placed; after that
// only State changes.
type Item struct {
	Index       int
	URL         string
	Fingerprint string
	Column      int
	Span        layout.Span
	Placed      bool
	State       State

	pending bool
	failed  bool
	bitmap  *imaging.Bitmap
}

// Failed reports whether the last load of the item failed.
func (i *Item) Failed() bool {
	return i.failed
}

// Surface draws the feed. Materialize hands it a bitmap to show at the
// item's column and top; Placeholder tells it to drop that reference.
type Surface interface {
	Materialize(item Item, bitmap *imaging.Bitmap)
	Placeholder(item Item)
}

// NopSurface draws nothing.
type NopSurface struct{}

func (NopSurface) Materialize(Item, *imaging.Bitmap) {}
func (NopSurface) Placeholder(Item)                  {}
