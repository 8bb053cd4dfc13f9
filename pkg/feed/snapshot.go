package feed

import "waterfeed/pkg/layout"

type ItemView struct {
	Index       int    `json:"index"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
	Placed      bool   `json:"placed"`
	Column      int    `json:"column"`
	Top         int    `json:"top"`
	Bottom      int    `json:"bottom"`
	State       string `json:"state"`
	Failed      bool   `json:"failed,omitempty"`
}

// Snapshot is a copy of the feed state, safe to use off the looper.
type Snapshot struct {
	Viewport    layout.Viewport `json:"viewport"`
	Columns     []int           `json:"columns"`
	Items       []ItemView      `json:"items"`
	Outstanding int             `json:"outstanding"`
	Loaded      int             `json:"loaded"`
	Total       int             `json:"total"`
}

// Snapshot copies the current state. It blocks until the looper runs it.
func (f *Feed) Snapshot() Snapshot {
	var s Snapshot
	f.looper.Call(func() {
		s = f.snapshot()
	})
	return s
}

func (f *Feed) snapshot() Snapshot {
	s := Snapshot{
		Viewport:    f.viewport,
		Columns:     f.balancer.Heights(),
		Items:       make([]ItemView, 0, len(f.items)),
		Outstanding: f.outstanding,
		Loaded:      f.loader.Cursor(),
		Total:       f.loader.Total(),
	}
	for _, item := range f.items {
		s.Items = append(s.Items, ItemView{
			Index:       item.Index,
			URL:         item.URL,
			Fingerprint: item.Fingerprint,
			Placed:      item.Placed,
			Column:      item.Column,
			Top:         item.Span.Top,
			Bottom:      item.Span.Bottom,
			State:       item.State.String(),
			Failed:      item.failed,
		})
	}
	return s
}
