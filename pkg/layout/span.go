package layout

// Span is a vertical extent [Top, Bottom) in content coordinates.
type Span struct {
	Top    int
	Bottom int
}

func (s Span) Height() int {
	return s.Bottom - s.Top
}

// Viewport is the visible window of the scrollable content.
type Viewport struct {
	Top    int `json:"top"`
	Height int `json:"height"`
}

func (v Viewport) Bottom() int {
	return v.Top + v.Height
}

// Visible reports whether any part of s lies inside v.
func (s Span) Visible(v Viewport) bool {
	return s.Bottom > v.Top && s.Top < v.Top+v.Height
}
