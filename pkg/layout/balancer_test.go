package layout

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancer_TieBreaksToLowestIndex(t *testing.T) {
	b := NewBalancer(3)

	col, top := b.Place(100)
	assert.Equal(t, 0, col)
	assert.Equal(t, 0, top)

	col, _ = b.Place(50)
	assert.Equal(t, 1, col)
	col, _ = b.Place(100)
	assert.Equal(t, 2, col)

	// column 1 is shortest at 50
	col, top = b.Place(70)
	assert.Equal(t, 1, col)
	assert.Equal(t, 50, top)

	// all three now at 100, 120, 100: column 0 wins the tie with 2
	col, top = b.Place(10)
	assert.Equal(t, 0, col)
	assert.Equal(t, 100, top)

	assert.Equal(t, []int{110, 120, 100}, b.Heights())
	assert.Equal(t, 120, b.ContentHeight())
	assert.Equal(t, 100, b.ShortestHeight())
}

func TestBalancer_AlwaysChoosesMinimum(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, columns := range []int{1, 2, 3, 5} {
		b := NewBalancer(columns)
		for i := 0; i < 500; i++ {
			before := b.Heights()
			h := r.Intn(400)

			col, top := b.Place(h)

			lowest := before[0]
			for _, x := range before {
				if x < lowest {
					lowest = x
				}
			}
			require.Equal(t, lowest, before[col], "column %d was not minimal", col)
			for j := 0; j < col; j++ {
				require.Greater(t, before[j], lowest, "lower index %d also minimal", j)
			}
			require.Equal(t, before[col], top)

			after := b.Heights()
			for j := range after {
				require.GreaterOrEqual(t, after[j], before[j], "height decreased")
			}
		}
	}
}

func TestBalancer_Deterministic(t *testing.T) {
	heights := []int{120, 80, 300, 45, 45, 200, 10, 90}
	a, b := NewBalancer(3), NewBalancer(3)
	for _, h := range heights {
		ca, ta := a.Place(h)
		cb, tb := b.Place(h)
		assert.Equal(t, ca, cb)
		assert.Equal(t, ta, tb)
	}
}

func TestSpan_Visible(t *testing.T) {
	v := Viewport{Top: 100, Height: 200}
	cases := []struct {
		span Span
		want bool
	}{
		{Span{0, 100}, false},   // ends exactly at the top edge
		{Span{0, 101}, true},    // one pixel inside
		{Span{150, 250}, true},  // fully inside
		{Span{299, 400}, true},  // starts on the last visible row
		{Span{300, 400}, false}, // starts at the bottom edge
		{Span{0, 1000}, true},   // covers the viewport
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.span.Visible(v), "%+v", c.span)
	}
	assert.Equal(t, 300, v.Bottom())
}
