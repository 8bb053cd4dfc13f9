// Package layout places feed items into columns and answers viewport
// membership questions.
package layout

// Balancer assigns each new item to the currently shortest column. Ties go
// to the lowest column index, so identical input gives identical layouts.
// Column heights only grow. A Balancer is not safe for concurrent use; it
// belongs to the feed's owner loop.
type Balancer struct {
	heights []int
}

func NewBalancer(columns int) *Balancer {
	if columns < 1 {
		columns = 1
	}
	return &Balancer{heights: make([]int, columns)}
}

// Place puts an item of the given height into the shortest column and
// returns that column and the item's top. The item's bottom is
// top+height.
func (b *Balancer) Place(height int) (column, top int) {
	if height < 0 {
		height = 0
	}
	column = b.Shortest()
	top = b.heights[column]
	b.heights[column] += height
	return column, top
}

// Shortest is the column Place would choose next.
func (b *Balancer) Shortest() int {
	shortest := 0
	for i := 1; i < len(b.heights); i++ {
		if b.heights[i] < b.heights[shortest] {
			shortest = i
		}
	}
	return shortest
}

func (b *Balancer) Columns() int {
	return len(b.heights)
}

// Heights returns a copy of the column heights.
func (b *Balancer) Heights() []int {
	out := make([]int, len(b.heights))
	copy(out, b.heights)
	return out
}

// ContentHeight is the height of the tallest column.
func (b *Balancer) ContentHeight() int {
	tallest := 0
	for _, h := range b.heights {
		if h > tallest {
			tallest = h
		}
	}
	return tallest
}

// ShortestHeight is the height of the shortest column, the point where the
// visible content first runs out.
func (b *Balancer) ShortestHeight() int {
	return b.heights[b.Shortest()]
}
