// Package imaging decodes encoded image bytes into display-sized bitmaps.
package imaging

import (
	"errors"
	"fmt"
	"image"
)

// BytesPerPixel is the weight of one decoded pixel (RGBA).
const BytesPerPixel = 4

// Bitmap is a decoded image together with the dimensions of its source.
type Bitmap struct {
	Image         image.Image
	Width         int
	Height        int
	NaturalWidth  int
	NaturalHeight int
	SampleSize    int
}

// ByteSize is the decoded memory weight of the bitmap.
func (b *Bitmap) ByteSize() uint64 {
	if b == nil {
		return 0
	}
	return uint64(b.Width) * uint64(b.Height) * BytesPerPixel
}

// DisplayHeight scales the bitmap to columnWidth and returns the resulting
// height, keeping the aspect ratio.
func (b *Bitmap) DisplayHeight(columnWidth int) int {
	if b == nil || b.Width <= 0 {
		return 0
	}
	ratio := float64(b.Width) / float64(columnWidth)
	return int(float64(b.Height) / ratio)
}

// DecodeError reports corrupt, truncated or unsupported image bytes.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
