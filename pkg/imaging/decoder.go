package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Decoder turns encoded bytes into a Bitmap no wider than needed for
// targetWidth.
type Decoder interface {
	Decode(r io.Reader, targetWidth int) (*Bitmap, error)
}

// DefaultMaxPixels bounds the full-resolution raster a single decode may
// allocate.
const DefaultMaxPixels = 24_000_000

// ErrTooManyPixels marks a source whose header declares more pixels than the
// decoder accepts.
var ErrTooManyPixels = errors.New("source exceeds pixel limit")

// StdDecoder decodes GIF, JPEG and PNG and sub-samples large sources.
type StdDecoder struct {
	interp    resize.InterpolationFunction
	maxPixels int64
}

type DecoderOption func(*StdDecoder)

// WithMaxPixels caps width*height of accepted sources. Non-positive values
// keep the default.
func WithMaxPixels(n int64) DecoderOption {
	return func(d *StdDecoder) {
		if n > 0 {
			d.maxPixels = n
		}
	}
}

func NewDecoder(opts ...DecoderOption) *StdDecoder {
	d := &StdDecoder{interp: resize.Bilinear, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SampleSize is the integer down-sampling factor for a source of the given
// width displayed at targetWidth. It is never below 1.
func SampleSize(naturalWidth, targetWidth int) int {
	if targetWidth <= 0 || naturalWidth <= targetWidth {
		return 1
	}
	n := int(math.Round(float64(naturalWidth) / float64(targetWidth)))
	if n < 1 {
		return 1
	}
	return n
}

func (d *StdDecoder) Decode(r io.Reader, targetWidth int) (*Bitmap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		// a failing source is not a bad image; keep the caller's error kind
		return nil, fmt.Errorf("read encoded image: %w", err)
	}
	if len(data) == 0 {
		return nil, &DecodeError{Err: io.ErrUnexpectedEOF}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.maxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	sample := SampleSize(cfg.Width, targetWidth)
	if sample > 1 {
		img = resize.Resize(uint(cfg.Width/sample), 0, img, d.interp)
	}

	bounds := img.Bounds()
	return &Bitmap{
		Image:         img,
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		NaturalWidth:  cfg.Width,
		NaturalHeight: cfg.Height,
		SampleSize:    sample,
	}, nil
}
