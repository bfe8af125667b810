// Package imaging decodes raw image bytes into resized thumbnails for the
// decode stage.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"io"

	"github.com/nfnt/resize"
	"github.com/phrazzld/pixpipe/internal/task"
)

// DefaultMaxPixels rejects sources above roughly 40 megapixels.
const DefaultMaxPixels = 40_000_000

// Thumbnail is the decoded result delivered with a Complete update.
type Thumbnail struct {
	Image        image.Image
	Format       string
	SourceWidth  int
	SourceHeight int
}

// Decoder turns raw bytes into a Thumbnail. Its Decode method satisfies
// task.DecodeFunc.
type Decoder struct {
	maxPixels int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxPixels bounds the source image area. Zero disables the check.
func WithMaxPixels(n int) Option {
	return func(d *Decoder) {
		d.maxPixels = n
	}
}

// NewDecoder returns a Decoder using Lanczos3 resampling.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses data and scales it to width x height. A zero dimension keeps
// the aspect ratio; both zero keeps the source size. Malformed input is a
// permanent failure and is not retried.
func (d *Decoder) Decode(ctx context.Context, data []byte, width, height int) (any, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", task.ErrPermanentDecode, err)
	}
	if d.maxPixels > 0 && cfg.Width*cfg.Height > d.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels",
			task.ErrPermanentDecode, cfg.Width, cfg.Height, d.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", task.ErrPermanentDecode, format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if width > 0 || height > 0 {
		img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}

	return &Thumbnail{
		Image:        img,
		Format:       format,
		SourceWidth:  cfg.Width,
		SourceHeight: cfg.Height,
	}, nil
}

// EncodeJPEG writes t as a JPEG. Quality outside 1..100 uses the encoder default.
func EncodeJPEG(w io.Writer, t *Thumbnail, quality int) error {
	var opts *jpeg.Options
	if quality >= 1 && quality <= 100 {
		opts = &jpeg.Options{Quality: quality}
	}
	if err := jpeg.Encode(w, t.Image, opts); err != nil {
		return fmt.Errorf("failed to jpeg encode thumbnail: %w", err)
	}
	return nil
}
