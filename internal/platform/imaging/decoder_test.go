package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/phrazzld/pixpipe/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode_Resizes(t *testing.T) {
	testCases := []struct {
		name          string
		width, height int
		wantW, wantH  int
	}{
		{name: "both dimensions", width: 20, height: 10, wantW: 20, wantH: 10},
		{name: "width keeps aspect", width: 50, height: 0, wantW: 50, wantH: 25},
		{name: "height keeps aspect", width: 0, height: 25, wantW: 50, wantH: 25},
		{name: "source size", width: 0, height: 0, wantW: 100, wantH: 50},
	}

	data := encodePNG(t, 100, 50)
	d := NewDecoder()

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := d.Decode(context.Background(), data, tc.width, tc.height)
			require.NoError(t, err)

			thumb, ok := result.(*Thumbnail)
			require.True(t, ok)
			assert.Equal(t, "png", thumb.Format)
			assert.Equal(t, 100, thumb.SourceWidth)
			assert.Equal(t, 50, thumb.SourceHeight)
			assert.Equal(t, tc.wantW, thumb.Image.Bounds().Dx())
			assert.Equal(t, tc.wantH, thumb.Image.Bounds().Dy())
		})
	}
}

func TestDecode_CorruptInputIsPermanent(t *testing.T) {
	d := NewDecoder()

	_, err := d.Decode(context.Background(), []byte("definitely not an image"), 10, 10)
	assert.ErrorIs(t, err, task.ErrPermanentDecode)

	truncated := encodePNG(t, 40, 40)
	truncated = truncated[:len(truncated)/2]
	_, err = d.Decode(context.Background(), truncated, 10, 10)
	assert.ErrorIs(t, err, task.ErrPermanentDecode)
}

func TestDecode_MaxPixels(t *testing.T) {
	data := encodePNG(t, 100, 100)

	_, err := NewDecoder(WithMaxPixels(5000)).Decode(context.Background(), data, 10, 10)
	assert.ErrorIs(t, err, task.ErrPermanentDecode)

	_, err = NewDecoder(WithMaxPixels(0)).Decode(context.Background(), data, 10, 10)
	assert.NoError(t, err)
}

func TestDecode_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDecoder().Decode(ctx, encodePNG(t, 10, 10), 5, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, task.ErrPermanentDecode)
}

func TestEncodeJPEG(t *testing.T) {
	result, err := NewDecoder().Decode(context.Background(), encodePNG(t, 64, 32), 32, 16)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeJPEG(&buf, result.(*Thumbnail), 85))

	img, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}
