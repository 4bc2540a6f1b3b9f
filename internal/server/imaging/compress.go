// Package imaging re-encodes uploaded images to shrink them.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	// Registered decoders.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the JPEG quality used for re-encoding.
const DefaultQuality = 80

// ErrUnsupportedImage is returned for payloads no registered decoder reads.
var ErrUnsupportedImage = errors.New("unsupported image format")

// JPEGCompressor decodes any registered image format and re-encodes it as
// a baseline JPEG. Transparency is flattened onto white.
type JPEGCompressor struct {
	Quality int
}

// NewJPEGCompressor creates a compressor. A quality outside 1..100 uses
// DefaultQuality.
func NewJPEGCompressor(quality int) *JPEGCompressor {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &JPEGCompressor{Quality: quality}
}

// Compress returns the re-encoded image. The output is not guaranteed to
// be smaller than the input.
func (c *JPEGCompressor) Compress(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mimeType)
		}
		return nil, fmt.Errorf("failed to decode %s: %w", mimeType, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s as jpeg: %w", format, err)
	}
	return buf.Bytes(), nil
}

// flatten draws img over an opaque white background.
func flatten(img image.Image) image.Image {
	if isOpaque(img) {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
