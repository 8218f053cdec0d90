package fitter

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ContentTypeJPEG is the MIME type produced by JPEGCodec
const ContentTypeJPEG = "image/jpeg"

// DefaultJPEGQuality matches the quality most JPEG encoders default to
const DefaultJPEGQuality = 75

// Codec encodes an image at the given target dimensions
type Codec interface {
	// Encode resizes img to width x height and returns the encoded bytes.
	// Identical inputs must produce identical output.
	Encode(img image.Image, width, height int) ([]byte, error)

	// ContentType returns the MIME type of the encoded bytes
	ContentType() string
}

// JPEGCodec resizes with Lanczos resampling and encodes as baseline JPEG
type JPEGCodec struct {
	quality int
}

// NewJPEGCodec creates a JPEG codec. Quality outside 1-100 falls back to DefaultJPEGQuality.
func NewJPEGCodec(quality int) *JPEGCodec {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGCodec{quality: quality}
}

// Quality returns the configured JPEG quality
func (c *JPEGCodec) Quality() int {
	return c.quality
}

// Encode implements Codec
func (c *JPEGCodec) Encode(img image.Image, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target dimensions %dx%d", width, height)
	}

	src := img
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		src = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentType implements Codec
func (c *JPEGCodec) ContentType() string {
	return ContentTypeJPEG
}
