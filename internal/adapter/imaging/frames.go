// Package imaging validates uploaded images and prepares the inputs of a
// composition run.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"io"

	img "github.com/disintegration/imaging"

	// Registers webp decoding; jpeg, png, gif, tiff and bmp come with the
	// imaging import.
	_ "golang.org/x/image/webp"

	"github.com/Driftwald/ReelStudio/internal/domain"
)

const (
	minDimension = 16
	maxDimension = 8192

	// The upstream generator rejects oversized payloads, so sources are
	// downscaled into this box before encoding.
	generationMaxEdge = 2048

	frameQuality      = 95
	generationQuality = 85
)

// Info describes a decoded image header.
type Info struct {
	Format string
	Width  int
	Height int
}

// Probe decodes the header of an uploaded image without reading the pixel
// data. Undecodable bytes and out-of-range dimensions surface as
// ErrValidation.
func Probe(r io.Reader) (Info, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("not a supported image (%v): %w", err, domain.ErrValidation)
	}
	if cfg.Width < minDimension || cfg.Height < minDimension {
		return Info{}, fmt.Errorf("image %dx%d below %dpx minimum: %w",
			cfg.Width, cfg.Height, minDimension, domain.ErrValidation)
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return Info{}, fmt.Errorf("image %dx%d above %dpx maximum: %w",
			cfg.Width, cfg.Height, maxDimension, domain.ErrValidation)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// PrepareFrame renders one frame of the visual sequence to dstPath: the
// source is scaled to cover the width x height target, center-cropped, and
// saved as JPEG. The destination extension decides the container, so callers
// pass .jpg paths.
func PrepareFrame(r io.Reader, dstPath string, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("frame size %dx%d: %w", width, height, domain.ErrValidation)
	}
	src, err := img.Decode(r, img.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode frame source: %w", err)
	}
	frame := img.Fill(src, width, height, img.Center, img.Lanczos)
	if err := img.Save(frame, dstPath, img.JPEGQuality(frameQuality)); err != nil {
		return fmt.Errorf("save %s: %w", dstPath, err)
	}
	return nil
}

// EncodeForGeneration re-encodes a source image for the generation request:
// downscaled to fit 2048x2048 when larger, flattened to JPEG. Returns the
// encoded bytes and their content type.
func EncodeForGeneration(r io.Reader) ([]byte, string, error) {
	src, err := img.Decode(r, img.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode source: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() > generationMaxEdge || bounds.Dy() > generationMaxEdge {
		src = img.Fit(src, generationMaxEdge, generationMaxEdge, img.Lanczos)
	}
	var buf bytes.Buffer
	if err := img.Encode(&buf, src, img.JPEG, img.JPEGQuality(generationQuality)); err != nil {
		return nil, "", fmt.Errorf("encode source: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
