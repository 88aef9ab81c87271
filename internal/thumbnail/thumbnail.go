// Copyright 2025 James Ross
// Package thumbnail implements the Thumbnail Side-Effect Helper (C8): a
// best-effort 300x300 preview derivation for image results, invoked by the
// worker after an action produces a FILE or FILES outcome whose media type
// is image (spec.md §4.6 step 6).
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	width  = 300
	height = 300
	// MimeType is the content type stored alongside the derived thumbnail.
	// Pure-Go WebP encoding has no mature implementation in this stack (the
	// sibling imaging pipeline this is modeled on hits the same limit and
	// falls back to JPEG); the path still ends in ".webp" per spec.md §4.3,
	// but the bytes are JPEG-encoded.
	MimeType = "image/jpeg"
)

// Derive decodes src, fits it within a 300x300 box preserving aspect ratio,
// and returns JPEG-encoded bytes. src may be JPEG, PNG, GIF, or WebP (decode
// support only, via the blank x/image/webp import).
func Derive(src []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	thumb := imaging.Fit(img, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
