// Copyright 2025 James Ross
package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 255), G: uint8(y % 255), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDeriveFitsWithin300Box(t *testing.T) {
	out, err := Derive(sampleJPEG(t, 1200, 600))
	require.NoError(t, err)
	require.NotEmpty(t, out)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	bounds := img.Bounds()
	require.LessOrEqual(t, bounds.Dx(), width)
	require.LessOrEqual(t, bounds.Dy(), height)
}

func TestDeriveRejectsGarbage(t *testing.T) {
	_, err := Derive([]byte("not an image"))
	require.Error(t, err)
}
