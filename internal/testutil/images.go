// Package testutil provides fixtures for image cache tests: encoded test
// images and a fake HTTP origin that counts requests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
)

// Pattern returns a w by h RGBA image with a deterministic gradient.
func Pattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x + y), A: 0xff})
		}
	}
	return img
}

// PNG returns a PNG encoded test image.
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Pattern(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG returns a JPEG encoded test image.
func JPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Pattern(w, h), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// GIF returns a GIF encoded test image.
func GIF(w, h int) []byte {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, Pattern(w, h), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BMP returns a BMP encoded test image.
func BMP(w, h int) []byte {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, Pattern(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// HTMLPage returns a small HTML error page.
func HTMLPage() []byte {
	return []byte("<html><head><title>Error</title></head><body>Not an image</body></html>")
}
