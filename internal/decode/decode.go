package decode

import (
	"errors"
	"fmt"
	"image"
	"io"
)

// Result is a decoded image.
type Result struct {
	Image  image.Image
	Format string
	Width  int
	Height int
	// Rescanned is true when the format was only found after a rescan.
	Rescanned bool
}

// SizeFunc is told the image dimensions as soon as the header is decoded,
// before pixel data is read.
type SizeFunc func(width, height int, format string)

// Decode reads an image from rs. When no format matches the header, the
// registry is rescanned exactly once before failing with ErrUnknownFormat.
func (r *Registry) Decode(rs io.ReadSeeker, onSize SizeFunc) (Result, error) {
	head := make([]byte, HeaderLength)
	n, err := io.ReadFull(rs, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, err
	}
	head = head[:n]

	var result Result
	format, ok := r.Probe(head)
	if !ok {
		r.Rescan()
		result.Rescanned = true
		if format, ok = r.Probe(head); !ok {
			return result, ErrUnknownFormat
		}
	}
	result.Format = format.Name

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return result, fmt.Errorf("failed to rewind stream: %w", err)
	}
	cfg, err := format.DecodeConfig(rs)
	if err != nil {
		return result, fmt.Errorf("failed to decode %s header: %w", format.Name, err)
	}
	if onSize != nil {
		onSize(cfg.Width, cfg.Height, format.Name)
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return result, fmt.Errorf("failed to rewind stream: %w", err)
	}
	img, err := format.Decode(rs)
	if err != nil {
		return result, fmt.Errorf("failed to decode %s image: %w", format.Name, err)
	}

	bounds := img.Bounds()
	result.Image = img
	result.Width = bounds.Dx()
	result.Height = bounds.Dy()
	return result, nil
}
