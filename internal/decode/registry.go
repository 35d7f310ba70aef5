// Package decode turns byte streams into images.
//
// A Registry holds image formats identified by magic byte prefixes. Formats
// are contributed by scanners, which are re-run on demand so that formats
// registered late can still be found. A Spool tees a one-shot stream into a
// seekable backing file so decoders can rewind between reading the header
// and decoding pixels.
package decode

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// HeaderLength is the number of leading bytes needed to probe any builtin
// format and to sniff markup.
const HeaderLength = 16

// ErrUnknownFormat is returned when no registered format matches a stream.
var ErrUnknownFormat = errors.New("unreadable image stream")

// Format describes one decodable image format.
type Format struct {
	// Name is the short format name, such as "png".
	Name string
	// Magic lists header prefixes identifying the format. A '?' matches
	// any byte.
	Magic []string
	// DecodeConfig reads only the header and returns the dimensions.
	DecodeConfig func(io.Reader) (image.Config, error)
	// Decode reads the full image.
	Decode func(io.Reader) (image.Image, error)
}

// Matches reports whether header starts with one of the format's magic
// prefixes.
func (f Format) Matches(header []byte) bool {
	for _, magic := range f.Magic {
		if matchMagic(magic, header) {
			return true
		}
	}
	return false
}

func matchMagic(magic string, header []byte) bool {
	if len(header) < len(magic) {
		return false
	}
	for i := 0; i < len(magic); i++ {
		if magic[i] != '?' && magic[i] != header[i] {
			return false
		}
	}
	return true
}

// Scanner discovers formats. It is run when the registry is created and
// again on every Rescan.
type Scanner func() []Format

// Builtin returns the formats bundled with this package.
func Builtin() []Format {
	return []Format{
		{Name: "png", Magic: []string{"\x89PNG\r\n\x1a\n"}, DecodeConfig: png.DecodeConfig, Decode: png.Decode},
		{Name: "jpeg", Magic: []string{"\xff\xd8"}, DecodeConfig: jpeg.DecodeConfig, Decode: jpeg.Decode},
		{Name: "gif", Magic: []string{"GIF87a", "GIF89a"}, DecodeConfig: gif.DecodeConfig, Decode: gif.Decode},
		{Name: "bmp", Magic: []string{"BM????\x00\x00\x00\x00"}, DecodeConfig: bmp.DecodeConfig, Decode: bmp.Decode},
		{Name: "tiff", Magic: []string{"II*\x00", "MM\x00*"}, DecodeConfig: tiff.DecodeConfig, Decode: tiff.Decode},
		{Name: "webp", Magic: []string{"RIFF????WEBPVP8"}, DecodeConfig: webp.DecodeConfig, Decode: webp.Decode},
	}
}

// Registry is a concurrency-safe set of formats.
type Registry struct {
	mu       sync.RWMutex
	formats  []Format
	scanners []Scanner
	rescans  int
}

// NewRegistry creates a registry populated by running each scanner once.
func NewRegistry(scanners ...Scanner) *Registry {
	r := &Registry{}
	for _, s := range scanners {
		r.AddScanner(s)
	}
	return r
}

// DefaultRegistry returns a registry with the builtin formats.
func DefaultRegistry() *Registry {
	return NewRegistry(Builtin)
}

// AddScanner registers s and merges the formats it reports now.
func (r *Registry) AddScanner(s Scanner) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners = append(r.scanners, s)
	r.merge(s())
}

// Register adds or replaces a format by name.
func (r *Registry) Register(f Format) error {
	if f.Name == "" || len(f.Magic) == 0 || f.Decode == nil || f.DecodeConfig == nil {
		return fmt.Errorf("incomplete format %q", f.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.merge([]Format{f})
	return nil
}

func (r *Registry) merge(formats []Format) int {
	added := 0
	for _, f := range formats {
		replaced := false
		for i := range r.formats {
			if r.formats[i].Name == f.Name {
				r.formats[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			r.formats = append(r.formats, f)
			added++
		}
	}
	return added
}

// Rescan re-runs every scanner and returns the number of new formats.
func (r *Registry) Rescan() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rescans++
	added := 0
	for _, s := range r.scanners {
		added += r.merge(s())
	}
	return added
}

// Rescans returns how many times Rescan has run.
func (r *Registry) Rescans() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rescans
}

// Probe returns the first format whose magic matches header.
func (r *Registry) Probe(header []byte) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.formats {
		if f.Matches(header) {
			return f, true
		}
	}
	return Format{}, false
}

// Names returns the registered format names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.formats))
	for i, f := range r.formats {
		names[i] = f.Name
	}
	return names
}
