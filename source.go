package imagecache

import (
	"fmt"
	"image"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/imagecache/internal/key"
)

// SourceKind identifies which variant of Source is populated.
type SourceKind int

// Source kinds.
const (
	SourcePath SourceKind = iota
	SourceURL
	SourceResource
	SourceStream
	SourceImage
)

func (k SourceKind) String() string {
	switch k {
	case SourcePath:
		return "path"
	case SourceURL:
		return "url"
	case SourceResource:
		return "resource"
	case SourceStream:
		return "stream"
	default:
		return "image"
	}
}

// Source is a resolved image request. It is built once from whatever the
// caller passed to GetImage and carries everything the pipeline needs.
type Source struct {
	Kind SourceKind
	// Original is the value passed by the caller. Listener callbacks receive it.
	Original any
	// Key is the cache key, or key.None when the source is not cacheable.
	Key key.Key

	// Path is set when bytes come from a local file.
	Path string
	// URL is set when bytes come from the network.
	URL *url.URL
	// Resource receives metadata for SourceResource.
	Resource Resource
	// Stream is the byte source for SourceStream.
	Stream io.Reader
	// Image is the pre-decoded image for SourceImage.
	Image *Image
}

// NewSource resolves src. Accepted values are a path or URL string, a
// *url.URL, a Resource, an io.Reader, an *Image, an image.Image, or an
// existing Source. A source whose key cannot be computed is still valid; it
// is loaded without caching.
func NewSource(src any) (*Source, error) {
	var (
		s   *Source
		err error
	)

	switch v := src.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidSource)
	case *Source:
		return v, nil
	case Source:
		return &v, nil
	case *Image:
		s = &Source{Kind: SourceImage, Image: v}
	case image.Image:
		b := v.Bounds()
		s = &Source{Kind: SourceImage, Image: &Image{Image: v, Width: b.Dx(), Height: b.Dy()}}
	case Resource:
		spec := strings.TrimSpace(v.Spec())
		if spec == "" {
			return nil, fmt.Errorf("%w: resource has no spec", ErrInvalidSource)
		}
		if s, err = sourceFromString(spec); err != nil {
			return nil, err
		}
		s.Kind = SourceResource
		s.Resource = v
	case *url.URL:
		if s, err = sourceFromURL(v); err != nil {
			return nil, err
		}
	case string:
		if s, err = sourceFromString(v); err != nil {
			return nil, err
		}
	case io.Reader:
		s = &Source{Kind: SourceStream, Stream: v}
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidSource, src)
	}

	s.Original = src
	return s, nil
}

func sourceFromString(raw string) (*Source, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	if !key.IsURL(raw) {
		return sourceFromPath(raw), nil
	}

	u, err := key.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	return sourceFromURL(u)
}

func sourceFromURL(u *url.URL) (*Source, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil url", ErrInvalidSource)
	}

	if strings.EqualFold(u.Scheme, "file") {
		p, err := key.LocalPath(u)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
		}
		return sourceFromPath(p), nil
	}

	s := &Source{Kind: SourceURL, URL: u}
	if k, err := key.FromURL(u); err == nil {
		s.Key = k
	}
	return s, nil
}

func sourceFromPath(p string) *Source {
	s := &Source{Kind: SourcePath, Path: p}
	if abs, err := filepath.Abs(p); err == nil {
		s.Path = abs
	}
	if k, err := key.FromPath(p); err == nil {
		s.Key = k
	}
	return s
}

// String returns the location the source reads from.
func (s *Source) String() string {
	if s == nil {
		return ""
	}
	switch {
	case s.URL != nil:
		return s.URL.String()
	case s.Path != "":
		return s.Path
	case s.Kind == SourceStream:
		return "stream"
	default:
		return "image"
	}
}

// Cacheable reports whether the source has a cache key.
func (s *Source) Cacheable() bool {
	return !s.Key.IsNone()
}
