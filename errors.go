package imagecache

import (
	"context"
	"errors"
	"io/fs"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/imagecache/internal/decode"
	"github.com/jmgilman/go/imagecache/internal/transport"
)

// ErrorKind classifies a failed image load.
type ErrorKind int

// Error kinds.
const (
	KindGeneric ErrorKind = iota
	KindNotFound
	KindUnknownHost
	KindInterrupted
	KindContentNotImage
	KindUnreadableStream
)

// String returns a stable name for the kind, used as a metrics label.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnknownHost:
		return "unknown_host"
	case KindInterrupted:
		return "interrupted"
	case KindContentNotImage:
		return "content_not_image"
	case KindUnreadableStream:
		return "unreadable_stream"
	default:
		return "generic_io"
	}
}

// Sentinels matched by errors.Is against an *ImageError of the same kind.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownHost      = errors.New("unknown host")
	ErrInterrupted      = errors.New("interrupted")
	ErrContentNotImage  = errors.New("content is not image data")
	ErrUnreadableStream = errors.New("unreadable image stream")
	ErrInvalidSource    = errors.New("invalid image source")
)

// ImageError is the error delivered to listeners and returned from
// synchronous loads. Its message is the human readable classification.
type ImageError struct {
	Kind ErrorKind
	// Source is the textual form of the source that failed.
	Source string
	// Detail is the missing resource or unknown host, when known.
	Detail string
	Err    error
}

func (e *ImageError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return "Not Found: " + e.Detail
	case KindUnknownHost:
		return "Unknown Host: " + e.Detail
	case KindInterrupted:
		return "interrupted"
	case KindContentNotImage:
		return "Content is HTML, not image data"
	case KindUnreadableStream:
		return "Unreadable Image Stream"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "Can't Access"
}

func (e *ImageError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ImageError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindUnknownHost:
		return target == ErrUnknownHost
	case KindInterrupted:
		return target == ErrInterrupted
	case KindContentNotImage:
		return target == ErrContentNotImage
	case KindUnreadableStream:
		return target == ErrUnreadableStream
	}
	return false
}

// Code maps the kind onto a platform error code.
func (e *ImageError) Code() platformerrors.ErrorCode {
	switch e.Kind {
	case KindNotFound:
		return platformerrors.CodeNotFound
	case KindUnknownHost:
		return platformerrors.CodeNetwork
	case KindInterrupted:
		return platformerrors.CodeTimeout
	case KindContentNotImage, KindUnreadableStream:
		return platformerrors.CodeInvalidInput
	}
	if code := platformerrors.GetCode(e.Err); code != platformerrors.CodeUnknown {
		return code
	}
	return platformerrors.CodeInternal
}

// classify turns any load failure into an *ImageError.
func classify(err error, s *Source) *ImageError {
	var ie *ImageError
	if errors.As(err, &ie) {
		return ie
	}

	out := &ImageError{Source: s.String(), Err: err}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindInterrupted
	case errors.Is(err, transport.ErrNotFound):
		out.Kind = KindNotFound
		out.Detail = transport.URL(err)
	case errors.Is(err, transport.ErrUnknownHost):
		out.Kind = KindUnknownHost
		out.Detail = transport.Host(err)
	case errors.Is(err, fs.ErrNotExist):
		out.Kind = KindNotFound
	case errors.Is(err, decode.ErrMarkup):
		out.Kind = KindContentNotImage
	case errors.Is(err, decode.ErrUnknownFormat):
		out.Kind = KindUnreadableStream
	}

	if out.Detail == "" && (out.Kind == KindNotFound || out.Kind == KindUnknownHost) {
		out.Detail = s.String()
		if out.Kind == KindUnknownHost && s.URL != nil {
			out.Detail = s.URL.Hostname()
		}
	}
	return out
}
