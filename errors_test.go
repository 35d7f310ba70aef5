package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"

	"github.com/jmgilman/go/imagecache/internal/decode"
)

// TestClassify tests the mapping of load failures onto error kinds.
func TestClassify(t *testing.T) {
	u, _ := url.Parse("https://img.example.com/a.png")
	network := &Source{Kind: SourceURL, URL: u}
	local := &Source{Kind: SourcePath, Path: "/data/a.png"}

	tests := []struct {
		name    string
		err     error
		src     *Source
		kind    ErrorKind
		message string
		target  error
		code    platformerrors.ErrorCode
	}{
		{
			name:    "cancelled",
			err:     context.Canceled,
			src:     network,
			kind:    KindInterrupted,
			message: "interrupted",
			target:  ErrInterrupted,
			code:    platformerrors.CodeTimeout,
		},
		{
			name:    "deadline",
			err:     fmt.Errorf("read body: %w", context.DeadlineExceeded),
			src:     network,
			kind:    KindInterrupted,
			message: "interrupted",
			target:  ErrInterrupted,
			code:    platformerrors.CodeTimeout,
		},
		{
			name:    "missing file",
			err:     &fs.PathError{Op: "open", Path: "/data/a.png", Err: fs.ErrNotExist},
			src:     local,
			kind:    KindNotFound,
			message: "Not Found: /data/a.png",
			target:  ErrNotFound,
			code:    platformerrors.CodeNotFound,
		},
		{
			name:    "markup",
			err:     decode.ErrMarkup,
			src:     network,
			kind:    KindContentNotImage,
			message: "Content is HTML, not image data",
			target:  ErrContentNotImage,
			code:    platformerrors.CodeInvalidInput,
		},
		{
			name:    "unknown format",
			err:     decode.ErrUnknownFormat,
			src:     network,
			kind:    KindUnreadableStream,
			message: "Unreadable Image Stream",
			target:  ErrUnreadableStream,
			code:    platformerrors.CodeInvalidInput,
		},
		{
			name:    "generic",
			err:     platformerrors.New(platformerrors.CodeUnavailable, "server error"),
			src:     network,
			kind:    KindGeneric,
			message: "server error",
			code:    platformerrors.CodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ie := classify(tt.err, tt.src)
			assert.Equal(t, tt.kind, ie.Kind)
			assert.Contains(t, ie.Error(), tt.message)
			assert.Equal(t, tt.code, ie.Code())
			if tt.target != nil {
				assert.ErrorIs(t, ie, tt.target)
			}
			assert.ErrorIs(t, ie, tt.err)
		})
	}
}

// TestClassifyKeepsImageError tests that an already classified error is
// returned unchanged.
func TestClassifyKeepsImageError(t *testing.T) {
	orig := &ImageError{Kind: KindNotFound, Detail: "/x.png"}
	got := classify(fmt.Errorf("wrapped: %w", orig), &Source{Path: "/y.png"})
	assert.Same(t, orig, got)
	assert.Equal(t, "Not Found: /x.png", got.Error())
}

// TestImageErrorFallbacks tests messages for errors without detail.
func TestImageErrorFallbacks(t *testing.T) {
	assert.Equal(t, "Can't Access", (&ImageError{}).Error())
	assert.Equal(t, platformerrors.CodeInternal, (&ImageError{Err: errors.New("boom")}).Code())
	assert.NotErrorIs(t, &ImageError{Kind: KindGeneric}, ErrNotFound)
}

// TestErrorKindString tests metric labels.
func TestErrorKindString(t *testing.T) {
	tests := map[ErrorKind]string{
		KindGeneric:          "generic_io",
		KindNotFound:         "not_found",
		KindUnknownHost:      "unknown_host",
		KindInterrupted:      "interrupted",
		KindContentNotImage:  "content_not_image",
		KindUnreadableStream: "unreadable_stream",
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.String())
	}
}
