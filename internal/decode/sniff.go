package decode

import (
	"bytes"
	"errors"
)

// ErrMarkup is returned when a stream holds an HTML page instead of image
// data, typically an error or login page served with a 200 status.
var ErrMarkup = errors.New("content is HTML, not image data")

// LooksLikeMarkup reports whether the first HeaderLength bytes of a stream
// start, ignoring case, with an HTML or DOCTYPE tag.
func LooksLikeMarkup(head []byte) bool {
	if len(head) > HeaderLength {
		head = head[:HeaderLength]
	}
	upper := bytes.ToUpper(head)
	return bytes.HasPrefix(upper, []byte("<HTML>")) || bytes.HasPrefix(upper, []byte("<!DOCTYPE"))
}
