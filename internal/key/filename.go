package key

import (
	"fmt"
	"net/url"
	"strings"
)

// FileName returns the permanent disk cache file name for k. The name is the
// form-style URL encoding of the key, so it never contains a path separator.
func (k Key) FileName() string {
	return url.QueryEscape(string(k))
}

// TempFileName returns the name used while a fetch for k is in progress.
func (k Key) TempFileName() string {
	return TempMarker + k.FileName()
}

// FromFileName recovers the key encoded in a permanent cache file name.
func FromFileName(name string) (Key, error) {
	if name == "" {
		return None, fmt.Errorf("empty file name")
	}
	if IsTemp(name) {
		return None, fmt.Errorf("temporary cache file %q has no key", name)
	}

	decoded, err := url.QueryUnescape(name)
	if err != nil {
		return None, fmt.Errorf("invalid cache file name %q: %w", name, err)
	}
	return Key(decoded), nil
}

// IsTemp reports whether name is a temporary cache file name.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempMarker)
}
