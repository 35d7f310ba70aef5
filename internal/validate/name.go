// Package validate checks disk cache file names before they touch the
// filesystem.
package validate

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultMaxNameLength is the longest file name most filesystems accept.
const DefaultMaxNameLength = 255

// NameValidator validates single path elements used as cache file names.
type NameValidator struct {
	// MaxLength is the maximum name length in bytes. Zero means
	// DefaultMaxNameLength.
	MaxLength int

	// AllowHidden permits names starting with a dot.
	AllowHidden bool
}

// NewNameValidator creates a validator with default settings.
func NewNameValidator() *NameValidator {
	return &NameValidator{
		MaxLength:   DefaultMaxNameLength,
		AllowHidden: false,
	}
}

// Validate returns nil if name is safe to use as a file name directly inside
// the cache directory.
func (v *NameValidator) Validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty name")
	}

	maxLen := v.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLength
	}
	if len(name) > maxLen {
		return fmt.Errorf("name too long: %d bytes exceeds %d", len(name), maxLen)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("path traversal detected: %s", name)
	}

	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path separator in name: %s", name)
	}

	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("control character in name: %q", name)
		}
	}

	if !v.AllowHidden && strings.HasPrefix(name, ".") {
		return fmt.Errorf("hidden files not allowed: %s", name)
	}

	return nil
}

// FileName validates name with the default validator.
func FileName(name string) error {
	return NewNameValidator().Validate(name)
}
