// Package key derives canonical cache keys from image sources and maps keys
// to and from disk cache file names.
//
// Keys are computed purely from the textual form of a source. No network
// lookups are performed, so a key is stable across process runs and can be
// used to locate a previously persisted cache file.
package key

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Key is a normalized cache identifier. The zero value means "no key": the
// source is not cacheable.
type Key string

// None is the empty key used for uncacheable sources.
const None Key = ""

// TempMarker prefixes the file name of a cache file whose fetch is still in
// progress.
const TempMarker = "."

// String returns the key text.
func (k Key) String() string { return string(k) }

// IsNone reports whether k is the empty key.
func (k Key) IsNone() bool { return k == None }

// FromPath derives a key from a local filesystem path. The path is made
// absolute and cleaned; symlinks are not resolved.
func FromPath(p string) (Key, error) {
	if strings.TrimSpace(p) == "" {
		return None, fmt.Errorf("empty path")
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return None, fmt.Errorf("failed to resolve %q: %w", p, err)
	}

	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}

	u := url.URL{Scheme: "file", Path: slashed}
	return Key(u.String()), nil
}

// FromURL derives a key from a URL by rebuilding it component by component.
// Escapes of unreserved characters are decoded and the remaining escapes are
// uppercased, so equivalent encodings map to the same key while escaped
// delimiters such as %2F and %26 keep their meaning. URLs with the file
// scheme are downgraded to path keys after absorbing any authority into the
// path.
func FromURL(u *url.URL) (Key, error) {
	if u == nil {
		return None, fmt.Errorf("nil url")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return None, fmt.Errorf("url %q has no scheme", u.String())
	}

	if scheme == "file" {
		p, err := LocalPath(u)
		if err != nil {
			return None, err
		}
		return FromPath(p)
	}

	if u.Opaque != "" {
		return None, fmt.Errorf("opaque url %q cannot be normalized", u.String())
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(normalizeHost(u))
	b.WriteString(cleanPath(normalizeEscapes(u.EscapedPath(), legalPathByte)))
	if query := normalizeEscapes(u.RawQuery, legalQueryByte); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	if fragment := normalizeEscapes(u.EscapedFragment(), legalQueryByte); fragment != "" {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return Key(b.String()), nil
}

// FromString parses raw as a URL when it carries a scheme and as a path
// otherwise.
func FromString(raw string) (Key, error) {
	if IsURL(raw) {
		u, err := ParseURL(raw)
		if err != nil {
			return None, err
		}
		return FromURL(u)
	}
	return FromPath(raw)
}

// ParseURL parses raw as a URL. Literal spaces, which some servers and
// hand-typed addresses contain, are encoded as %20 first.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.ReplaceAll(raw, " ", "%20"))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return u, nil
}

// LocalPath returns the filesystem path named by a file URL. Any authority
// (such as a drive letter parsed as a host) becomes part of the path.
func LocalPath(u *url.URL) (string, error) {
	if u == nil || !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("not a file url")
	}

	p := u.Path
	if u.Opaque != "" {
		unescaped, err := url.PathUnescape(u.Opaque)
		if err != nil {
			return "", fmt.Errorf("invalid file url %q: %w", u.String(), err)
		}
		p = unescaped
	}
	if u.Host != "" {
		p = u.Host + p
	}
	if p == "" {
		return "", fmt.Errorf("file url %q has no path", u.String())
	}

	p = filepath.FromSlash(p)
	if u.Host != "" && !filepath.IsAbs(p) {
		p = string(filepath.Separator) + p
	}
	return p, nil
}

// IsURL reports whether raw starts with a URL scheme.
func IsURL(raw string) bool {
	i := strings.Index(raw, ":")
	// Single letter schemes are drive letters.
	if i < 2 {
		return false
	}
	for j, c := range raw[:i] {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// cleanPath removes dot segments while keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// normalizeEscapes rewrites an escaped URL component. Escapes of unreserved
// characters are decoded, other escapes get uppercase hex digits, and bytes
// that legal rejects are encoded. A '%' that does not start an escape is
// encoded as %25.
func normalizeEscapes(s string, legal func(byte) bool) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			decoded := unhex(s[i+1])<<4 | unhex(s[i+2])
			i += 2
			if unreserved(decoded) {
				b.WriteByte(decoded)
				continue
			}
			c = decoded
		} else if c != '%' && legal(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func legalPathByte(c byte) bool {
	return c != '?' && legalQueryByte(c)
}

func legalQueryByte(c byte) bool {
	if unreserved(c) {
		return true
	}
	return strings.IndexByte("!$&'()*+,;=:@/?", c) >= 0
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
