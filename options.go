package imagecache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/fs/core"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/jmgilman/go/imagecache/internal/decode"
	"github.com/jmgilman/go/imagecache/internal/logging"
	"github.com/jmgilman/go/imagecache/internal/transport"
)

// DefaultMemoryCapacity is the number of decoded images kept strongly
// reachable by default.
const DefaultMemoryCapacity = 64

// Format describes an image decoder that can be registered with WithDecoders.
type Format = decode.Format

// DecoderScanner returns decoders discovered at runtime. Scanners are run
// again whenever a stream matches no known decoder.
type DecoderScanner = decode.Scanner

// HeaderRule adds headers to requests for hosts matching a glob pattern.
type HeaderRule = transport.HeaderRule

// SessionFunc returns per-request headers, such as cookies, for a URL.
type SessionFunc = transport.SessionFunc

// Options contains configuration for a Loader.
type Options struct {
	// FS is used for the disk cache and for local file sources.
	// If nil, the local filesystem is used.
	FS core.FS

	// CacheDir is the disk cache directory on FS.
	CacheDir string

	// MemoryCapacity bounds how many decoded images are held strongly.
	// Images beyond it stay cached only until the garbage collector
	// reclaims them. Zero disables strong retention.
	MemoryCapacity int

	// Logger receives structured logs. If nil, logs are discarded.
	Logger *logging.Logger

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper

	// InsecureTLS allows self-signed certificates.
	InsecureTLS bool

	// UserAgent is sent with every request.
	UserAgent string

	// Static credentials for a single host (host:port).
	StaticHost     string
	StaticUsername string
	StaticPassword string

	// CredentialFunc answers authentication challenges for any host.
	CredentialFunc transport.CredentialFunc

	// HeaderRules add per-origin headers.
	HeaderRules []HeaderRule

	// Session supplies per-request headers.
	Session SessionFunc

	// Decoders are registered in addition to the builtin formats.
	Decoders []Format

	// Scanners discover decoders registered late.
	Scanners []DecoderScanner
}

// Option is a functional option for configuring a Loader.
type Option func(*Options)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		CacheDir:       defaultCacheDir(),
		MemoryCapacity: DefaultMemoryCapacity,
		UserAgent:      transport.DefaultUserAgent,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "imgcache")
}

// WithFilesystem sets the filesystem used for the disk cache and local files.
func WithFilesystem(fsys core.FS) Option {
	return func(opts *Options) {
		opts.FS = fsys
	}
}

// WithCacheDir sets the disk cache directory.
func WithCacheDir(dir string) Option {
	return func(opts *Options) {
		opts.CacheDir = dir
	}
}

// WithMemoryCapacity sets how many decoded images are held strongly.
func WithMemoryCapacity(n int) Option {
	return func(opts *Options) {
		opts.MemoryCapacity = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithSlog sets the logger from a standard library logger.
func WithSlog(logger *slog.Logger) Option {
	return WithLogger(logging.FromSlog(logger))
}

// WithHTTPClient uses the transport of client for all requests.
func WithHTTPClient(client *http.Client) Option {
	return func(opts *Options) {
		if client == nil {
			return
		}
		opts.Transport = client.Transport
		if opts.Transport == nil {
			opts.Transport = http.DefaultTransport
		}
	}
}

// WithTransport sets the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(opts *Options) {
		opts.Transport = rt
	}
}

// WithInsecureTLS disables certificate verification.
// WARNING: Only use this for testing environments.
func WithInsecureTLS() Option {
	return func(opts *Options) {
		opts.InsecureTLS = true
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(opts *Options) {
		opts.UserAgent = ua
	}
}

// WithStaticAuth configures basic credentials for one host. Other hosts are
// accessed anonymously.
func WithStaticAuth(host, username, password string) Option {
	return func(opts *Options) {
		opts.StaticHost = host
		opts.StaticUsername = username
		opts.StaticPassword = password
	}
}

// WithCredentialFunc configures a credential callback for every host. It
// takes precedence over WithStaticAuth.
//
// The function should be safe for concurrent use and handle context cancellation.
func WithCredentialFunc(fn func(ctx context.Context, host string) (auth.Credential, error)) Option {
	return func(opts *Options) {
		opts.CredentialFunc = fn
	}
}

// WithOriginHeaders adds headers to requests whose host matches pattern.
//
// Example usage:
//
//	loader, err := New(WithOriginHeaders("*.example.com", map[string]string{"X-Api-Key": key}))
func WithOriginHeaders(pattern string, headers map[string]string) Option {
	return func(opts *Options) {
		opts.HeaderRules = append(opts.HeaderRules, HeaderRule{Pattern: pattern, Headers: headers})
	}
}

// WithSessionHeaders sets a function supplying per-request headers.
func WithSessionHeaders(fn SessionFunc) Option {
	return func(opts *Options) {
		opts.Session = fn
	}
}

// WithDecoders registers extra image formats.
func WithDecoders(formats ...Format) Option {
	return func(opts *Options) {
		opts.Decoders = append(opts.Decoders, formats...)
	}
}

// WithDecoderScanner registers a decoder discovery function.
func WithDecoderScanner(scanner DecoderScanner) Option {
	return func(opts *Options) {
		opts.Scanners = append(opts.Scanners, scanner)
	}
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return fmt.Errorf("options cannot be nil")
	}
	if opts.CacheDir == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}
	if opts.MemoryCapacity < 0 {
		return fmt.Errorf("memory capacity cannot be negative: %d", opts.MemoryCapacity)
	}
	if opts.StaticUsername != "" && opts.StaticHost == "" {
		return fmt.Errorf("static credentials require a host")
	}
	return nil
}
