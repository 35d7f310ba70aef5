// Package transport opens image URLs over HTTP. It isolates the HTTP client,
// per-origin credentials and per-origin headers behind a single Open call and
// maps transport failures onto structured platform errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"oras.land/oras-go/v2/registry/remote/auth"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "imgcache/1.0"

var (
	// ErrNotFound is wrapped by errors for 404 and 410 responses.
	ErrNotFound = errors.New("not found")

	// ErrUnknownHost is wrapped by errors for failed host lookups.
	ErrUnknownHost = errors.New("unknown host")
)

// CredentialFunc provides credentials for a host (host:port).
type CredentialFunc = auth.CredentialFunc

// SessionFunc returns extra headers for a request, such as cookies held by an
// embedding application. It may return nil.
type SessionFunc func(u *url.URL) http.Header

// Options configures a Client.
type Options struct {
	// Transport overrides the shared pooled transport.
	Transport http.RoundTripper

	// InsecureTLS disables certificate verification on the shared transport.
	InsecureTLS bool

	// UserAgent is sent with every request.
	UserAgent string

	// StaticHost, StaticUsername and StaticPassword provide basic credentials
	// for a single host.
	StaticHost     string
	StaticUsername string
	StaticPassword string

	// CredentialFunc takes precedence over static credentials.
	CredentialFunc CredentialFunc

	// HeaderRules add headers to requests whose host matches a pattern.
	HeaderRules []HeaderRule

	// Session supplies per-request headers.
	Session SessionFunc

	// OnRequest is called once for every request sent.
	OnRequest func(u *url.URL)
}

// Response is an open HTTP response body plus the metadata the loader records.
type Response struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	ContentType   string
	LastModified  time.Time
	Expires       time.Time
	Date          time.Time
}

// Client opens URLs with authentication and per-origin headers applied.
type Client struct {
	auth      *auth.Client
	rules     []HeaderRule
	session   SessionFunc
	onRequest func(u *url.URL)
}

// New creates a Client.
//
// Credential resolution:
//  1. CredentialFunc, when set, answers every challenge
//  2. static credentials answer challenges from StaticHost
//  3. otherwise no credentials are offered
//
// Resolved credentials are cached per host.
func New(opts Options) (*Client, error) {
	rules, err := compileRules(opts.HeaderRules)
	if err != nil {
		return nil, err
	}

	authClient := &auth.Client{
		Client: &http.Client{Transport: sharedTransport(opts)},
		Cache:  auth.NewCache(),
		Header: make(http.Header),
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	authClient.SetUserAgent(ua)

	switch {
	case opts.CredentialFunc != nil:
		authClient.Credential = newCachedCredentialFunc(opts.CredentialFunc)
	case opts.StaticHost != "" && opts.StaticUsername != "":
		authClient.Credential = newCachedCredentialFunc(auth.StaticCredential(opts.StaticHost, auth.Credential{
			Username: opts.StaticUsername,
			Password: opts.StaticPassword,
		}))
	}

	return &Client{
		auth:      authClient,
		rules:     rules,
		session:   opts.Session,
		onRequest: opts.OnRequest,
	}, nil
}

// Open issues a GET for u and returns the response once headers arrive.
// Non-success statuses are returned as errors and the body is closed.
func (c *Client) Open(ctx context.Context, u *url.URL) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid request for %s", u.Redacted())
	}

	for _, rule := range c.rules {
		if rule.matches(u.Hostname()) {
			for k, v := range rule.Headers {
				req.Header.Set(k, v)
			}
		}
	}
	if c.session != nil {
		for k, vs := range c.session(u) {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	if c.onRequest != nil {
		c.onRequest(u)
	}

	resp, err := c.auth.Do(req)
	if err != nil {
		return nil, mapError(ctx, u, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, statusError(u, resp.StatusCode)
	}

	return &Response{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		LastModified:  parseTime(resp.Header.Get("Last-Modified")),
		Expires:       parseTime(resp.Header.Get("Expires")),
		Date:          parseTime(resp.Header.Get("Date")),
	}, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mapError(ctx context.Context, u *url.URL, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return platformerrors.Wrapf(ctxErr, platformerrors.CodeTimeout, "request for %s cancelled", u.Redacted())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		host := u.Hostname()
		return platformerrors.WrapWithContext(
			fmt.Errorf("%w: %w", ErrUnknownHost, err),
			platformerrors.CodeNetwork,
			"host lookup failed",
			map[string]interface{}{"host": host, "url": u.Redacted()},
		)
	}

	return platformerrors.WrapWithContext(err, platformerrors.CodeNetwork, "request failed",
		map[string]interface{}{"host": u.Hostname(), "url": u.Redacted()})
}

func statusError(u *url.URL, status int) error {
	ctx := map[string]interface{}{
		"url":    u.Redacted(),
		"host":   u.Hostname(),
		"status": status,
	}

	switch status {
	case http.StatusNotFound, http.StatusGone:
		return platformerrors.WrapWithContext(ErrNotFound, platformerrors.CodeNotFound, u.Redacted(), ctx)
	case http.StatusUnauthorized:
		return platformerrors.WrapWithContext(
			fmt.Errorf("status %d", status), platformerrors.CodeUnauthorized, "authentication required", ctx)
	case http.StatusForbidden:
		return platformerrors.WrapWithContext(
			fmt.Errorf("status %d", status), platformerrors.CodeForbidden, "access denied", ctx)
	case http.StatusTooManyRequests:
		return platformerrors.WrapWithContext(
			fmt.Errorf("status %d", status), platformerrors.CodeRateLimit, "rate limited", ctx)
	}

	if status >= 500 {
		return platformerrors.WrapWithContext(
			fmt.Errorf("status %d", status), platformerrors.CodeUnavailable, "server error", ctx)
	}
	return platformerrors.WrapWithContext(
		fmt.Errorf("status %d", status), platformerrors.CodeNetwork, "unexpected response", ctx)
}

// Host returns the host context attached to a transport error, if any.
func Host(err error) string {
	var pe platformerrors.PlatformError
	if !errors.As(err, &pe) {
		return ""
	}
	host, _ := pe.Context()["host"].(string)
	return host
}

// URL returns the URL context attached to a transport error, if any.
func URL(err error) string {
	var pe platformerrors.PlatformError
	if !errors.As(err, &pe) {
		return ""
	}
	v, _ := pe.Context()["url"].(string)
	return v
}
