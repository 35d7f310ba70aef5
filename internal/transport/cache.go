package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/glob"
	platformerrors "github.com/jmgilman/go/errors"
	"oras.land/oras-go/v2/registry/remote/auth"
)

// credentialTTL bounds how long a resolved credential is reused.
const credentialTTL = 5 * time.Minute

// HeaderRule adds Headers to requests whose host matches Pattern. Patterns
// use glob syntax with '.' as separator, so "*.example.com" matches one
// subdomain level and "**.example.com" matches any depth.
type HeaderRule struct {
	Pattern string
	Headers map[string]string

	g glob.Glob
}

func (r HeaderRule) matches(host string) bool {
	return r.g != nil && r.g.Match(host)
}

func compileRules(rules []HeaderRule) ([]HeaderRule, error) {
	out := make([]HeaderRule, 0, len(rules))
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '.')
		if err != nil {
			return nil, platformerrors.WrapWithContext(err, platformerrors.CodeInvalidConfig,
				"invalid host pattern", map[string]interface{}{"pattern": r.Pattern})
		}
		r.g = g
		out = append(out, r)
	}
	return out, nil
}

// transports are shared between clients with equal settings so connection
// pools survive loader restarts.
var (
	transportsMu sync.Mutex
	transports   = make(map[bool]http.RoundTripper)
)

func sharedTransport(opts Options) http.RoundTripper {
	if opts.Transport != nil {
		return opts.Transport
	}

	transportsMu.Lock()
	defer transportsMu.Unlock()

	if t, ok := transports[opts.InsecureTLS]; ok {
		return t
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}
	if opts.InsecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed origins
	}
	transports[opts.InsecureTLS] = t
	return t
}

type cachedCredential struct {
	credential auth.Credential
	expiresAt  time.Time
}

// credentialCache is scoped to one client so credentials from one loader
// never answer another loader's challenges.
type credentialCache struct {
	mu    sync.Mutex
	creds map[string]cachedCredential
	now   func() time.Time
}

func (c *credentialCache) get(host string) (auth.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.creds[host]
	if !ok {
		return auth.EmptyCredential, false
	}
	if !c.now().Before(cached.expiresAt) {
		delete(c.creds, host)
		return auth.EmptyCredential, false
	}
	return cached.credential, true
}

func (c *credentialCache) set(host string, cred auth.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[host] = cachedCredential{credential: cred, expiresAt: c.now().Add(credentialTTL)}
}

func newCachedCredentialFunc(base auth.CredentialFunc) auth.CredentialFunc {
	if base == nil {
		return nil
	}
	cache := &credentialCache{creds: make(map[string]cachedCredential), now: time.Now}

	return func(ctx context.Context, host string) (auth.Credential, error) {
		if cred, ok := cache.get(host); ok {
			return cred, nil
		}
		cred, err := base(ctx, host)
		if err != nil {
			return auth.EmptyCredential, err
		}
		cache.set(host, cred)
		return cred, nil
	}
}
