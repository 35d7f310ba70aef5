package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/imagecache"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imgcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefault tests the default configuration.
func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.Cache.Dir)
	assert.Equal(t, imagecache.DefaultMemoryCapacity, cfg.Cache.MemoryCapacity)
	assert.Equal(t, 4, cfg.HTTP.Concurrency)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

// TestLoad tests layering of file and environment.
func TestLoad(t *testing.T) {
	path := writeConfig(t, `
cache:
  dir: /var/cache/images
  memory_capacity: 10
http:
  user_agent: viewer/2.0
  timeout: 30s
log:
  level: debug
origins:
  - host: "*.example.com"
    headers:
      X-Api-Key: secret
`)

	tests := []struct {
		name    string
		path    string
		environ map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "missing file uses defaults",
			path:    filepath.Join(t.TempDir(), "none.yaml"),
			environ: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), *cfg)
			},
		},
		{
			name:    "file values",
			path:    path,
			environ: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/cache/images", cfg.Cache.Dir)
				assert.Equal(t, 10, cfg.Cache.MemoryCapacity)
				assert.Equal(t, "viewer/2.0", cfg.HTTP.UserAgent)
				assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
				assert.Equal(t, 4, cfg.HTTP.Concurrency, "unset fields keep defaults")
				require.Len(t, cfg.Origins, 1)
				assert.Equal(t, "secret", cfg.Origins[0].Headers["X-Api-Key"])
			},
		},
		{
			name: "environment overrides file",
			path: path,
			environ: map[string]string{
				"IMGCACHE_CACHE_DIR":        "/tmp/images",
				"IMGCACHE_HTTP_CONCURRENCY": "8",
				"IMGCACHE_HTTP_TIMEOUT":     "2m",
				"IMGCACHE_LOG_JSON":         "true",
				"UNRELATED":                 "x",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/images", cfg.Cache.Dir)
				assert.Equal(t, 8, cfg.HTTP.Concurrency)
				assert.Equal(t, 2*time.Minute, cfg.HTTP.Timeout)
				assert.True(t, cfg.Log.JSON)
				assert.Equal(t, "viewer/2.0", cfg.HTTP.UserAgent)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path, tt.environ)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

// TestLoadErrors tests rejected files and values.
func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		environ map[string]string
	}{
		{name: "unknown field", content: "cache:\n  size: 3\n"},
		{name: "bad yaml", content: "cache: [\n"},
		{name: "bad level", content: "log:\n  level: loud\n"},
		{name: "bad env value", content: "", environ: map[string]string{"IMGCACHE_HTTP_CONCURRENCY": "many"}},
		{name: "zero concurrency", content: "", environ: map[string]string{"IMGCACHE_HTTP_CONCURRENCY": "0"}},
		{name: "origin without host", content: "origins:\n  - username: alice\n    password: x\n"},
		{name: "origin without password", content: "origins:\n  - host: a.example.com\n    username: alice\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := Load(writeConfig(t, tt.content), environ)
			require.Error(t, err)
			assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
		})
	}
}

// TestLoadCommentOnly tests that a file with only comments is accepted.
func TestLoadCommentOnly(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# nothing here\n"), map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

// TestOptions tests conversion to loader options.
func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.Cache.Dir = "/cache"
	cfg.HTTP.InsecureTLS = true
	cfg.Origins = []Origin{
		{Host: "*.example.com", Headers: map[string]string{"X-Api-Key": "k"}},
		{Host: "img.example.com", Username: "alice", Password: "secret"},
		{Host: "127.0.0.1", Username: "bob", Password: "hunter2"},
	}

	opts, err := cfg.Options()
	require.NoError(t, err)

	applied := imagecache.DefaultOptions()
	for _, opt := range opts {
		opt(applied)
	}
	assert.Equal(t, "/cache", applied.CacheDir)
	assert.True(t, applied.InsecureTLS)
	require.Len(t, applied.HeaderRules, 1)
	require.NotNil(t, applied.CredentialFunc)

	ctx := context.Background()
	cred, err := applied.CredentialFunc(ctx, "img.example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)

	cred, err = applied.CredentialFunc(ctx, "127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "bob", cred.Username)

	cred, err = applied.CredentialFunc(ctx, "other.org")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)

	cfg.Origins = []Origin{{Host: "[", Username: "a", Password: "b"}}
	_, err = cfg.Options()
	assert.Error(t, err)
}
