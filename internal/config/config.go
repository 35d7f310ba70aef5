// Package config loads imgcache command settings from a YAML file with
// IMGCACHE_* environment overrides.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gobwas/glob"
	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/jmgilman/go/imagecache"
	"github.com/jmgilman/go/imagecache/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMGCACHE_"

// Config holds all imgcache settings.
type Config struct {
	Cache   Cache    `yaml:"cache"`
	HTTP    HTTP     `yaml:"http"`
	Log     Log      `yaml:"log"`
	Origins []Origin `yaml:"origins"`
}

// Cache holds disk and memory cache settings.
type Cache struct {
	Dir            string `yaml:"dir" env:"DIR"`
	MemoryCapacity int    `yaml:"memory_capacity" env:"MEMORY_CAPACITY"`
}

// HTTP holds network settings.
type HTTP struct {
	UserAgent   string        `yaml:"user_agent" env:"USER_AGENT"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	InsecureTLS bool          `yaml:"insecure_tls" env:"INSECURE_TLS"`
	// Concurrency bounds parallel fetches in the CLI.
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Origin configures requests to hosts matching a glob pattern.
type Origin struct {
	Host     string            `yaml:"host"`
	Headers  map[string]string `yaml:"headers"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	defaults := imagecache.DefaultOptions()
	return Config{
		Cache: Cache{
			Dir:            defaults.CacheDir,
			MemoryCapacity: defaults.MemoryCapacity,
		},
		HTTP: HTTP{
			UserAgent:   defaults.UserAgent,
			Timeout:     time.Minute,
			Concurrency: 4,
		},
		Log: Log{
			Level: "warn",
		},
	}
}

// Load reads the YAML file at path, if any, and applies environment
// overrides from environ. A missing file yields the defaults. A nil environ
// reads the process environment.
func Load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides each section from variables named
// IMGCACHE_<SECTION>_<FIELD>. Origins are file-only.
func (c *Config) applyEnv(environ map[string]string) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"CACHE_", &c.Cache},
		{"HTTP_", &c.HTTP},
		{"LOG_", &c.Log},
	}
	for _, s := range sections {
		opts := env.Options{Prefix: EnvPrefix + s.prefix, Environment: environ}
		if err := env.ParseWithOptions(s.target, opts); err != nil {
			return platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid environment override")
		}
	}
	return nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return platformerrors.WrapWithContext(err, platformerrors.CodeInvalidConfig, "failed to read config",
			map[string]interface{}{"path": path})
	}
	if len(data) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		// Comment-only files decode to EOF.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return platformerrors.WrapWithContext(err, platformerrors.CodeInvalidConfig, "failed to parse config",
			map[string]interface{}{"path": path})
	}
	return nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	var problems []string
	if c.Cache.Dir == "" {
		problems = append(problems, "cache.dir cannot be empty")
	}
	if c.Cache.MemoryCapacity < 0 {
		problems = append(problems, fmt.Sprintf("cache.memory_capacity must be non-negative, got %d", c.Cache.MemoryCapacity))
	}
	if c.HTTP.Timeout < 0 {
		problems = append(problems, fmt.Sprintf("http.timeout must be non-negative, got %v", c.HTTP.Timeout))
	}
	if c.HTTP.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("http.concurrency must be at least 1, got %d", c.HTTP.Concurrency))
	}
	if _, err := logging.ParseLogLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	for i, o := range c.Origins {
		if o.Host == "" {
			problems = append(problems, fmt.Sprintf("origins[%d].host cannot be empty", i))
		}
		if o.Username != "" && o.Password == "" {
			problems = append(problems, fmt.Sprintf("origins[%d] has a username but no password", i))
		}
	}

	if len(problems) > 0 {
		return platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "invalid configuration"),
			"problems", problems)
	}
	return nil
}

// Logger builds the logger described by the Log section.
func (c *Config) Logger(out io.Writer) *logging.Logger {
	level, _ := logging.ParseLogLevel(c.Log.Level)
	return logging.NewLogger(logging.LogConfig{
		Level:  level,
		JSON:   c.Log.JSON,
		Output: out,
	})
}

// Options converts the config into loader options. Origin headers become
// header rules; origin credentials answer challenges from matching hosts,
// first match wins.
func (c *Config) Options() ([]imagecache.Option, error) {
	opts := []imagecache.Option{
		imagecache.WithCacheDir(c.Cache.Dir),
		imagecache.WithMemoryCapacity(c.Cache.MemoryCapacity),
		imagecache.WithUserAgent(c.HTTP.UserAgent),
	}
	if c.HTTP.InsecureTLS {
		opts = append(opts, imagecache.WithInsecureTLS())
	}

	var creds []originCredential
	for _, o := range c.Origins {
		if len(o.Headers) > 0 {
			opts = append(opts, imagecache.WithOriginHeaders(o.Host, o.Headers))
		}
		if o.Username == "" {
			continue
		}
		g, err := glob.Compile(o.Host, '.')
		if err != nil {
			return nil, platformerrors.WrapWithContext(err, platformerrors.CodeInvalidConfig, "invalid origin pattern",
				map[string]interface{}{"pattern": o.Host})
		}
		creds = append(creds, originCredential{match: g, cred: auth.Credential{Username: o.Username, Password: o.Password}})
	}

	if len(creds) > 0 {
		opts = append(opts, imagecache.WithCredentialFunc(func(_ context.Context, hostport string) (auth.Credential, error) {
			host := hostport
			if h, _, err := net.SplitHostPort(hostport); err == nil {
				host = h
			}
			for _, oc := range creds {
				if oc.match.Match(hostport) || oc.match.Match(host) {
					return oc.cred, nil
				}
			}
			return auth.EmptyCredential, nil
		}))
	}
	return opts, nil
}

type originCredential struct {
	match glob.Glob
	cred  auth.Credential
}
