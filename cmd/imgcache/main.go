// Command imgcache fetches images into the disk cache and inspects it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/caarlos0/env/v11"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/imagecache"
	"github.com/jmgilman/go/imagecache/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// CLI is the top-level command structure for imgcache.
type CLI struct {
	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Config   string           `help:"Path to the config file." short:"c" default:"imgcache.yaml" type:"path"`
	CacheDir string           `help:"Override the cache directory." type:"path"`
	Verbose  bool             `help:"Enable debug logging." short:"v"`

	Fetch FetchCmd `cmd:"" help:"Fetch images into the cache."`
	List  ListCmd  `cmd:"" help:"List cached files."`
	Clean CleanCmd `cmd:"" help:"Remove abandoned temporary files, or everything with --all."`
	Info  InfoCmd  `cmd:"" help:"Show details about one image."`
}

// app is bound into every command's Run method.
type app struct {
	cfg    *config.Config
	loader *imagecache.Loader
	stdout io.Writer
	stderr io.Writer
}

func newApp(ctx context.Context, cli *CLI, stdout, stderr io.Writer, environ map[string]string) (*app, error) {
	cfg, err := config.Load(cli.Config, environ)
	if err != nil {
		return nil, err
	}
	if cli.CacheDir != "" {
		cfg.Cache.Dir = cli.CacheDir
	}
	if cli.Verbose {
		cfg.Log.Level = "debug"
	}

	// The local filesystem is rooted at "/".
	dir, err := filepath.Abs(cfg.Cache.Dir)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid cache directory")
	}
	cfg.Cache.Dir = dir

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, imagecache.WithLogger(cfg.Logger(stderr)))

	loader, err := imagecache.New(opts...)
	if err != nil {
		return nil, err
	}
	if _, err := loader.Reload(ctx); err != nil {
		_ = loader.Close()
		return nil, err
	}
	return &app{cfg: cfg, loader: loader, stdout: stdout, stderr: stderr}, nil
}

func (a *app) Close() error {
	return a.loader.Close()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, environ map[string]string) error {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("imgcache"),
		kong.Description("Image fetcher with a persistent disk cache."),
		kong.Vars{"version": version + " " + commit},
		kong.Writers(stdout, stderr),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		return err
	}

	kctx, err := k.Parse(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &cli, stdout, stderr, environ)
	if err != nil {
		return err
	}
	defer a.Close()

	return kctx.Run(a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, env.ToMap(os.Environ()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error codes to process exit statuses.
func exitCode(err error) int {
	var parseErr *kong.ParseError
	switch {
	case errors.As(err, &parseErr):
		return 2
	case platformerrors.GetCode(err) == platformerrors.CodeInvalidConfig:
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
