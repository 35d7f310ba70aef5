package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/imagecache"
)

// FetchCmd loads images concurrently.
type FetchCmd struct {
	Sources   []string `arg:"" help:"Paths or URLs to fetch." name:"source"`
	Progress  bool     `help:"Report download progress."`
	KeepGoing bool     `help:"Continue after a failed fetch." short:"k"`
	Stats     bool     `help:"Print cache statistics when done."`
}

// Run executes the fetch command.
func (c *FetchCmd) Run(ctx context.Context, a *app) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.HTTP.Concurrency)

	var (
		mu     sync.Mutex
		failed atomic.Int32
	)
	for _, src := range c.Sources {
		g.Go(func() error {
			fctx := gctx
			if a.cfg.HTTP.Timeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(gctx, a.cfg.HTTP.Timeout)
				defer cancel()
			}

			var report func(read, total int64)
			if c.Progress {
				report = func(read, total int64) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(a.stderr, "%s: %s of %s\n", src, humanize.Bytes(uint64(read)), humanize.Bytes(uint64(total)))
				}
			}

			start := time.Now()
			img, err := fetch(fctx, a.loader, src, report)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Add(1)
				fmt.Fprintf(a.stdout, "FAIL\t%s\t%s\n", src, err)
				if c.KeepGoing {
					return nil
				}
				return fmt.Errorf("%s: %w", src, err)
			}
			fmt.Fprintf(a.stdout, "OK\t%s\t%dx%d %s\t%s\t%s\n", src, img.Width, img.Height, img.Format,
				humanize.Bytes(uint64(img.Size)), time.Since(start).Round(time.Millisecond))
			return nil
		})
	}

	err := g.Wait()
	if c.Stats {
		printStats(a, a.loader.Metrics())
	}
	if err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d fetches failed", n, len(c.Sources))
	}
	return nil
}

// fetch loads src through a listener so progress can be reported, and waits
// for the result.
func fetch(ctx context.Context, ld *imagecache.Loader, src string, report func(read, total int64)) (*imagecache.Image, error) {
	type result struct {
		img *imagecache.Image
		err error
	}
	done := make(chan result, 1)

	var (
		total    atomic.Int64
		reported atomic.Int64
	)
	l := &imagecache.ListenerFuncs{
		OnSize: func(_ any, _, _ int, size int64) { total.Store(size) },
		OnBytes: func(_ any, n int64) {
			if report == nil {
				return
			}
			// Report at most once per quarter of a known size.
			t := total.Load()
			if t <= 0 {
				return
			}
			q := n * 4 / t
			if q > reported.Load() {
				reported.Store(q)
				report(n, t)
			}
		},
		OnReady: func(_ any, img *imagecache.Image, _, _ int) {
			select {
			case done <- result{img: img}:
			default:
			}
		},
		OnError: func(_ any, err error) {
			select {
			case done <- result{err: err}:
			default:
			}
		},
	}

	img, err := ld.GetImage(ctx, src, l)
	if err != nil {
		return nil, err
	}
	if img != nil {
		return img, nil
	}

	select {
	case r := <-done:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printStats(a *app, m imagecache.MetricsSnapshot) {
	fmt.Fprintf(a.stderr, "hits %d, misses %d, joins %d (hit rate %.0f%%)\n", m.Hits, m.Misses, m.Joins, m.HitRate*100)
	fmt.Fprintf(a.stderr, "network requests %d, downloaded %s, read from disk %s\n",
		m.NetworkRequests, humanize.Bytes(uint64(m.BytesDownloaded)), humanize.Bytes(uint64(m.BytesFromDisk)))
	fmt.Fprintf(a.stderr, "images retained %d, evicted %d\n", m.Retained, m.Evictions)
	for kind, n := range m.Errors {
		fmt.Fprintf(a.stderr, "errors %s: %d\n", kind, n)
	}
}

// ListCmd lists the permanent disk cache files.
type ListCmd struct{}

// Run executes the list command.
func (c *ListCmd) Run(ctx context.Context, a *app) error {
	files, err := a.loader.Files(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	var total int64
	for _, f := range files {
		total += f.Size
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Key, humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%d files, %s\n", len(files), humanize.Bytes(uint64(total)))
	return nil
}

// CleanCmd removes files from the disk cache.
type CleanCmd struct {
	All bool `help:"Remove every cached file, not just abandoned temporary files."`
}

// Run executes the clean command.
func (c *CleanCmd) Run(ctx context.Context, a *app) error {
	var (
		n   int
		err error
	)
	if c.All {
		n, err = a.loader.Purge(ctx)
	} else {
		n, err = a.loader.CleanupTemp(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "removed %d files\n", n)
	return nil
}

// InfoCmd loads one image and prints what the cache knows about it.
type InfoCmd struct {
	Source string `arg:"" help:"Path or URL of the image."`
}

// Run executes the info command.
func (c *InfoCmd) Run(ctx context.Context, a *app) error {
	s, err := imagecache.NewSource(c.Source)
	if err != nil {
		return err
	}

	img, err := a.loader.GetImage(ctx, s, nil)
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("%s: image was reclaimed before it could be read", c.Source)
	}

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "source\t%s\n", s)
	fmt.Fprintf(w, "kind\t%s\n", s.Kind)
	fmt.Fprintf(w, "key\t%s\n", s.Key)
	if name, ok := a.loader.CacheFileName(s); ok {
		fmt.Fprintf(w, "file\t%s\n", name)
	}
	fmt.Fprintf(w, "size\t%dx%d\n", img.Width, img.Height)
	fmt.Fprintf(w, "format\t%s\n", img.Format)
	fmt.Fprintf(w, "bytes\t%s\n", humanize.Bytes(uint64(img.Size)))
	if d, err := a.loader.Digest(ctx, s); err == nil {
		fmt.Fprintf(w, "digest\t%s\n", d)
	}
	return w.Flush()
}
