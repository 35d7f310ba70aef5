package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/opencontainers/go-digest"

	"github.com/jmgilman/go/imagecache/internal/cache"
	"github.com/jmgilman/go/imagecache/internal/decode"
	"github.com/jmgilman/go/imagecache/internal/logging"
	"github.com/jmgilman/go/imagecache/internal/relay"
	"github.com/jmgilman/go/imagecache/internal/transport"
)

// ErrClosed is returned by operations on a closed Loader.
var ErrClosed = errors.New("loader is closed")

// MetricsSnapshot is a point-in-time copy of the loader counters.
type MetricsSnapshot = cache.MetricsSnapshot

// CacheFile describes a permanent file in the disk cache.
type CacheFile struct {
	Name    string
	Key     string
	Size    int64
	ModTime time.Time
}

// fetch is one asynchronous load. It owns the in-flight store entry for its
// key until it completes.
type fetch struct {
	id     string
	src    *Source
	file   string
	ctx    context.Context
	cancel context.CancelFunc
	relay  *relay.Relay[*Image]
	logger *logging.Logger
	done   chan struct{}
	err    error // set before done is closed
}

// Cancel implements cache.Task.
func (f *fetch) Cancel() { f.cancel() }

// Loader fetches, decodes and caches images. It is safe for concurrent use.
//
// Every cacheable source is fetched at most once at a time. Decoded images
// are kept in memory until the garbage collector reclaims them, and the
// encoded bytes are kept in a disk cache so a reclaimed image can be decoded
// again without a network request.
type Loader struct {
	opts     *Options
	logger   *logging.Logger
	disk     *cache.Disk
	store    *cache.Store[Image, *fetch]
	decoders *decode.Registry
	client   *transport.Client
	metrics  *cache.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closeMu orders fetch registration (wg.Add) before Close flips closed
	// and waits.
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// New creates a Loader.
//
// Example usage:
//
//	loader, err := imagecache.New(
//	    imagecache.WithCacheDir("/var/cache/images"),
//	    imagecache.WithMemoryCapacity(128),
//	)
//	if err != nil {
//	    return err
//	}
//	defer loader.Close()
func New(opts ...Option) (*Loader, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.FS == nil {
		options.FS = billy.NewLocal()
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}

	if err := validateOptions(options); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid loader options")
	}

	disk, err := cache.NewDisk(options.FS, options.CacheDir)
	if err != nil {
		return nil, platformerrors.WrapWithContext(err, platformerrors.CodeInternal, "failed to open disk cache",
			map[string]interface{}{"dir": options.CacheDir})
	}

	decoders := decode.DefaultRegistry()
	for _, s := range options.Scanners {
		decoders.AddScanner(s)
	}
	for _, f := range options.Decoders {
		if err := decoders.Register(f); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid decoder")
		}
	}

	metrics := cache.NewMetrics()
	client, err := transport.New(transport.Options{
		Transport:      options.Transport,
		InsecureTLS:    options.InsecureTLS,
		UserAgent:      options.UserAgent,
		StaticHost:     options.StaticHost,
		StaticUsername: options.StaticUsername,
		StaticPassword: options.StaticPassword,
		CredentialFunc: options.CredentialFunc,
		HeaderRules:    options.HeaderRules,
		Session:        options.Session,
		OnRequest:      func(*url.URL) { metrics.RecordNetworkRequest() },
	})
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore[Image, *fetch](options.MemoryCapacity, disk.Readable, metrics.RecordEviction)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to create memory cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		opts:     options,
		logger:   options.Logger,
		disk:     disk,
		store:    store,
		decoders: decoders,
		client:   client,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// GetImage returns the image for src.
//
// With a listener, a cached image is delivered to l.ImageReady before
// GetImage returns it. For other cacheable sources GetImage does not block on
// I/O: it returns (nil, nil) and l receives the load events later. Sources
// that cannot be cached, such as streams, are loaded on the caller's
// goroutine: l receives every event before GetImage returns, the image is
// returned as well, and a failure is reported to l only.
//
// Without a listener, GetImage blocks until the image is loaded, joining a
// running load for the same source if there is one. It returns (nil, nil)
// if the joined load succeeded but its image was reclaimed before it could
// be read, and an *ImageError if the load failed.
func (ld *Loader) GetImage(ctx context.Context, src any, l Listener) (*Image, error) {
	if ld.closed.Load() {
		return nil, ErrClosed
	}

	s, err := NewSource(src)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid image source")
	}

	if s.Kind == SourceImage {
		if l != nil {
			l.ImageReady(s.Original, s.Image, s.Image.Width, s.Image.Height)
		}
		return s.Image, nil
	}

	logger := ld.logger.WithKey(s.Key.String())

	var start func(file string) *fetch
	if l != nil {
		start = func(file string) *fetch { return ld.newFetch(s, file) }
	}

	ld.closeMu.RLock()
	if ld.closed.Load() {
		ld.closeMu.RUnlock()
		return nil, ErrClosed
	}
	d := ld.store.Decide(s.Key, start)
	ld.closeMu.RUnlock()

	switch d.Outcome {
	case cache.Cached:
		ld.metrics.RecordHit()
		logging.LogCacheHit(ctx, logger, s.Key.String())
		if l != nil {
			l.ImageReady(s.Original, d.Image, d.Image.Width, d.Image.Height)
		}
		return d.Image, nil

	case cache.Joined:
		ld.metrics.RecordJoin()
		logger.Debug(ctx, "joining running fetch", "fetch_id", d.Fetch.id)
		if l != nil {
			d.Fetch.relay.Add(l)
			return nil, nil
		}
		return ld.wait(ctx, s, d.Fetch, logger)

	case cache.Started:
		ld.metrics.RecordMiss()
		ld.metrics.RecordFetchStarted()
		logging.LogCacheMiss(ctx, logger, s.Key.String(), missReason(d.File))
		d.Fetch.relay.Add(l)
		go ld.run(d.Fetch)
		return nil, nil

	default:
		ld.metrics.RecordMiss()
		ld.metrics.RecordSyncLoad()
		logging.LogCacheMiss(ctx, logger, s.Key.String(), missReason(d.File))
		return ld.loadSync(ctx, s, d.File, l, logger)
	}
}

func missReason(file string) string {
	if file != "" {
		return "reclaimed, reading cache file"
	}
	return "not cached"
}

// newFetch is called under the store lock and must not block.
func (ld *Loader) newFetch(s *Source, file string) *fetch {
	ctx, cancel := context.WithCancel(ld.ctx)
	id := uuid.NewString()
	logger := ld.logger.WithFetch(id).WithKey(s.Key.String())

	ld.wg.Add(1)
	return &fetch{
		id:     id,
		src:    s,
		file:   file,
		ctx:    ctx,
		cancel: cancel,
		relay:  relay.New[*Image](s.Original, logger),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// run executes f on its own goroutine.
func (ld *Loader) run(f *fetch) {
	defer ld.wg.Done()
	defer close(f.done)
	defer f.cancel()

	img, file, err := ld.load(f.ctx, f.src, f.file, f.relay, f.logger)
	if err != nil {
		ie := ld.fail(f.ctx, f.src, err, f.logger)
		ld.store.Release(f.src.Key, f)
		f.err = ie
		f.relay.ImageError(f.src.Original, ie)
		return
	}

	if !ld.store.Complete(f.src.Key, f, img, file) {
		f.logger.Warn(f.ctx, "fetch result discarded, key owned by another fetch")
	}
	f.relay.ImageReady(f.src.Original, img, img.Width, img.Height)
}

// wait blocks until f finishes and then reads the result from the store.
func (ld *Loader) wait(ctx context.Context, s *Source, f *fetch, logger *logging.Logger) (*Image, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, classify(ctx.Err(), s)
	}

	if f.err != nil {
		return nil, f.err
	}

	snap, ok := ld.store.Get(s.Key)
	if ok && snap.Image != nil {
		return snap.Image, nil
	}
	logging.LogReclaim(ctx, logger, 1, "reclaimed before the joined caller read it")
	return nil, nil
}

// loadSync runs the pipeline on the caller's goroutine. A listener is only
// present here for uncacheable sources; it receives every event and the
// error is not returned.
func (ld *Loader) loadSync(ctx context.Context, s *Source, file string, l Listener, logger *logging.Logger) (*Image, error) {
	var ev events = discard{}
	if l != nil {
		ev = l
	}

	img, path, err := ld.load(ctx, s, file, ev, logger)
	if err != nil {
		ie := ld.fail(ctx, s, err, logger)
		ld.store.Release(s.Key, nil)
		if l != nil {
			l.ImageError(s.Original, ie)
			return nil, nil
		}
		return nil, ie
	}

	ld.store.Complete(s.Key, nil, img, path)
	if l != nil {
		l.ImageReady(s.Original, img, img.Width, img.Height)
	}
	return img, nil
}

func (ld *Loader) fail(ctx context.Context, s *Source, err error, logger *logging.Logger) *ImageError {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	ie := classify(err, s)
	ld.metrics.RecordError(ie.Kind.String())
	logger.Debug(ctx, "image load failed", "kind", ie.Kind.String(), "error", err)
	return ie
}

// Cached returns the decoded image for src if it is in memory. It never
// loads anything.
func (ld *Loader) Cached(src any) (*Image, bool) {
	s, err := NewSource(src)
	if err != nil || !s.Cacheable() {
		return nil, false
	}
	snap, ok := ld.store.Get(s.Key)
	if !ok || snap.Image == nil {
		return nil, false
	}
	return snap.Image, true
}

// Reload registers every permanent disk cache file as a cached entry whose
// image is decoded on first use. Temporary files are ignored. It returns the
// number of entries added.
func (ld *Loader) Reload(ctx context.Context) (int, error) {
	start := time.Now()
	items, err := ld.disk.List(ctx)
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to reload disk cache")
	}

	added := 0
	for _, item := range items {
		if ld.store.PutFile(item.Key, item.Name) {
			added++
		}
	}

	ld.logger.WithOperation(logging.OpReload).Info(ctx, "disk cache reloaded",
		"files", len(items),
		"entries_added", added,
		"duration_ms", time.Since(start).Milliseconds())
	return added, nil
}

// Clear drops every decoded image and cancels running loads without waiting
// for them. Entries backed by a disk cache file are kept and decoded again
// on next use.
func (ld *Loader) Clear() {
	stats := ld.store.Clear()
	ld.metrics.RecordRelease(stats.Released)
	ld.logger.WithOperation(logging.OpClear).Info(context.Background(), "cache cleared",
		"released", stats.Released,
		"removed", stats.Removed,
		"cancelled", stats.Cancelled)
}

// Trim releases the strong references that keep recently used images in
// memory, leaving them to the garbage collector. Call it under memory
// pressure. It returns the number of references released.
func (ld *Loader) Trim() int {
	n := ld.store.Trim()
	ld.metrics.RecordTrim(n)
	logging.LogReclaim(context.Background(), ld.logger, n, "trim")
	return n
}

// CleanupTemp removes temporary cache files left by abandoned loads.
func (ld *Loader) CleanupTemp(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := ld.disk.CleanupTemp(ctx)
	if err != nil {
		return n, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to clean up temporary files")
	}
	logging.LogCleanup(ctx, ld.logger, logging.OpCleanup, n, time.Since(start))
	return n, nil
}

// Purge clears memory and removes every idle file from the disk cache.
func (ld *Loader) Purge(ctx context.Context) (int, error) {
	start := time.Now()
	ld.Clear()
	n, err := ld.disk.Purge(ctx)
	if err != nil {
		return n, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to purge disk cache")
	}
	logging.LogCleanup(ctx, ld.logger, logging.OpClear, n, time.Since(start))
	return n, nil
}

// Files lists the permanent disk cache files.
func (ld *Loader) Files(ctx context.Context) ([]CacheFile, error) {
	items, err := ld.disk.List(ctx)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to list disk cache")
	}

	files := make([]CacheFile, len(items))
	for i, item := range items {
		files[i] = CacheFile{Name: item.Name, Key: item.Key.String(), Size: item.Size, ModTime: item.ModTime}
	}
	return files, nil
}

// DiskSize returns the total size of the disk cache directory.
func (ld *Loader) DiskSize(ctx context.Context) (int64, error) {
	return ld.disk.Size(ctx)
}

// Digest returns the digest of the disk cache file for src.
func (ld *Loader) Digest(ctx context.Context, src any) (digest.Digest, error) {
	s, err := NewSource(src)
	if err != nil {
		return "", platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid image source")
	}
	if !s.Cacheable() {
		return "", platformerrors.New(platformerrors.CodeInvalidInput, "source is not cacheable")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := ld.disk.Open(s.Key.FileName())
	if err != nil {
		return "", platformerrors.Wrap(err, platformerrors.CodeNotFound, "no cache file")
	}
	defer f.Close()

	d, err := digest.FromReader(f)
	if err != nil {
		return "", platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to digest cache file")
	}
	return d, nil
}

// CacheFileName returns the disk cache file name for src.
func (ld *Loader) CacheFileName(src any) (string, bool) {
	s, err := NewSource(src)
	if err != nil || !s.Cacheable() {
		return "", false
	}
	return s.Key.FileName(), true
}

// Entries returns the number of cache entries, in flight or completed.
func (ld *Loader) Entries() int {
	return ld.store.Len()
}

// Metrics returns a snapshot of the loader counters.
func (ld *Loader) Metrics() MetricsSnapshot {
	snap := ld.metrics.Snapshot()
	snap.Retained = ld.store.Retained()
	return snap
}

// Close cancels running loads and waits for them to finish.
func (ld *Loader) Close() error {
	ld.closeMu.Lock()
	if !ld.closed.CompareAndSwap(false, true) {
		ld.closeMu.Unlock()
		return nil
	}
	ld.closeMu.Unlock()

	ld.store.Clear()
	ld.cancel()
	ld.wg.Wait()
	return nil
}
