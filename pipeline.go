package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jmgilman/go/fs/billy"

	"github.com/jmgilman/go/imagecache/internal/cache"
	"github.com/jmgilman/go/imagecache/internal/decode"
	"github.com/jmgilman/go/imagecache/internal/logging"
	"github.com/jmgilman/go/imagecache/internal/relay"
	"github.com/jmgilman/go/imagecache/internal/transport"
)

// maxAttempts bounds network attempts for a response that sniffs as markup.
const maxAttempts = 2

type events = relay.Listener[*Image]

// progress delivers size and byte counts for one attempt. Byte counts seen
// before the size is known are held back so listeners always see the size
// first.
type progress struct {
	ev      events
	src     any
	sized   bool
	pending int64
}

func newProgress(ev events, src any) *progress {
	return &progress{ev: ev, src: src}
}

func (p *progress) bytes(n int64) {
	if !p.sized {
		p.pending = n
		return
	}
	p.ev.BytesRead(p.src, n)
}

func (p *progress) size(width, height int, total int64) {
	p.sized = true
	p.ev.SizeKnown(p.src, width, height, total)
	if p.pending > 0 {
		p.ev.BytesRead(p.src, p.pending)
		p.pending = 0
	}
}

// load reads and decodes s. When file is set, the disk cache file is tried
// first. It returns the image and the permanent cache file now backing it.
func (ld *Loader) load(ctx context.Context, s *Source, file string, ev events, logger *logging.Logger) (*Image, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	if s.Resource != nil {
		s.Resource.HoldChanges()
		defer s.Resource.ReleaseChanges()
	}

	start := time.Now()
	if file != "" {
		logging.LogFetchStart(ctx, logger, file, true)
		img, err := ld.loadCacheFile(ctx, s, file, ev, logger)
		logging.LogFetchDone(ctx, logger, file, imageSize(img), time.Since(start), err)
		if err == nil {
			ld.metrics.RecordFetchLatency(time.Since(start))
			ld.recordImage(ctx, s, img, logger)
			return img, file, nil
		}
		if ctx.Err() != nil {
			return nil, "", err
		}

		logger.Warn(ctx, "cache file unusable, loading from source", "file", file, "error", err)
		if rmErr := ld.disk.Remove(file); rmErr != nil {
			logger.Warn(ctx, "failed to remove cache file", "file", file, "error", rmErr)
		}
		start = time.Now()
	}

	logging.LogFetchStart(ctx, logger, s.String(), false)

	var (
		img  *Image
		path string
		err  error
	)
	switch {
	case s.URL != nil:
		img, path, err = ld.loadNetwork(ctx, s, ev, logger)
	case s.Path != "":
		img, err = ld.loadLocal(ctx, s, ev, logger)
	case s.Stream != nil:
		img, err = ld.loadStream(ctx, s, ev, logger)
	default:
		err = fmt.Errorf("%w: nothing to read", ErrInvalidSource)
	}

	logging.LogFetchDone(ctx, logger, s.String(), imageSize(img), time.Since(start), err)
	if err != nil {
		return nil, "", err
	}

	ld.metrics.RecordFetchLatency(time.Since(start))
	ld.recordImage(ctx, s, img, logger)
	return img, path, nil
}

func imageSize(img *Image) int64 {
	if img == nil {
		return 0
	}
	return img.Size
}

// loadCacheFile decodes a permanent disk cache file.
func (ld *Loader) loadCacheFile(ctx context.Context, s *Source, file string, ev events, logger *logging.Logger) (*Image, error) {
	f, err := ld.disk.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	}
	size := info.Size()

	ld.metrics.RecordDiskRead(size)
	ld.setProperties(ctx, s, logger, map[string]string{
		PropContentSize: strconv.FormatInt(size, 10),
		PropContentAsOf: formatTime(info.ModTime()),
	})

	rs, closeFn, err := seekable(f, nil)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	img, err := ld.decode(ctx, rs, newProgress(ev, s.Original), func() int64 { return size }, logger)
	if err != nil {
		return nil, err
	}
	img.Size = size
	return img, nil
}

// loadLocal decodes a local file.
func (ld *Loader) loadLocal(ctx context.Context, s *Source, ev events, logger *logging.Logger) (*Image, error) {
	f, err := ld.opts.FS.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ImageError{Kind: KindNotFound, Source: s.String(), Detail: s.Path, Err: err}
		}
		return nil, fmt.Errorf("can't access %s: %w", s.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("can't access %s: %w", s.Path, err)
	}
	size := info.Size()

	ld.metrics.RecordDiskRead(size)
	ld.setProperties(ctx, s, logger, map[string]string{
		PropContentSize:     strconv.FormatInt(size, 10),
		PropContentModified: formatTime(info.ModTime()),
	})

	rs, closeFn, err := seekable(f, nil)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	img, err := ld.decode(ctx, rs, newProgress(ev, s.Original), func() int64 { return size }, logger)
	if err != nil {
		return nil, err
	}
	img.Size = size
	return img, nil
}

// loadStream decodes a caller supplied stream. Streams have no key and are
// never written to the disk cache.
func (ld *Loader) loadStream(ctx context.Context, s *Source, ev events, logger *logging.Logger) (*Image, error) {
	p := newProgress(ev, s.Original)
	rs, closeFn, err := seekable(s.Stream, p.bytes)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	sp, _ := rs.(*decode.Spool)

	img, err := ld.decode(ctx, rs, p, func() int64 { return -1 }, logger)
	if err != nil {
		return nil, err
	}
	if sp != nil {
		img.Size = sp.Length()
	}
	return img, nil
}

// loadNetwork fetches s.URL, retrying once when the response is a markup
// page instead of image data.
func (ld *Loader) loadNetwork(ctx context.Context, s *Source, ev events, logger *logging.Logger) (*Image, string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		img, file, err := ld.fetchOnce(ctx, s, ev, logger)
		if err == nil {
			return img, file, nil
		}
		if !errors.Is(err, decode.ErrMarkup) {
			return nil, "", err
		}
		lastErr = err
		logger.Warn(ctx, "response is markup, not image data", "attempt", attempt, "url", s.URL.Redacted())
	}
	return nil, "", lastErr
}

func (ld *Loader) fetchOnce(ctx context.Context, s *Source, ev events, logger *logging.Logger) (*Image, string, error) {
	resp, err := ld.client.Open(ctx, s.URL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	ld.recordResponse(ctx, s, resp, logger)

	backing, temp, closeBacking, err := ld.spoolFile(ctx, s, logger)
	if err != nil {
		return nil, "", err
	}
	keep := false
	defer func() {
		closeBacking()
		if temp != nil && !keep {
			_ = temp.Close()
			if err := ld.disk.Discard(temp); err != nil {
				logger.Warn(ctx, "failed to remove temporary cache file", "file", temp.Name, "error", err)
			}
		}
	}()

	p := newProgress(ev, s.Original)
	sp := decode.NewSpool(resp.Body, backing, p.bytes)

	head, err := sp.Head(decode.HeaderLength)
	if err != nil {
		return nil, "", err
	}
	if decode.LooksLikeMarkup(head) {
		return nil, "", decode.ErrMarkup
	}

	length := resp.ContentLength
	img, err := ld.decode(ctx, sp, p, func() int64 {
		if length >= 0 {
			return length
		}
		return sp.Length()
	}, logger)
	if err != nil {
		return nil, "", err
	}

	// The decoder may stop before EOF; the cache file needs every byte.
	drainErr := sp.Drain()
	img.Size = sp.Length()
	ld.metrics.RecordDownload(sp.Length())
	if drainErr != nil {
		logger.Warn(ctx, "download incomplete, not caching on disk", "error", drainErr)
		return img, "", nil
	}
	ld.setProperties(ctx, s, logger, map[string]string{PropContentDigest: sp.Digest().String()})

	if temp == nil {
		return img, "", nil
	}
	if err := temp.Close(); err != nil {
		logger.Warn(ctx, "failed to close temporary cache file", "file", temp.Name, "error", err)
		return img, "", nil
	}
	keep = true

	name, err := ld.disk.Promote(temp)
	if err != nil {
		logger.WithOperation(logging.OpPromote).Warn(ctx, "failed to promote cache file", "file", temp.Name, "error", err)
		return img, "", nil
	}
	return img, name, nil
}

// spoolFile returns the file a download is mirrored into: a temporary disk
// cache file when possible, otherwise memory.
func (ld *Loader) spoolFile(ctx context.Context, s *Source, logger *logging.Logger) (io.ReadWriteSeeker, *cache.TempFile, func(), error) {
	if s.Cacheable() {
		temp, err := ld.disk.CreateTemp(s.Key)
		if err == nil {
			if rws, ok := temp.File.(io.ReadWriteSeeker); ok {
				return rws, temp, func() {}, nil
			}
			_ = temp.Close()
			_ = ld.disk.Discard(temp)
			err = fmt.Errorf("cache file %q is not seekable", temp.Name)
		}
		logger.Warn(ctx, "failed to create cache file, buffering in memory", "error", err)
	}

	rws, closeFn, err := memoryFile()
	return rws, nil, closeFn, err
}

// decode runs the decoder registry over rs, reporting the size as soon as
// the header is read.
func (ld *Loader) decode(ctx context.Context, rs io.ReadSeeker, p *progress, size func() int64, logger *logging.Logger) (*Image, error) {
	res, err := ld.decoders.Decode(rs, func(w, h int, _ string) {
		p.size(w, h, size())
	})
	if res.Rescanned {
		logger.WithOperation(logging.OpDecode).Debug(ctx, "decoder registry rescanned",
			"found", res.Format != "")
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Image{
		Image:  res.Image,
		Width:  res.Width,
		Height: res.Height,
		Format: res.Format,
	}, nil
}

func (ld *Loader) recordResponse(ctx context.Context, s *Source, resp *transport.Response, logger *logging.Logger) {
	if s.Resource == nil {
		return
	}

	props := make(map[string]string)
	if resp.ContentLength >= 0 {
		props[PropContentSize] = strconv.FormatInt(resp.ContentLength, 10)
	}
	if resp.ContentType != "" {
		props[PropContentType] = resp.ContentType
	}
	if !resp.LastModified.IsZero() {
		props[PropContentModified] = formatTime(resp.LastModified)
	}
	asOf := resp.Date
	if asOf.IsZero() {
		asOf = time.Now()
	}
	props[PropContentAsOf] = formatTime(asOf)
	if !resp.Expires.IsZero() {
		props[PropURLExpires] = formatTime(resp.Expires)
	}
	ld.setProperties(ctx, s, logger, props)
}

// recordImage writes the decoded dimensions and cache state to the
// resource as one batch.
func (ld *Loader) recordImage(ctx context.Context, s *Source, img *Image, logger *logging.Logger) {
	if s.Resource == nil {
		return
	}

	s.Resource.HoldChanges()
	defer s.Resource.ReleaseChanges()

	ld.setProperties(ctx, s, logger, map[string]string{
		PropImageWidth:  strconv.Itoa(img.Width),
		PropImageHeight: strconv.Itoa(img.Height),
		PropImageFormat: img.Format,
	})
	s.Resource.SetCached(s.Cacheable())
}

// setProperties writes resource metadata. Failures are logged and never
// fail the load.
func (ld *Loader) setProperties(ctx context.Context, s *Source, logger *logging.Logger, props map[string]string) {
	if s.Resource == nil {
		return
	}
	for name, value := range props {
		if err := s.Resource.SetProperty(name, value); err != nil {
			logger.Warn(ctx, "failed to set resource property", "property", name, "error", err)
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// seekable returns a seekable view of r. Readers that cannot seek, or whose
// progress must be reported, are spooled through a memory file.
func seekable(r io.Reader, progress func(int64)) (io.ReadSeeker, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok && progress == nil {
		return rs, func() {}, nil
	}

	rws, closeFn, err := memoryFile()
	if err != nil {
		return nil, nil, err
	}
	return decode.NewSpool(r, rws, progress), closeFn, nil
}

// memoryFile creates a scratch file on a private in-memory filesystem.
func memoryFile() (io.ReadWriteSeeker, func(), error) {
	f, err := billy.NewMemory().OpenFile("/spool", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create memory spool: %w", err)
	}
	rws, ok := f.(io.ReadWriteSeeker)
	if !ok {
		_ = f.Close()
		return nil, nil, fmt.Errorf("memory spool is not seekable")
	}
	return rws, func() { _ = f.Close() }, nil
}
