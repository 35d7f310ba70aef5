package decode

import (
	_ "crypto/sha256" // registers sha256 for go-digest
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

const spoolChunk = 32 * 1024

// Spool is a seekable reader over a one-shot source. Bytes are copied from
// the source into a backing file on demand, so earlier regions can be read
// again after seeking. Every chunk copied is reported to a progress callback
// and folded into a running sha256 digest.
//
// A source read that returns no data and no error is treated as "still
// loading": the spool simply asks again until data, EOF or an error arrives.
type Spool struct {
	src      io.Reader
	file     io.ReadWriteSeeker
	progress func(total int64)
	digester digest.Digester

	length int64 // bytes copied into file
	pos    int64 // read offset
	eof    bool
	srcErr error
	buf    []byte
}

// NewSpool creates a spool copying src into file. progress may be nil.
func NewSpool(src io.Reader, file io.ReadWriteSeeker, progress func(total int64)) *Spool {
	return &Spool{
		src:      src,
		file:     file,
		progress: progress,
		digester: digest.Canonical.Digester(),
		buf:      make([]byte, spoolChunk),
	}
}

// fill copies from the source until at least target bytes are buffered or
// the source is exhausted.
func (s *Spool) fill(target int64) error {
	for s.length < target && !s.eof {
		if s.srcErr != nil {
			return s.srcErr
		}

		n, err := s.src.Read(s.buf)
		if n > 0 {
			if _, serr := s.file.Seek(s.length, io.SeekStart); serr != nil {
				s.srcErr = fmt.Errorf("failed to seek spool file: %w", serr)
				return s.srcErr
			}
			if _, werr := s.file.Write(s.buf[:n]); werr != nil {
				s.srcErr = fmt.Errorf("failed to write spool file: %w", werr)
				return s.srcErr
			}
			_, _ = s.digester.Hash().Write(s.buf[:n])
			s.length += int64(n)
			if s.progress != nil {
				s.progress(s.length)
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
		case err != nil:
			s.srcErr = err
			return err
		}
	}
	return nil
}

// Read implements io.Reader.
func (s *Spool) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := s.fill(s.pos + int64(len(p))); err != nil && s.pos >= s.length {
		return 0, err
	}
	if s.pos >= s.length {
		return 0, io.EOF
	}

	want := int64(len(p))
	if avail := s.length - s.pos; avail < want {
		want = avail
	}
	if _, err := s.file.Seek(s.pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek spool file: %w", err)
	}
	n, err := io.ReadFull(s.file, p[:want])
	s.pos += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to read spool file: %w", err)
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking relative to the end drains the source.
func (s *Spool) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		if err := s.Drain(); err != nil {
			return s.pos, err
		}
		abs = s.length + offset
	default:
		return s.pos, fmt.Errorf("invalid whence %d", whence)
	}

	if abs < 0 {
		return s.pos, fmt.Errorf("negative position %d", abs)
	}
	s.pos = abs
	return abs, nil
}

// Head returns up to n leading bytes without moving the read offset.
func (s *Spool) Head(n int) ([]byte, error) {
	if err := s.fill(int64(n)); err != nil && s.length == 0 {
		return nil, err
	}

	size := int64(n)
	if s.length < size {
		size = s.length
	}
	head := make([]byte, size)
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek spool file: %w", err)
	}
	if _, err := io.ReadFull(s.file, head); err != nil {
		return nil, fmt.Errorf("failed to read spool file: %w", err)
	}
	return head, nil
}

// Drain copies the rest of the source into the backing file.
func (s *Spool) Drain() error {
	for !s.eof {
		if err := s.fill(s.length + spoolChunk); err != nil {
			return err
		}
	}
	return nil
}

// Length returns the number of bytes copied so far.
func (s *Spool) Length() int64 { return s.length }

// Complete reports whether the source has been fully read.
func (s *Spool) Complete() bool { return s.eof }

// Digest returns the digest of the bytes copied so far. It is the digest of
// the whole source once Complete reports true.
func (s *Spool) Digest() digest.Digest { return s.digester.Digest() }
