package cache

import (
	"context"
	_ "crypto/sha256" // registers sha256 for go-digest
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
	"github.com/opencontainers/go-digest"

	"github.com/jmgilman/go/imagecache/internal/key"
	"github.com/jmgilman/go/imagecache/internal/validate"
)

// Disk manages the persistent byte cache: one flat directory of files named
// by the encoded cache key. Files being written carry the temporary marker
// and are renamed to their permanent name only when the fetch succeeds.
type Disk struct {
	fs        core.FS
	root      string
	validator *validate.NameValidator
	targets   *validate.NameValidator // leaves room for the temp marker

	mu     sync.Mutex
	active map[string]struct{} // temp names currently being written
}

// TempFile is a cache file being written by a fetch.
type TempFile struct {
	core.File

	// Name is the temporary file name inside the cache directory.
	Name string
	// Target is the permanent name the file is promoted to, or empty when
	// the key cannot be represented as a file name and the bytes are only
	// kept for the duration of the fetch.
	Target string
}

// Item describes a permanent cache file.
type Item struct {
	Name    string
	Key     key.Key
	Size    int64
	ModTime time.Time
}

// NewDisk creates the disk cache rooted at root on fsys, creating the
// directory if needed.
func NewDisk(fsys core.FS, root string) (*Disk, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Disk{
		fs:        fsys,
		root:      root,
		validator: validate.NewNameValidator(),
		targets:   &validate.NameValidator{MaxLength: validate.DefaultMaxNameLength - len(key.TempMarker)},
		active:    make(map[string]struct{}),
	}, nil
}

// Root returns the cache directory.
func (d *Disk) Root() string { return d.root }

// Path returns the full path of a cache file name.
func (d *Disk) Path(name string) string {
	return path.Join(d.root, name)
}

// CreateTemp creates a temporary cache file for k. If another fetch in this
// process is already writing the canonical temporary name, a unique name is
// used instead so the two writers never share a file.
func (d *Disk) CreateTemp(k key.Key) (*TempFile, error) {
	target := k.FileName()
	if err := d.targets.Validate(target); err != nil {
		// Unrepresentable keys still spool to disk, they just never persist.
		target = ""
	}

	name := key.TempMarker + digest.FromString(k.String()).Encoded()
	if target != "" {
		name = k.TempFileName()
	}

	d.mu.Lock()
	if _, busy := d.active[name]; busy {
		name = key.TempMarker + uuid.NewString()
	}
	d.active[name] = struct{}{}
	d.mu.Unlock()

	f, err := d.fs.OpenFile(d.Path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		d.release(name)
		return nil, fmt.Errorf("failed to create temp file %q: %w", name, err)
	}

	return &TempFile{File: f, Name: name, Target: target}, nil
}

func (d *Disk) release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, name)
}

// Promote renames a closed temporary file to its permanent name and returns
// that name. A file without a target is removed and "" is returned.
func (d *Disk) Promote(t *TempFile) (string, error) {
	defer d.release(t.Name)

	if t.Target == "" {
		if err := d.remove(t.Name); err != nil {
			return "", err
		}
		return "", nil
	}

	dest := d.Path(t.Target)
	if exists, err := d.fs.Exists(dest); err == nil && exists {
		if err := d.fs.Remove(dest); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to replace %q: %w", t.Target, err)
		}
	}

	if err := d.fs.Rename(d.Path(t.Name), dest); err != nil {
		_ = d.remove(t.Name)
		return "", fmt.Errorf("failed to promote %q: %w", t.Name, err)
	}
	return t.Target, nil
}

// Discard removes a temporary file after a failed fetch.
func (d *Disk) Discard(t *TempFile) error {
	defer d.release(t.Name)
	return d.remove(t.Name)
}

// Remove deletes a permanent cache file.
func (d *Disk) Remove(name string) error {
	return d.remove(name)
}

func (d *Disk) remove(name string) error {
	if err := d.fs.Remove(d.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", name, err)
	}
	return nil
}

// Readable reports whether the named cache file exists and can be opened.
func (d *Disk) Readable(name string) bool {
	if name == "" {
		return false
	}
	f, err := d.fs.Open(d.Path(name))
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// Open opens a permanent cache file for reading.
func (d *Disk) Open(name string) (fs.File, error) {
	f, err := d.fs.Open(d.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file %q: %w", name, err)
	}
	return f, nil
}

// List returns every permanent cache file whose name decodes to a key.
// Temporary files and unrecognized names are skipped.
func (d *Disk) List(ctx context.Context) ([]Item, error) {
	entries, err := d.readDir(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || key.IsTemp(entry.Name()) {
			continue
		}
		if err := d.validator.Validate(entry.Name()); err != nil {
			continue
		}
		k, err := key.FromFileName(entry.Name())
		if err != nil {
			continue
		}

		item := Item{Name: entry.Name(), Key: k}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
			item.ModTime = info.ModTime()
		}
		items = append(items, item)
	}
	return items, nil
}

// CleanupTemp removes temporary files left behind by failed or abandoned
// fetches. Files currently being written are kept.
func (d *Disk) CleanupTemp(ctx context.Context) (int, error) {
	return d.removeWhere(ctx, func(name string) bool {
		if !key.IsTemp(name) {
			return false
		}
		d.mu.Lock()
		_, busy := d.active[name]
		d.mu.Unlock()
		return !busy
	})
}

// Purge removes every permanent and idle temporary file.
func (d *Disk) Purge(ctx context.Context) (int, error) {
	return d.removeWhere(ctx, func(name string) bool {
		d.mu.Lock()
		_, busy := d.active[name]
		d.mu.Unlock()
		return !busy
	})
}

func (d *Disk) removeWhere(ctx context.Context, match func(name string) bool) (int, error) {
	entries, err := d.readDir(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("context cancelled: %w", err)
		}
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		if err := d.remove(entry.Name()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Size returns the total size of all files in the cache directory.
func (d *Disk) Size(ctx context.Context) (int64, error) {
	entries, err := d.readDir(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("failed to stat %q: %w", entry.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

func (d *Disk) readDir(ctx context.Context) ([]fs.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	entries, err := d.fs.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory %q: %w", d.root, err)
	}
	return entries, nil
}
