package cache

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/imagecache/internal/key"
)

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := NewDisk(billy.NewMemory(), "/cache")
	require.NoError(t, err)
	return d
}

func writeTemp(t *testing.T, d *Disk, k key.Key, data string) *TempFile {
	t.Helper()
	tmp, err := d.CreateTemp(k)
	require.NoError(t, err)
	_, err = tmp.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return tmp
}

// TestNewDisk tests argument validation.
func TestNewDisk(t *testing.T) {
	_, err := NewDisk(nil, "/cache")
	assert.Error(t, err)

	_, err = NewDisk(billy.NewMemory(), "")
	assert.Error(t, err)

	fsys := billy.NewMemory()
	d, err := NewDisk(fsys, "/var/cache/images")
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/images", d.Root())

	exists, err := fsys.Exists("/var/cache/images")
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestDiskPromote tests the temporary to permanent transition.
func TestDiskPromote(t *testing.T) {
	d := newTestDisk(t)
	k := key.Key("http://example.com/a.png?size=1")

	tmp := writeTemp(t, d, k, "bytes")
	assert.Equal(t, k.TempFileName(), tmp.Name)
	assert.Equal(t, k.FileName(), tmp.Target)
	assert.False(t, d.Readable(k.FileName()))

	name, err := d.Promote(tmp)
	require.NoError(t, err)
	assert.Equal(t, k.FileName(), name)
	assert.True(t, d.Readable(name))
	assert.False(t, d.Readable(tmp.Name))

	f, err := d.Open(name)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "bytes", string(data))
}

// TestDiskPromoteReplaces tests that a stale permanent file is replaced.
func TestDiskPromoteReplaces(t *testing.T) {
	d := newTestDisk(t)
	k := key.Key("http://example.com/a.png")

	_, err := d.Promote(writeTemp(t, d, k, "old"))
	require.NoError(t, err)
	name, err := d.Promote(writeTemp(t, d, k, "new"))
	require.NoError(t, err)

	data, err := d.fs.ReadFile(d.Path(name))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

// TestDiskConcurrentTemp tests that two writers for one key get distinct files.
func TestDiskConcurrentTemp(t *testing.T) {
	d := newTestDisk(t)
	k := key.Key("http://example.com/a.png")

	first, err := d.CreateTemp(k)
	require.NoError(t, err)
	second, err := d.CreateTemp(k)
	require.NoError(t, err)

	assert.NotEqual(t, first.Name, second.Name)
	assert.True(t, key.IsTemp(second.Name))
	assert.Equal(t, first.Target, second.Target)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	require.NoError(t, d.Discard(first))
	require.NoError(t, d.Discard(second))
}

// TestDiskUnrepresentableKey tests keys too long to be file names.
func TestDiskUnrepresentableKey(t *testing.T) {
	d := newTestDisk(t)
	k := key.Key("http://example.com/" + strings.Repeat("x", 300))

	tmp := writeTemp(t, d, k, "data")
	assert.Empty(t, tmp.Target)
	assert.True(t, key.IsTemp(tmp.Name))

	name, err := d.Promote(tmp)
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.False(t, d.Readable(tmp.Name))
}

// TestDiskListAndCleanup tests reload listing and temp cleanup.
func TestDiskListAndCleanup(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t)

	keys := []key.Key{
		"file:///tmp/a.png",
		"http://example.com/b.png?x=1",
		"https://example.com/c.png#frag",
	}
	for _, k := range keys {
		_, err := d.Promote(writeTemp(t, d, k, string(k)))
		require.NoError(t, err)
	}

	// An abandoned fetch and a stray file that is not a cache key.
	abandoned := writeTemp(t, d, "http://example.com/abandoned.png", "partial")
	d.release(abandoned.Name)
	require.NoError(t, d.fs.WriteFile(d.Path("bad%zz"), []byte("x"), 0o644))

	// A fetch still being written must survive cleanup.
	active, err := d.CreateTemp("http://example.com/active.png")
	require.NoError(t, err)
	defer active.Close()

	items, err := d.List(ctx)
	require.NoError(t, err)
	got := make([]key.Key, 0, len(items))
	for _, item := range items {
		got = append(got, item.Key)
		assert.Equal(t, int64(len(item.Key)), item.Size)
	}
	assert.ElementsMatch(t, keys, got)

	removed, err := d.CleanupTemp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, d.Readable(abandoned.Name))
	assert.True(t, d.Readable(active.Name))

	size, err := d.Size(ctx)
	require.NoError(t, err)
	assert.Positive(t, size)
}

// TestDiskPurge tests removal of everything that is not being written.
func TestDiskPurge(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t)

	_, err := d.Promote(writeTemp(t, d, "http://example.com/a.png", "a"))
	require.NoError(t, err)
	_, err = d.Promote(writeTemp(t, d, "http://example.com/b.png", "b"))
	require.NoError(t, err)

	removed, err := d.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	items, err := d.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// TestDiskCancelledContext tests that directory scans honor cancellation.
func TestDiskCancelledContext(t *testing.T) {
	d := newTestDisk(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.List(ctx)
	assert.Error(t, err)
	_, err = d.CleanupTemp(ctx)
	assert.Error(t, err)
}
