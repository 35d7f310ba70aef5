package resource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/imagecache"
)

var _ imagecache.Resource = (*Resource)(nil)

// TestSetProperty tests immediate commits outside a batch.
func TestSetProperty(t *testing.T) {
	r := New("https://example.com/a.png")
	assert.Equal(t, "https://example.com/a.png", r.Spec())

	var commits []map[string]string
	r.Observe(func(changed map[string]string) { commits = append(commits, changed) })

	require.NoError(t, r.SetProperty("Content.type", "image/png"))
	v, ok := r.Property("Content.type")
	assert.True(t, ok)
	assert.Equal(t, "image/png", v)
	assert.Len(t, commits, 1)

	assert.Error(t, r.SetProperty("  ", "x"))
	_, ok = r.Property("missing")
	assert.False(t, ok)
}

// TestHoldChanges tests that nested batches commit once.
func TestHoldChanges(t *testing.T) {
	r := New("/tmp/a.png")

	var commits []map[string]string
	r.Observe(func(changed map[string]string) { commits = append(commits, changed) })

	r.HoldChanges()
	require.NoError(t, r.SetProperty("Content.size", "10"))

	r.HoldChanges()
	require.NoError(t, r.SetProperty("image.width", "4"))
	r.ReleaseChanges()

	_, ok := r.Property("Content.size")
	assert.False(t, ok, "held writes must not be visible")
	assert.Empty(t, commits)

	r.ReleaseChanges()
	assert.Equal(t, map[string]string{"Content.size": "10", "image.width": "4"}, r.Properties())
	require.Len(t, commits, 1)
	assert.Equal(t, map[string]string{"Content.size": "10", "image.width": "4"}, commits[0])

	// Unbalanced release is ignored.
	r.ReleaseChanges()
	require.NoError(t, r.SetProperty("image.height", "2"))
	assert.Len(t, commits, 2)
}

// TestEmptyBatch tests that a batch without writes notifies nobody.
func TestEmptyBatch(t *testing.T) {
	r := New("/tmp/a.png")
	called := false
	r.Observe(func(map[string]string) { called = true })
	r.Observe(nil)

	r.HoldChanges()
	r.ReleaseChanges()
	assert.False(t, called)
}

// TestSetCached tests the cached flag.
func TestSetCached(t *testing.T) {
	r := New("/tmp/a.png")
	assert.False(t, r.Cached())
	r.SetCached(true)
	assert.True(t, r.Cached())
	assert.Equal(t, "/tmp/a.png", r.String())
}

// TestConcurrentWrites tests that concurrent batches do not lose writes.
func TestConcurrentWrites(t *testing.T) {
	r := New("/tmp/a.png")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.HoldChanges()
			defer r.ReleaseChanges()
			_ = r.SetProperty(string(rune('a'+i)), "x")
		}()
	}
	wg.Wait()

	assert.Len(t, r.Properties(), 20)
}
