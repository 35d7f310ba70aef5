package cache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/imagecache/internal/key"
)

type testImage struct {
	pixels []byte
}

type testFetch struct {
	id        int
	cancelled atomic.Bool
}

func (f *testFetch) Cancel() { f.cancelled.Store(true) }

func newTestStore(t *testing.T, capacity int, readable func(string) bool) *Store[testImage, *testFetch] {
	t.Helper()
	s, err := NewStore[testImage, *testFetch](capacity, readable, nil)
	require.NoError(t, err)
	return s
}

const k1 = key.Key("http://example.com/a.png")

// TestDecideNoKey tests that uncacheable requests are always loaded synchronously.
func TestDecideNoKey(t *testing.T) {
	s := newTestStore(t, 4, nil)

	d := s.Decide(key.None, func(string) *testFetch { return &testFetch{} })
	assert.Equal(t, FetchNow, d.Outcome)
	assert.Equal(t, 0, s.Len())
}

// TestDecideStartAndJoin tests that only the first request starts a fetch.
func TestDecideStartAndJoin(t *testing.T) {
	s := newTestStore(t, 4, nil)
	started := 0
	start := func(string) *testFetch {
		started++
		return &testFetch{id: started}
	}

	first := s.Decide(k1, start)
	require.Equal(t, Started, first.Outcome)
	require.NotNil(t, first.Fetch)

	second := s.Decide(k1, start)
	assert.Equal(t, Joined, second.Outcome)
	assert.Same(t, first.Fetch, second.Fetch)

	third := s.Decide(k1, nil)
	assert.Equal(t, Joined, third.Outcome)
	assert.Equal(t, 1, started)

	snap, ok := s.Get(k1)
	require.True(t, ok)
	assert.True(t, snap.InFlight)
}

// TestDecideNoListener tests that a miss without a listener creates no entry.
func TestDecideNoListener(t *testing.T) {
	s := newTestStore(t, 4, nil)

	d := s.Decide(k1, nil)
	assert.Equal(t, FetchNow, d.Outcome)
	assert.Empty(t, d.File)
	assert.Equal(t, 0, s.Len())
}

// TestDecideCached tests that a live image is returned directly.
func TestDecideCached(t *testing.T) {
	s := newTestStore(t, 4, nil)
	img := &testImage{pixels: make([]byte, 16)}
	s.Complete(k1, nil, img, "")

	d := s.Decide(k1, func(string) *testFetch {
		t.Fatal("start must not be called for a cached image")
		return nil
	})
	assert.Equal(t, Cached, d.Outcome)
	assert.Same(t, img, d.Image)
}

// TestDecideReclaimed tests the reclaimed-image branches.
func TestDecideReclaimed(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		readable  bool
		listener  bool
		want      Outcome
		wantFile  string
		wantEntry bool
	}{
		{"file readable with listener", "a.png", true, true, Started, "a.png", true},
		{"file readable without listener", "a.png", true, false, FetchNow, "a.png", true},
		{"file missing without listener", "a.png", false, false, FetchNow, "", false},
		{"no file without listener", "", false, false, FetchNow, "", false},
		{"no file with listener", "", false, true, Started, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, 4, func(string) bool { return tt.readable })
			s.PutFile(k1, "a.png")
			if tt.file == "" {
				s.Complete(k1, nil, nil, "")
			}

			var start func(string) *testFetch
			var gotFile string
			if tt.listener {
				start = func(file string) *testFetch {
					gotFile = file
					return &testFetch{}
				}
			}

			d := s.Decide(k1, start)
			assert.Equal(t, tt.want, d.Outcome)
			assert.Equal(t, tt.wantFile, d.File)
			if tt.listener {
				assert.Equal(t, tt.wantFile, gotFile)
			}

			_, ok := s.Get(k1)
			assert.Equal(t, tt.wantEntry, ok)
		})
	}
}

// TestCompleteAndRelease tests ownership checks on completion and failure.
func TestCompleteAndRelease(t *testing.T) {
	s := newTestStore(t, 4, nil)
	owner := s.Decide(k1, func(string) *testFetch { return &testFetch{id: 1} }).Fetch
	other := &testFetch{id: 2}

	// A synchronous failure must not remove someone else's in-flight entry.
	s.Release(k1, nil)
	_, ok := s.Get(k1)
	assert.True(t, ok)

	s.Release(k1, other)
	_, ok = s.Get(k1)
	assert.True(t, ok)

	assert.False(t, s.Complete(k1, other, &testImage{}, ""))

	img := &testImage{pixels: []byte{1}}
	assert.True(t, s.Complete(k1, owner, img, "a.png"))
	snap, ok := s.Get(k1)
	require.True(t, ok)
	assert.False(t, snap.InFlight)
	assert.Same(t, img, snap.Image)
	assert.Equal(t, "a.png", snap.File)

	// Completed entries may be released by anyone.
	s.Release(k1, nil)
	_, ok = s.Get(k1)
	assert.False(t, ok)
}

// TestPutFile tests file-only registration.
func TestPutFile(t *testing.T) {
	s := newTestStore(t, 4, nil)

	assert.True(t, s.PutFile(k1, "a.png"))
	assert.False(t, s.PutFile(k1, "b.png"))
	assert.False(t, s.PutFile(key.None, "c.png"))
	assert.False(t, s.PutFile("k2", ""))

	snap, ok := s.Get(k1)
	require.True(t, ok)
	assert.Nil(t, snap.Image)
	assert.Equal(t, "a.png", snap.File)
}

// TestClear tests release, removal and cancellation semantics.
func TestClear(t *testing.T) {
	s := newTestStore(t, 4, nil)

	withFile := &testImage{}
	withoutFile := &testImage{}
	s.Complete("with-file", nil, withFile, "with-file.png")
	s.Complete("without-file", nil, withoutFile, "")
	fetch := s.Decide("in-flight", func(string) *testFetch { return &testFetch{} }).Fetch

	stats := s.Clear()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 2, stats.Released)
	assert.True(t, fetch.cancelled.Load())
	assert.Equal(t, 0, s.Retained())

	snap, ok := s.Get("with-file")
	require.True(t, ok)
	assert.Nil(t, snap.Image)
	assert.Equal(t, "with-file.png", snap.File)

	_, ok = s.Get("without-file")
	assert.False(t, ok)

	snap, ok = s.Get("in-flight")
	require.True(t, ok)
	assert.True(t, snap.InFlight)
}

// TestClearDoesNotBlock tests that Clear returns while a fetch is still running.
func TestClearDoesNotBlock(t *testing.T) {
	s := newTestStore(t, 4, nil)
	s.Decide(k1, func(string) *testFetch { return &testFetch{} })

	done := make(chan struct{})
	go func() {
		s.Clear()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Clear blocked on an in-flight fetch")
	}
}

// TestRetainerCapacity tests that the LRU bounds strong references.
func TestRetainerCapacity(t *testing.T) {
	var evictions int
	s, err := NewStore[testImage, *testFetch](2, nil, func() { evictions++ })
	require.NoError(t, err)

	s.Complete("a", nil, &testImage{}, "")
	s.Complete("b", nil, &testImage{}, "")
	assert.Zero(t, evictions)
	s.Complete("c", nil, &testImage{}, "")

	assert.Equal(t, 2, s.Retained())
	assert.Equal(t, 1, evictions)

	assert.Equal(t, 2, s.Trim())
	assert.Equal(t, 0, s.Retained())
}

// TestReclaimAfterTrim tests that trimmed images become collectable.
func TestReclaimAfterTrim(t *testing.T) {
	s := newTestStore(t, 4, func(string) bool { return true })

	func() {
		s.Complete(k1, nil, &testImage{pixels: make([]byte, 1<<20)}, "a.png")
	}()
	s.Trim()

	require.Eventually(t, func() bool {
		runtime.GC()
		snap, _ := s.Get(k1)
		return snap.Image == nil
	}, 2*time.Second, 10*time.Millisecond)

	d := s.Decide(k1, nil)
	assert.Equal(t, FetchNow, d.Outcome)
	assert.Equal(t, "a.png", d.File)
}

// TestNoRetainer tests a store that keeps images only weakly.
func TestNoRetainer(t *testing.T) {
	s := newTestStore(t, 0, nil)
	img := &testImage{}
	s.Complete(k1, nil, img, "")

	d := s.Decide(k1, nil)
	assert.Equal(t, Cached, d.Outcome)
	assert.Equal(t, 0, s.Retained())
	assert.Equal(t, 0, s.Trim())
	runtime.KeepAlive(img)
}

// TestDecideConcurrent tests that concurrent requests create exactly one fetch.
func TestDecideConcurrent(t *testing.T) {
	s := newTestStore(t, 4, nil)
	var started atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Decide(k1, func(string) *testFetch {
				started.Add(1)
				return &testFetch{}
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
}

// TestOutcomeString tests outcome names used in logs.
func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "cached", Cached.String())
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "fetch_now", FetchNow.String())
}
