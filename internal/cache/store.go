package cache

import (
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmgilman/go/imagecache/internal/key"
)

// Task is an in-flight fetch owned by a store entry.
type Task interface {
	comparable
	// Cancel asks the fetch to stop. It must not block.
	Cancel()
}

// entry is a cache slot. It is either in flight (fetch set) or completed
// (image handle and/or file set). Entries are only touched under Store.mu.
type entry[T any, F Task] struct {
	fetch    F
	inFlight bool
	image    weak.Pointer[T]
	file     string
}

// Snapshot is a point-in-time view of an entry returned by Get.
type Snapshot[T any, F Task] struct {
	// Image is the decoded image, or nil if reclaimed or never decoded.
	Image *T
	// Fetch is the running fetch when InFlight is true.
	Fetch    F
	InFlight bool
	// File is the permanent cache file name backing the entry, if any.
	File string
}

// Outcome is the result of a coordinated lookup.
type Outcome int

// Lookup outcomes.
const (
	// Cached means a live decoded image was found.
	Cached Outcome = iota
	// Joined means a fetch for the key is already running.
	Joined
	// Started means a new in-flight entry was created for the caller.
	Started
	// FetchNow means the caller must load the image itself, synchronously.
	FetchNow
)

// String returns a short name for the outcome.
func (o Outcome) String() string {
	switch o {
	case Cached:
		return "cached"
	case Joined:
		return "joined"
	case Started:
		return "started"
	default:
		return "fetch_now"
	}
}

// Decision is returned by Decide.
type Decision[T any, F Task] struct {
	Outcome Outcome
	Image   *T
	Fetch   F
	// File is set when the image must be re-read from a permanent cache
	// file instead of the original source.
	File string
}

// Store maps cache keys to entries. All entry state changes happen under one
// lock. Decoded images are held through weak pointers; the most recently used
// ones are also kept strongly reachable by a bounded LRU so the garbage
// collector does not reclaim them immediately.
type Store[T any, F Task] struct {
	mu       sync.Mutex
	entries  map[key.Key]*entry[T, F]
	retained *lru.Cache[key.Key, *T]
	readable func(file string) bool
	onEvict  func()
}

// NewStore creates a store retaining up to capacity decoded images strongly.
// A capacity of zero or less keeps images only through weak pointers.
// readable reports whether a permanent cache file can still be read; it is
// called without the store lock held. onEvict, when set, is called under the
// lock each time the LRU drops an image to make room for another.
func NewStore[T any, F Task](capacity int, readable func(file string) bool, onEvict func()) (*Store[T, F], error) {
	s := &Store[T, F]{
		entries:  make(map[key.Key]*entry[T, F]),
		readable: readable,
		onEvict:  onEvict,
	}
	if s.readable == nil {
		s.readable = func(string) bool { return false }
	}
	if s.onEvict == nil {
		s.onEvict = func() {}
	}

	if capacity > 0 {
		retained, err := lru.New[key.Key, *T](capacity)
		if err != nil {
			return nil, err
		}
		s.retained = retained
	}

	return s, nil
}

// Decide resolves a request for k. When start is non-nil and nothing usable
// is cached, start is called under the lock to create the fetch that the new
// in-flight entry will own; it must not block. When start is nil the caller
// is told to fetch synchronously. A nil key always yields FetchNow.
func (s *Store[T, F]) Decide(k key.Key, start func(file string) F) Decision[T, F] {
	if k.IsNone() {
		return Decision[T, F]{Outcome: FetchNow}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := ""
	for {
		e, ok := s.entries[k]
		if !ok {
			break
		}
		if e.inFlight {
			return Decision[T, F]{Outcome: Joined, Fetch: e.fetch}
		}
		if img := s.live(k, e); img != nil {
			return Decision[T, F]{Outcome: Cached, Image: img}
		}
		if e.file == "" {
			delete(s.entries, k)
			break
		}

		// Checking the file is I/O, so do it without the lock and start over
		// if the entry changed meanwhile.
		candidate := e.file
		s.mu.Unlock()
		readable := s.readable(candidate)
		s.mu.Lock()

		if s.entries[k] != e {
			continue
		}
		if readable {
			file = candidate
		} else {
			delete(s.entries, k)
		}
		break
	}

	if start == nil {
		return Decision[T, F]{Outcome: FetchNow, File: file}
	}

	fetch := start(file)
	s.entries[k] = &entry[T, F]{fetch: fetch, inFlight: true}
	return Decision[T, F]{Outcome: Started, Fetch: fetch, File: file}
}

// live returns the decoded image for a completed entry if it has not been
// reclaimed, refreshing its LRU position. Must be called with mu held.
func (s *Store[T, F]) live(k key.Key, e *entry[T, F]) *T {
	img := e.image.Value()
	if img == nil {
		return nil
	}
	if s.retained != nil {
		if _, ok := s.retained.Get(k); !ok {
			s.retain(k, img)
		}
	}
	return img
}

// retain holds img strongly. Must be called with mu held.
func (s *Store[T, F]) retain(k key.Key, img *T) {
	if s.retained.Add(k, img) {
		s.onEvict()
	}
}

// Get returns a snapshot of the entry for k.
func (s *Store[T, F]) Get(k key.Key) (Snapshot[T, F], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return Snapshot[T, F]{}, false
	}
	if e.inFlight {
		return Snapshot[T, F]{Fetch: e.fetch, InFlight: true}, true
	}
	return Snapshot[T, F]{Image: s.live(k, e), File: e.file}, true
}

func (s *Store[T, F]) put(k key.Key, img *T, file string) {
	e := &entry[T, F]{file: file}
	if img != nil {
		e.image = weak.Make(img)
		if s.retained != nil {
			s.retain(k, img)
		}
	} else if s.retained != nil {
		s.retained.Remove(k)
	}
	s.entries[k] = e
}

// PutFile registers a file-only completed entry unless k already has one.
// It reports whether the entry was added.
func (s *Store[T, F]) PutFile(k key.Key, file string) bool {
	if k.IsNone() || file == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = &entry[T, F]{file: file}
	return true
}

// Complete stores the result of fetch for k. It does nothing and returns
// false if a different fetch currently owns the key.
func (s *Store[T, F]) Complete(k key.Key, fetch F, img *T, file string) bool {
	if k.IsNone() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok && e.inFlight && e.fetch != fetch {
		return false
	}
	s.put(k, img, file)
	return true
}

// Release removes the entry for k after fetch failed. An in-flight entry is
// only removed if fetch owns it, so a failing synchronous load (zero fetch)
// never disturbs a running asynchronous one.
func (s *Store[T, F]) Release(k key.Key, fetch F) {
	if k.IsNone() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return
	}
	if e.inFlight && e.fetch != fetch {
		return
	}
	s.remove(k)
}

func (s *Store[T, F]) remove(k key.Key) {
	delete(s.entries, k)
	if s.retained != nil {
		s.retained.Remove(k)
	}
}

// ClearStats reports what Clear did.
type ClearStats struct {
	Released  int
	Removed   int
	Cancelled int
}

// Clear drops every decoded image, removes completed entries without a
// backing file, and asks in-flight fetches to cancel. It does not wait for
// cancelled fetches to finish.
func (s *Store[T, F]) Clear() ClearStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats ClearStats
	for k, e := range s.entries {
		if e.inFlight {
			e.fetch.Cancel()
			stats.Cancelled++
			continue
		}
		if e.image.Value() != nil {
			stats.Released++
		}
		e.image = weak.Pointer[T]{}
		if e.file == "" {
			delete(s.entries, k)
			stats.Removed++
		}
	}
	if s.retained != nil {
		s.retained.Purge()
	}
	return stats
}

// Trim drops all strong references held by the LRU. Decoded images stay
// reachable through the store only until the garbage collector reclaims
// them. It returns the number of references released.
func (s *Store[T, F]) Trim() int {
	if s.retained == nil {
		return 0
	}
	n := s.retained.Len()
	s.retained.Purge()
	return n
}

// Len returns the number of entries.
func (s *Store[T, F]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Retained returns the number of images currently held strongly.
func (s *Store[T, F]) Retained() int {
	if s.retained == nil {
		return 0
	}
	return s.retained.Len()
}
