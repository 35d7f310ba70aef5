// Package relay fans image fetch events out to a growing set of listeners.
//
// A Relay remembers the latest value of each event kind. A listener added
// after events have already fired first receives a replay of what is known,
// in size, bytes, image, error order, and is then attached to the live
// stream.
//
// Deliveries are queued under the relay lock and run outside it, one at a
// time, in queue order. The goroutine that finds the queue idle drains it;
// any other caller only enqueues. A listener may therefore call Add on the
// relay that is delivering to it: its replay runs after the current
// delivery returns.
package relay

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/jmgilman/go/imagecache/internal/logging"
)

// Listener receives the events of a single fetch. V is the decoded image
// type. Callbacks must not block.
type Listener[V any] interface {
	// SizeKnown is called once dimensions are decoded. size is the byte size
	// of the source when known, or -1.
	SizeKnown(src any, width, height int, size int64)
	// BytesRead reports cumulative bytes read from the source.
	BytesRead(src any, n int64)
	// ImageReady delivers the fully decoded image.
	ImageReady(src any, img V, width, height int)
	// ImageError reports a failed fetch.
	ImageError(src any, err error)
}

type sizeEvent struct {
	width, height int
	size          int64
}

type imageEvent[V any] struct {
	img           V
	width, height int
}

// Relay multiplexes fetch events to listeners and replays known state to late
// joiners.
type Relay[V any] struct {
	mu        sync.Mutex
	src       any
	listeners []Listener[V]
	logger    *logging.Logger

	queue    []func()
	draining bool

	size  *sizeEvent
	bytes int64
	image *imageEvent[V]
	err   error
}

// New creates a relay for events about src.
func New[V any](src any, logger *logging.Logger) *Relay[V] {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Relay[V]{src: src, logger: logger}
}

// Add registers l, replaying any events already recorded. Adding a listener
// that is already registered does nothing. It reports whether l was added.
func (r *Relay[V]) Add(l Listener[V]) bool {
	if l == nil {
		return false
	}

	r.mu.Lock()
	for _, existing := range r.listeners {
		if sameListener(existing, l) {
			r.mu.Unlock()
			r.logger.Debug(context.Background(), "listener already registered",
				"listener", reflect.TypeOf(l).String())
			return false
		}
	}

	src, size, bytes, image, err := r.src, r.size, r.bytes, r.image, r.err
	r.listeners = append(r.listeners, l)
	r.queue = append(r.queue, func() {
		if size != nil {
			l.SizeKnown(src, size.width, size.height, size.size)
		}
		if bytes > 0 {
			l.BytesRead(src, bytes)
		}
		if image != nil {
			l.ImageReady(src, image.img, image.width, image.height)
		}
		if err != nil {
			l.ImageError(src, err)
		}
	})
	r.drain()
	return true
}

// SizeKnown records and delivers the decoded dimensions.
func (r *Relay[V]) SizeKnown(_ any, width, height int, size int64) {
	r.mu.Lock()
	r.size = &sizeEvent{width: width, height: height, size: size}
	r.broadcast(func(l Listener[V]) { l.SizeKnown(r.src, width, height, size) })
}

// BytesRead records and delivers read progress.
func (r *Relay[V]) BytesRead(_ any, n int64) {
	r.mu.Lock()
	r.bytes = n
	r.broadcast(func(l Listener[V]) { l.BytesRead(r.src, n) })
}

// ImageReady records and delivers the decoded image.
func (r *Relay[V]) ImageReady(_ any, img V, width, height int) {
	r.mu.Lock()
	r.image = &imageEvent[V]{img: img, width: width, height: height}
	r.broadcast(func(l Listener[V]) { l.ImageReady(r.src, img, width, height) })
}

// ImageError records and delivers a fetch failure.
func (r *Relay[V]) ImageError(_ any, err error) {
	r.mu.Lock()
	r.err = err
	r.broadcast(func(l Listener[V]) { l.ImageError(r.src, err) })
}

// broadcast queues call for the listeners registered now. Listeners added
// later get the recorded state through their replay instead. r.mu must be
// held; it is released before broadcast returns.
func (r *Relay[V]) broadcast(call func(Listener[V])) {
	listeners := slices.Clone(r.listeners)
	r.queue = append(r.queue, func() {
		for _, l := range listeners {
			call(l)
		}
	})
	r.drain()
}

// drain runs queued deliveries unless another goroutine already is. r.mu
// must be held; it is released before drain returns.
func (r *Relay[V]) drain() {
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	defer func() {
		r.draining = false
		r.mu.Unlock()
	}()

	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]

		r.mu.Unlock()
		func() {
			// Relock even if next panics.
			defer r.mu.Lock()
			next()
		}()
	}
}

// sameListener compares listeners without panicking on uncomparable
// dynamic types such as structs holding funcs.
func sameListener[V any](a, b Listener[V]) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
