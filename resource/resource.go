// Package resource provides an in-memory Resource for the image loader.
//
// A Resource names an image by path or URL and collects the metadata the
// loader learns while fetching it. Writes made between HoldChanges and
// ReleaseChanges are committed together when the outermost hold is
// released, and observers are notified once per commit.
package resource

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Observer is called with the properties changed by one commit.
type Observer func(changed map[string]string)

// Resource is a concurrency-safe property bag with batched updates.
type Resource struct {
	mu        sync.Mutex
	spec      string
	props     map[string]string
	pending   map[string]string
	holds     int
	cached    bool
	observers []Observer
}

// New creates a resource for spec, a path or URL.
func New(spec string) *Resource {
	return &Resource{
		spec:    spec,
		props:   make(map[string]string),
		pending: make(map[string]string),
	}
}

// Spec returns the path or URL of the resource.
func (r *Resource) Spec() string {
	return r.spec
}

// Property returns a committed property value.
func (r *Resource) Property(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.props[name]
	return v, ok
}

// Properties returns a copy of all committed properties.
func (r *Resource) Properties() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.props)
}

// SetProperty sets a property. While changes are held the value is only
// visible after the outermost ReleaseChanges.
func (r *Resource) SetProperty(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("property name cannot be empty")
	}

	r.mu.Lock()
	r.pending[name] = value
	if r.holds > 0 {
		r.mu.Unlock()
		return nil
	}
	changed, observers := r.commit()
	r.mu.Unlock()

	notify(observers, changed)
	return nil
}

// HoldChanges starts a batch. Batches nest.
func (r *Resource) HoldChanges() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds++
}

// ReleaseChanges ends a batch, committing pending writes when the outermost
// batch ends. Calls without a matching HoldChanges are ignored.
func (r *Resource) ReleaseChanges() {
	r.mu.Lock()
	if r.holds == 0 {
		r.mu.Unlock()
		return
	}
	r.holds--
	if r.holds > 0 {
		r.mu.Unlock()
		return
	}
	changed, observers := r.commit()
	r.mu.Unlock()

	notify(observers, changed)
}

// commit applies pending writes. Must be called with mu held.
func (r *Resource) commit() (map[string]string, []Observer) {
	if len(r.pending) == 0 {
		return nil, nil
	}
	changed := r.pending
	r.pending = make(map[string]string)
	maps.Copy(r.props, changed)
	return changed, append([]Observer(nil), r.observers...)
}

func notify(observers []Observer, changed map[string]string) {
	for _, o := range observers {
		o(maps.Clone(changed))
	}
}

// SetCached records whether the image is held by the loader cache.
func (r *Resource) SetCached(cached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = cached
}

// Cached reports the last value passed to SetCached.
func (r *Resource) Cached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

// Observe registers o to be called after every commit.
func (r *Resource) Observe(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// String returns the path or URL of the resource.
func (r *Resource) String() string {
	return r.spec
}
