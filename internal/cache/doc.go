// Package cache holds the in-memory entry store and the on-disk byte cache.
//
// The Store maps keys to entries that are either in flight (owned by a
// running fetch) or completed (a reclaimable decoded image and/or a
// permanent cache file). Decoded images are referenced weakly; a bounded
// LRU keeps the most recently used ones strongly reachable.
//
// Disk manages a single flat directory. Permanent files are named by the
// form-encoded cache key; files still being written carry a leading dot
// and are ignored by List and removed by CleanupTemp.
package cache
