// Package cache provides a generic map whose entries expire lazily.
//
// Entries are never removed when they expire. They are treated as expired
// when read at a reference time past their expiry. The cache never reads a
// clock: callers pass the reference time in, which keeps expiry decisions
// deterministic under test.
//
// A Cache is not safe for concurrent use. The store that owns it
// serializes access.
package cache

import "time"

// Entry is a cached value with an absolute expiry instant.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has expired as of now.
// An entry is still live at exactly its expiry instant.
func (e Entry[V]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Item is one key/entry pair returned by GetAll.
type Item[K comparable, V any] struct {
	Key       K
	Value     V
	ExpiresAt time.Time
}

// Cache maps keys to entries with per-entry expiry.
type Cache[K comparable, V any] struct {
	entries map[K]Entry[V]
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: make(map[K]Entry[V])}
}

// Get returns the entry stored for key, expired or not.
func (c *Cache[K, V]) Get(key K) (Entry[V], bool) {
	e, ok := c.entries[key]
	return e, ok
}

// Insert stores value for key, replacing any existing entry.
func (c *Cache[K, V]) Insert(key K, value V, expiresAt time.Time) {
	c.entries[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
}

// SetValue replaces the value stored for key and keeps its expiry.
// Returns false if key has no entry.
func (c *Cache[K, V]) SetValue(key K, value V) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.Value = value
	c.entries[key] = e
	return true
}

// Remove deletes the entry for key. No-op if key has no entry.
func (c *Cache[K, V]) Remove(key K) {
	delete(c.entries, key)
}

// GetAll returns every entry that is live as of now, in no particular order.
func (c *Cache[K, V]) GetAll(now time.Time) []Item[K, V] {
	items := make([]Item[K, V], 0, len(c.entries))
	for k, e := range c.entries {
		if e.IsExpired(now) {
			continue
		}
		items = append(items, Item[K, V]{Key: k, Value: e.Value, ExpiresAt: e.ExpiresAt})
	}
	return items
}

// PurgeExpired removes every entry expired as of now and returns their keys.
func (c *Cache[K, V]) PurgeExpired(now time.Time) []K {
	var purged []K
	for k, e := range c.entries {
		if e.IsExpired(now) {
			delete(c.entries, k)
			purged = append(purged, k)
		}
	}
	return purged
}

// Len returns the number of entries, including expired ones.
func (c *Cache[K, V]) Len() int {
	return len(c.entries)
}
