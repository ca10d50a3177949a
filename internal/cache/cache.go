// Package cache implements FlowGate's response cache (§4.8): an
// in-memory, size-bounded, TTL-expiring store of upstream responses,
// with single-flight coalescing so concurrent requests for the same
// cache key produce exactly one upstream fetch.
package cache

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one cached response.
type Entry struct {
	Status  int
	Header  http.Header
	Body    []byte
	StoredAt time.Time
	ExpiresAt time.Time
}

// Cache is a size-bounded, TTL-aware response cache safe for concurrent
// use. Eviction is LRU once MaxSize (total bytes across all entries)
// would be exceeded.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // most-recently-used at front
	size     int64
	maxSize  int64
	maxEntry int64

	group singleflight.Group

	hits, misses int64
}

type node struct {
	key   string
	entry *Entry
	size  int64
}

// New builds a Cache capped at maxSize total bytes, rejecting any single
// entry larger than maxEntrySize.
func New(maxSize, maxEntrySize int64) *Cache {
	return &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxEntry: maxEntrySize,
	}
}

// Get returns the cached entry for key if present and not expired.
func (c *Cache) Get(key string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	n := el.Value.(*node)
	if now.After(n.entry.ExpiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return n.entry, true
}

// Set stores entry under key, evicting least-recently-used entries as
// needed to stay within MaxSize. An entry larger than maxEntry is not
// cached at all (§4.8's per-entry size cap).
func (c *Cache) Set(key string, entry *Entry) {
	size := int64(len(entry.Body))
	for k := range entry.Header {
		size += int64(len(k))
		for _, v := range entry.Header[k] {
			size += int64(len(v))
		}
	}
	if c.maxEntry > 0 && size > c.maxEntry {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	n := &node{key: key, entry: entry, size: size}
	el := c.order.PushFront(n)
	c.entries[key] = el
	c.size += size

	for c.maxSize > 0 && c.size > c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// removeLocked drops el from the cache. Called with c.mu held.
func (c *Cache) removeLocked(el *list.Element) {
	n := el.Value.(*node)
	delete(c.entries, n.key)
	c.order.Remove(el)
	c.size -= n.size
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
	c.size = 0
}

// Stats reports cumulative hit/miss counters and current byte size, for
// the admin metrics surface.
func (c *Cache) Stats() (hits, misses, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.size
}

// Fetch coalesces concurrent misses for the same key into a single call
// to fn (§4.8's single-flight invariant): if two requests ask for the
// same uncached key at once, fn runs exactly once and both callers
// receive its result. fn also reports whether its result may be stored
// (a response that is not cacheable by status/Cache-Control is still
// returned to the caller, just never saved for the next lookup).
func (c *Cache) Fetch(key string, now time.Time, fn func() (*Entry, bool, error)) (*Entry, error, bool) {
	if entry, ok := c.Get(key, now); ok {
		return entry, nil, true
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		entry, store, err := fn()
		if err != nil {
			return nil, err
		}
		if store {
			c.Set(key, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err, false
	}
	return v.(*Entry), nil, shared
}
