// Package cache implements the read cache sitting in front of every document
// read. It is an in-memory map from resource key to the last content read or
// written, bounded both in the number of entries and in age.
//
// Eviction is first-in first-out: reading an entry does not change its
// position, but replacing it (e.g. after a write) moves it to the newest
// position. The working set is the handful of documents a user has open, so
// nothing smarter is needed.
package cache

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/groupcache/singleflight"
	"github.com/hashicorp/golang-lru/simplelru"
)

const (
	DefaultMaxEntries = 50
	DefaultTTL        = 5 * time.Minute
)

// Options configure a Cache. Zero values take the defaults.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	Clock      clock.Clock
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Entries    int           `json:"entries"`
	MaxEntries int           `json:"maxEntries"`
	TTL        time.Duration `json:"ttl"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Evictions  uint64        `json:"evictions"`
	Expired    uint64        `json:"expired"`
}

// Cache is safe for use by multiple goroutines.
type Cache struct {
	clock clock.Clock
	ttl   time.Duration
	max   int
	group singleflight.Group

	m sync.Mutex // protects everything below

	// only Peek is used for lookups so the list stays in insertion order
	entries *simplelru.LRU

	// the fills running now, by key. A fill only stores its result if its
	// key was not changed while it ran, so a slow read cannot overwrite the
	// content of a write which finished in the meantime.
	fills map[string]*pendingFill
	// bumped by Clear, which makes every running fill stale
	generation uint64

	hits, misses, evictions, expired uint64
}

type pendingFill struct {
	stale bool
}

type entry struct {
	content  string
	captured time.Time
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	entries, err := simplelru.NewLRU(opts.MaxEntries, nil)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Cache{
		clock:   opts.Clock,
		ttl:     opts.TTL,
		max:     opts.MaxEntries,
		entries: entries,
		fills:   make(map[string]*pendingFill),
	}
}

// Read returns the content for key. The cached content is used if it is
// present, force is false and it is younger than the TTL. Otherwise fill is
// called and its result is cached and returned. An error from fill is
// returned as is and leaves the cache unmodified.
//
// Concurrent fills for the same key are collapsed into one call.
func (c *Cache) Read(key string, force bool, fill func(key string) (string, error)) (string, error) {
	if !force {
		if content, ok := c.Get(key); ok {
			return content, nil
		}
	}
	v, err := c.group.Do(key, func() (interface{}, error) {
		f := &pendingFill{}
		c.m.Lock()
		c.fills[key] = f
		generation := c.generation
		c.m.Unlock()

		content, err := fill(key)

		c.m.Lock()
		delete(c.fills, key)
		if err == nil && !f.stale && c.generation == generation {
			c.put(key, content)
		}
		c.m.Unlock()
		if err != nil {
			return nil, err
		}
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Get returns the cached content for key, if there is any that has not
// expired. Expired entries are removed.
func (c *Cache) Get(key string) (string, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	v, ok := c.entries.Peek(key)
	if !ok {
		c.misses++
		return "", false
	}
	e := v.(entry)
	// an entry exactly TTL old is still good
	if c.clock.Now().Sub(e.captured) > c.ttl {
		c.entries.Remove(key)
		c.expired++
		c.misses++
		return "", false
	}
	c.hits++
	return e.content, true
}

// Put saves content for key, replacing any previous entry. If the cache is
// full the oldest inserted entry is evicted.
func (c *Cache) Put(key, content string) {
	c.m.Lock()
	c.put(key, content)
	c.m.Unlock()
}

// put assumes c.m is held.
func (c *Cache) put(key, content string) {
	c.markStale(key)
	// remove first so a replacement counts as a fresh insertion
	c.entries.Remove(key)
	if c.entries.Add(key, entry{content: content, captured: c.clock.Now()}) {
		c.evictions++
	}
}

// markStale keeps a running fill of key from caching its result. It assumes
// c.m is held.
func (c *Cache) markStale(key string) {
	if f, ok := c.fills[key]; ok {
		f.stale = true
	}
}

// Invalidate removes the entry for key. It is a no-op if there is none.
func (c *Cache) Invalidate(key string) {
	c.m.Lock()
	c.markStale(key)
	c.entries.Remove(key)
	c.m.Unlock()
}

// Clear removes every entry. The counters are kept.
func (c *Cache) Clear() {
	c.m.Lock()
	c.generation++
	c.entries.Purge()
	c.m.Unlock()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.m.Lock()
	defer c.m.Unlock()
	return Stats{
		Entries:    c.entries.Len(),
		MaxEntries: c.max,
		TTL:        c.ttl,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
	}
}
