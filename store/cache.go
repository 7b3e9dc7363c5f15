package store

// The S3 store needs to remember remote object state in memory so that an
// Open or Create does not always cost a HEAD request.

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// head is the structure stored in a sizecache.
type head struct {
	expire time.Time
	size   int64 // size of item. 0 = ?, -1 = doesn't exist. see constant below
}

// A sizecache is used to remember the size or non-size of a remote object.
// The size is either a non-negative int64 or sizeDeleted. Entries expire
// after some amount of time. Items not existing expire quicker than items
// with a known size.
type sizecache struct {
	clock     clock.Clock
	m         sync.Mutex      // protects everything below
	cache     map[string]head // cache for item sizes
	sweeptime time.Time       // next time to age everything
}

const (
	// constant for head.size. Indicates that the given key is deleted.
	sizeDeleted int64 = -1

	defaultMissTTL = time.Minute
	defaultHitTTL  = time.Hour
)

func newSizeCache(c clock.Clock) *sizecache {
	return &sizecache{
		clock: c,
		cache: make(map[string]head),
	}
}

// Get returns the size associated with key. If key is not in the cache
// it will call the fill function to figure out what the size is. The lock is
// not held while fill runs.
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	s.m.Lock()
	now := s.clock.Now()
	if now.After(s.sweeptime) {
		s.age(now)
	}
	entry, ok := s.cache[key]
	s.m.Unlock()
	if ok && now.Before(entry.expire) {
		if entry.size < 0 {
			// we have previously determined this key does not exist
			return 0, ErrNotExist
		}
		return entry.size, nil
	}
	size, err := fill(key)
	switch {
	case err == nil:
		s.Set(key, size)
	case IsNotExist(err):
		s.Set(key, sizeDeleted)
	}
	return size, err
}

// Set caches a size to use for the given key.
// Use sizeDeleted to mark the key as missing.
func (s *sizecache) Set(key string, size int64) {
	ttl := defaultHitTTL
	if size < 0 {
		ttl = defaultMissTTL
	}
	s.m.Lock()
	s.cache[key] = head{expire: s.clock.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// Forget removes any cached information for key.
func (s *sizecache) Forget(key string) {
	s.m.Lock()
	delete(s.cache, key)
	s.m.Unlock()
}

// age removes the entries which have become too old. It assumes s.m is held.
func (s *sizecache) age(now time.Time) {
	s.sweeptime = now.Add(10 * time.Minute)
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
