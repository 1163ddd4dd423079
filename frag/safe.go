package frag

import (
	"sync"

	"github.com/joshuapare/pagefrag/block"
)

// SafeCache is a mutex-protected wrapper around Cache for callers that
// cannot confine a cache to one goroutine. Every call pays for the lock.
//
// Two-phase sequences (Prepare then Commit) must run inside Do, otherwise
// another goroutine may move the cursor between the two calls and the
// commit panics.
type SafeCache struct {
	mu sync.Mutex
	c  *Cache
}

// NewSafe wraps a new Cache.
func NewSafe(p block.Provider, cfg Config) (*SafeCache, error) {
	c, err := New(p, cfg)
	if err != nil {
		return nil, err
	}
	return &SafeCache{c: c}, nil
}

// Alloc thread-safely carves a fragment. See Cache.Alloc.
func (s *SafeCache) Alloc(size, align int) (block.Addr, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Alloc(size, align)
}

// Do runs fn with exclusive access to the underlying cache.
func (s *SafeCache) Do(fn func(c *Cache)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.c)
}

// Drain thread-safely drops the active block.
func (s *SafeCache) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Drain()
}

// IsEmergency thread-safely reports whether the active block is reserve memory.
func (s *SafeCache) IsEmergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.IsEmergency()
}

// Stats thread-safely snapshots the cache counters.
func (s *SafeCache) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Stats()
}
