package frag

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/joshuapare/pagefrag/block"
)

// Sharded spreads allocations over several SafeCaches so that goroutines
// rarely contend on the same lock. Shards are padded to separate cache lines.
type Sharded struct {
	shards []cacheShard
	next   atomic.Uint64
}

type cacheShard struct {
	SafeCache
	_ cpu.CacheLinePad
}

// NewSharded builds n shards sharing one provider and configuration.
func NewSharded(p block.Provider, cfg Config, n int) (*Sharded, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d shards", ErrInvalidConfig, n)
	}
	s := &Sharded{shards: make([]cacheShard, n)}
	for i := range s.shards {
		c, err := New(p, cfg)
		if err != nil {
			return nil, err
		}
		s.shards[i].c = c
	}
	return s, nil
}

// Len returns the number of shards.
func (s *Sharded) Len() int { return len(s.shards) }

// Next returns shards in round-robin order.
func (s *Sharded) Next() *SafeCache {
	i := s.next.Add(1) - 1
	return &s.shards[i%uint64(len(s.shards))].SafeCache
}

// Shard returns the shard for key, for callers with a natural affinity such
// as a connection or queue id.
func (s *Sharded) Shard(key uint64) *SafeCache {
	return &s.shards[key%uint64(len(s.shards))].SafeCache
}

// Alloc carves a fragment from the next shard.
func (s *Sharded) Alloc(size, align int) (block.Addr, []byte, error) {
	return s.Next().Alloc(size, align)
}

// DrainAll drains every shard.
func (s *Sharded) DrainAll() {
	for i := range s.shards {
		s.shards[i].Drain()
	}
}

// Stats sums the counters of all shards.
func (s *Sharded) Stats() Stats {
	var total Stats
	for i := range s.shards {
		total.Add(s.shards[i].Stats())
	}
	return total
}
