package frag

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/pagefrag/block"
)

// Drain drops the active block. The prepaid references still held are
// returned in one atomic subtraction; if that brings the count to zero the
// block goes back to the provider, otherwise the last outstanding fragment
// releases it. The cache is empty afterwards. Draining an empty cache is a
// no-op.
func (c *Cache) Drain() {
	if c.enc == 0 {
		return
	}

	b := c.blk
	last := b.SubRefsAndTestZero(c.bias)
	c.reset()
	c.stats.Drains++
	if last {
		c.stats.Releases++
		c.p.Release(b)
	}
}

// Free drops the reference held by the fragment at addr and releases its
// block when that was the last one. Any address inside the fragment works.
// Free does not involve the cache that carved the fragment and may run on
// any goroutine.
func Free(p block.Provider, addr block.Addr) error {
	b, ok := p.Resolve(addr)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrBadAddr, addr)
	}
	if b.SubRefsAndTestZero(1) {
		p.Release(b)
	}
	return nil
}

// FreeSlice is Free for a fragment given by its bytes.
func FreeSlice(p block.Provider, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty fragment", ErrBadAddr)
	}
	return Free(p, block.Addr(unsafe.Pointer(unsafe.SliceData(data))))
}
