package frag

import (
	"fmt"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/internal/buf"
)

// Alloc carves size bytes aligned to align (a power of two, NoAlign for none).
// It returns the fragment address and its bytes. The fragment holds one
// reference on its block; release it with Free.
//
// When the active block cannot hold the request the cache reclaims it (if it
// is the sole holder) or replaces it with a fresh block. Requests above the
// ceiling fail with ErrOversize before anything is touched.
func (c *Cache) Alloc(size, align int) (block.Addr, []byte, error) {
	mask, err := alignMask(align)
	if err != nil {
		return 0, nil, err
	}
	if size <= 0 {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	c.pending.valid = false
	off, err := c.reserve(size, mask)
	if err != nil {
		return 0, nil, err
	}
	return c.carve(off, size, true)
}

// Prepare finds a region of at least minSize bytes aligned to align, running
// the same reclaim and refill logic as Alloc, but leaves the cursor and the
// prepaid references alone. The returned Frag spans everything up to the end
// of the block; follow it with exactly one Commit or CommitNoRef, or drop it.
func (c *Cache) Prepare(minSize, align int) (Frag, error) {
	mask, err := alignMask(align)
	if err != nil {
		return Frag{}, err
	}
	if minSize <= 0 {
		return Frag{}, fmt.Errorf("%w: %d", ErrInvalidSize, minSize)
	}

	c.pending.valid = false
	off, err := c.reserve(minSize, mask)
	if err != nil {
		return Frag{}, err
	}
	return c.candidate(off), nil
}

// Probe reports the aligned space left in the active block without ever
// acquiring memory. It returns false when there is no active block or fewer
// than minSize bytes remain. A successful probe can be committed like a
// Prepare.
//
// Probe also returns false once the block's prepaid references are down to
// the last one. Batch exceeds the block size and every referenced fragment
// takes at least one byte, so that only happens when the block is full.
//
// Probe panics when align is not a power of two or minSize is below one.
func (c *Cache) Probe(minSize, align int) (Frag, bool) {
	mask, err := alignMask(align)
	if err != nil {
		panic(fmt.Sprintf("frag: space query: %v", err))
	}
	if minSize <= 0 {
		panic(fmt.Sprintf("frag: space query: %v: %d", ErrInvalidSize, minSize))
	}

	c.pending.valid = false
	off, ok := c.fits(minSize, mask)
	if !ok {
		return Frag{}, false
	}
	return c.candidate(off), true
}

func (c *Cache) candidate(off int) Frag {
	size := c.enc.size(c.pageSize) - off
	data, _ := buf.Slice(c.blk.Bytes(), off, size)

	c.pending = pending{valid: true, gen: c.gen, off: off, size: size}
	return Frag{
		Addr:   c.enc.addr() + block.Addr(off),
		Offset: off,
		Size:   size,
		Data:   data,
		gen:    c.gen,
	}
}

// Commit keeps the first used bytes of a prepared region as a fragment that
// holds its own reference, and returns them. The cursor moves to the end of
// the fragment.
//
// Commit panics when f is not the region returned by the latest Prepare or
// Probe, when it was already committed, or when used is out of range.
func (c *Cache) Commit(f Frag, used int) []byte {
	if used <= 0 {
		panic(fmt.Sprintf("frag: commit of %d bytes", used))
	}
	c.checkPending(f, used)
	_, data, _ := c.carve(f.Offset, used, true)
	return data
}

// CommitNoRef is Commit for a fragment that shares the reference of one
// already handed out, such as a write coalesced onto the previous fragment.
// The prepaid references are left alone. used may be zero.
func (c *Cache) CommitNoRef(f Frag, used int) []byte {
	if used < 0 {
		panic(fmt.Sprintf("frag: commit of %d bytes", used))
	}
	c.checkPending(f, used)
	_, data, _ := c.carve(f.Offset, used, false)
	return data
}

func (c *Cache) checkPending(f Frag, used int) {
	p := c.pending
	if !p.valid || p.gen != f.gen || p.gen != c.gen || p.off != f.Offset ||
		f.Addr != c.enc.addr()+block.Addr(p.off) {
		panic(fmt.Sprintf("frag: commit at offset %d without a matching prepare", f.Offset))
	}
	if _, err := buf.CheckSpan(p.off+p.size, p.off, used); err != nil {
		panic(fmt.Sprintf("frag: commit of %d bytes exceeds prepared %d: %v", used, p.size, err))
	}
	c.pending.valid = false
}

// carve moves the cursor past [off, off+size) and, for referenced fragments,
// consumes one prepaid reference.
func (c *Cache) carve(off, size int, referenced bool) (block.Addr, []byte, error) {
	data, ok := buf.Slice(c.blk.Bytes(), off, size)
	if !ok {
		panic(fmt.Sprintf("frag: carve [%d, %d) outside block of %d bytes", off, off+size, c.blk.Size()))
	}

	c.undo = undo{
		valid:      true,
		gen:        c.gen,
		prev:       c.offset,
		off:        off,
		size:       size,
		referenced: referenced,
	}

	c.stats.Padding += uint64(off - c.offset)
	c.stats.Bytes += uint64(size)
	c.offset = off + size
	if referenced {
		if c.bias <= 1 {
			panic(fmt.Sprintf("frag: prepaid references exhausted (bias %d)", c.bias))
		}
		c.bias--
		c.stats.Allocs++
	} else {
		c.stats.NoRefs++
	}
	return c.enc.addr() + block.Addr(off), data, nil
}

// Abort takes back the fragment carved by the latest Alloc or commit, which
// must be size bytes long and must not have been shared with anyone. The
// cursor returns to where it was before that carve and the reference, if
// the fragment held one, goes back to the prepaid pool.
//
// Abort panics when there is nothing to undo or size does not match.
func (c *Cache) Abort(size int) {
	u := c.undo
	if !u.valid || u.gen != c.gen {
		panic("frag: abort without a preceding commit")
	}
	if size != u.size || size > c.offset || c.offset != u.off+u.size {
		panic(fmt.Sprintf("frag: abort of %d bytes does not match last commit of %d at offset %d",
			size, u.size, u.off))
	}

	c.stats.Padding -= uint64(u.off - u.prev)
	c.stats.Bytes -= uint64(u.size)
	c.offset = u.prev
	if u.referenced {
		c.bias++
	}
	c.undo.valid = false
	c.pending.valid = false
	c.stats.Aborts++
}

// AbortRef gives the reference of the latest fragment back to the cache
// while keeping its bytes carved. Use it when the fragment was handed out
// without its own reference (for example merged into a neighbour) and must
// not be freed, avoiding an atomic decrement. addr and size must describe
// the latest referenced carve.
func (c *Cache) AbortRef(addr block.Addr, size int) {
	u := c.undo
	if !u.valid || u.gen != c.gen || !u.referenced {
		panic("frag: abort ref without a preceding referenced commit")
	}
	if addr != c.enc.addr()+block.Addr(u.off) || size != u.size {
		panic(fmt.Sprintf("frag: abort ref of [0x%x, +%d) does not match last commit [0x%x, +%d)",
			addr, size, c.enc.addr()+block.Addr(u.off), u.size))
	}

	c.bias++
	c.undo.valid = false
	c.stats.Aborts++
}
