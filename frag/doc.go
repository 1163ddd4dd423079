// Package frag implements a fragment cache: a single-goroutine allocator
// that slices variable-sized fragments out of coarse backing blocks.
//
// # Overview
//
// A Cache owns at most one active block, obtained from a block.Provider. It
// hands out fragments by bumping a cursor through the block, and it pays
// for their reference counting up front: every new block generation gets a
// batch of references in one atomic add, and each fragment consumes one of
// them with a plain decrement (the bias). Fragments are freed individually
// with Free, from any goroutine, by dropping one reference on their block.
//
// # Reclaim and Refill
//
// When the active block cannot hold a request, the cache returns the
// references it still holds in one atomic subtraction:
//
//   - If the count stays above zero, fragments are still out there. The
//     cache abandons the block to them and refills.
//   - If it reaches zero, the cache is the sole holder. Emergency reserve
//     blocks go straight back to the provider; other blocks are reclaimed
//     in place and the cursor restarts at offset 0.
//
// Refill asks for a large block (Config.MaxOrder) without blocking and
// without touching the emergency reserve, then falls back to one page.
//
// # Usage Example
//
//	pa, err := pagealloc.New(pagealloc.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	c, err := frag.New(pa, frag.ConfigNetwork)
//	if err != nil {
//	    return err
//	}
//	defer c.Drain()
//
//	addr, buf, err := c.Alloc(256, 64)
//	if err != nil {
//	    return err
//	}
//	copy(buf, payload)
//
//	// Later, possibly on another goroutine
//	err = frag.Free(pa, addr)
//
// # Two-Phase Allocation
//
// Prepare returns the whole aligned tail of the block; the caller writes
// what it needs and commits only that much:
//
//	f, err := c.Prepare(64, frag.NoAlign)
//	n := encode(f.Data)
//	buf := c.Commit(f, n)
//
// Probe does the same without ever acquiring memory. CommitNoRef keeps a
// fragment that rides on the reference of an earlier one. Abort undoes the
// latest carve on error paths, AbortRef returns only its reference.
//
// # Thread Safety
//
// Cache instances are not thread-safe and are meant to be confined to one
// goroutine. SafeCache adds a mutex; Sharded spreads load over several
// SafeCaches. Free is always safe to call concurrently.
//
// # Errors
//
// Provider failure surfaces as ErrProviderExhausted, requests above the
// ceiling as ErrOversize, bad alignments as ErrBadAlign. Protocol misuse
// (commit without prepare, mismatched or repeated abort) panics.
package frag
