// Package block defines the coarse backing blocks that fragment caches carve
// up, and the Provider interface that supplies them.
//
// # Blocks
//
// A Block is a naturally aligned run of 2^order provider pages. Its base
// address is aligned to its own size, which leaves the low bits of the
// address free for tagging (see package frag).
//
// Every block carries a shared reference count. The count is the only state
// that is touched from more than one goroutine: a fragment cache holds a
// batch of prepaid references, and every fragment handed out holds one.
// Whoever brings the count to zero returns the block to its provider.
//
//	b, err := p.Acquire(0, block.FailFast)
//	if err != nil {
//	    return err
//	}
//	b.AddRefs(15)                   // 16 references in total
//	if b.SubRefsAndTestZero(16) {   // last holder releases
//	    p.Release(b)
//	}
//
// # Providers
//
// A Provider hands out blocks of a given order, releases them, and resolves
// any interior address back to its owning block. The concrete buddy allocator
// lives in package pagealloc.
package block
