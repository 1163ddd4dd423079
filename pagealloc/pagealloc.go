// Package pagealloc is a buddy page allocator that backs fragment caches.
//
// One Allocator owns a single contiguous region, split into a normal pool and
// an optional emergency reserve. Blocks are naturally aligned runs of 2^order
// pages. Every page carries a block descriptor, and interior pages record
// their head, so any address inside a live block resolves to that block in
// O(1), the way compound pages work.
//
//	pa, err := pagealloc.New(pagealloc.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer pa.Close()
//
//	b, err := pa.Acquire(3, block.FailFast|block.NoReserve)
//
// The free lists are guarded by a mutex; block reference counts are atomic
// on the block itself, so Resolve takes no lock.
package pagealloc

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/internal/logger"
	"github.com/joshuapare/pagefrag/internal/region"
)

const noHead = -1

// Allocator is a block.Provider backed by one mapped region.
type Allocator struct {
	opts      Options
	pageShift uint

	mem  *region.Region
	base block.Addr
	end  block.Addr

	// blocks holds one descriptor per page. Only head descriptors are handed out.
	blocks []block.Block
	// heads maps a page to the head page of its live block, or noHead.
	heads []atomic.Int32

	mu       sync.Mutex
	normal   *buddyPool
	reserve  *buddyPool // nil without ReservePages
	released chan struct{}
	closed   bool
	stats    Stats
}

// New maps the region and builds the pools.
// Zero PageSize and Pages take their defaults.
func New(opts Options) (*Allocator, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	total := opts.Pages + opts.ReservePages
	mem, err := region.Map(total*opts.PageSize, opts.PageSize<<opts.MaxOrder)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: %w", err)
	}

	a := &Allocator{
		opts:      opts,
		pageShift: uint(bits.TrailingZeros(uint(opts.PageSize))),
		mem:       mem,
		base:      block.Addr(mem.Base()),
		blocks:    make([]block.Block, total),
		heads:     make([]atomic.Int32, total),
		normal:    newBuddyPool(0, int32(opts.Pages), opts.MaxOrder),
		released:  make(chan struct{}),
	}
	a.end = a.base + block.Addr(mem.Len())
	if opts.ReservePages > 0 {
		a.reserve = newBuddyPool(int32(opts.Pages), int32(opts.ReservePages), opts.MaxOrder)
	}
	for i := range a.heads {
		a.heads[i].Store(noHead)
	}
	a.stats = newStats(opts)

	a.log().Debug("pagealloc: mapped region",
		"base", fmt.Sprintf("0x%x", a.base),
		"pages", opts.Pages,
		"reserve_pages", opts.ReservePages,
		"page_size", opts.PageSize,
		"max_order", opts.MaxOrder,
		"mmap", mem.Mapped())
	return a, nil
}

func (a *Allocator) log() *slog.Logger {
	if a.opts.Logger != nil {
		return a.opts.Logger
	}
	return logger.L
}

// PageSize implements block.Provider.
func (a *Allocator) PageSize() int { return a.opts.PageSize }

// MaxOrder returns the largest order Acquire accepts.
func (a *Allocator) MaxOrder() uint8 { return a.opts.MaxOrder }

// Acquire implements block.Provider.
//
// The normal pool is tried first. With block.AllowReserve (and without
// block.NoReserve) the emergency reserve is tried next and the block is
// flagged as emergency. Without block.FailFast the call may wait up to
// Options.Wait for another goroutine to release memory.
func (a *Allocator) Acquire(order uint8, flags block.Flags) (*block.Block, error) {
	if order > a.opts.MaxOrder {
		return nil, fmt.Errorf("%w: %d > %d", ErrBadOrder, order, a.opts.MaxOrder)
	}

	var deadline time.Time
	wait := !flags.Has(block.FailFast) && a.opts.Wait > 0
	if wait {
		deadline = time.Now().Add(a.opts.Wait)
	}

	for {
		b, released, err := a.tryAcquire(order, flags)
		if b != nil || err != nil {
			return b, err
		}

		remaining := time.Until(deadline)
		if !wait || remaining <= 0 {
			break
		}
		a.countWait()

		timer := time.NewTimer(remaining)
		select {
		case <-released:
		case <-timer.C:
		}
		timer.Stop()
	}

	a.mu.Lock()
	a.stats.Failures[order]++
	a.mu.Unlock()

	a.log().Warn("pagealloc: acquire failed", "order", order, "fail_fast", flags.Has(block.FailFast))
	return nil, fmt.Errorf("%w: order %d", ErrNoMemory, order)
}

// tryAcquire makes one attempt under the lock. When nothing is free it
// returns the channel that the next Release closes.
func (a *Allocator) tryAcquire(order uint8, flags block.Flags) (*block.Block, <-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, nil, ErrClosed
	}

	emergency := false
	head, ok := a.normal.alloc(order)
	if !ok && a.reserve != nil && flags.Has(block.AllowReserve) && !flags.Has(block.NoReserve) {
		head, ok = a.reserve.alloc(order)
		emergency = ok
	}
	if !ok {
		return nil, a.released, nil
	}

	n := int32(1) << order
	for p := head; p < head+n; p++ {
		a.heads[p].Store(head)
	}

	off := int(head) << a.pageShift
	size := a.opts.PageSize << order
	data := a.mem.Bytes()[off : off+size : off+size]

	b := &a.blocks[head]
	b.Reset(a.base+block.Addr(off), order, emergency, data)

	a.stats.Acquires[order]++
	a.stats.InUseBlocks++
	if emergency {
		a.stats.EmergencyAcquires++
		a.log().Debug("pagealloc: served from emergency reserve", "order", order, "addr", fmt.Sprintf("0x%x", b.Addr()))
	}
	return b, nil, nil
}

// Release implements block.Provider. The block's reference count must be zero.
func (a *Allocator) Release(b *block.Block) {
	if b == nil {
		return
	}
	if refs := b.RefCount(); refs != 0 {
		panic(fmt.Sprintf("pagealloc: release of %s with live references", b))
	}

	head, ok := a.pageOf(b.Addr())
	if !ok || a.heads[head].Load() != head || &a.blocks[head] != b {
		panic(fmt.Sprintf("pagealloc: release of unknown block %s", b))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	order := b.Order()
	n := int32(1) << order
	for p := head; p < head+n; p++ {
		a.heads[p].Store(noHead)
	}

	if a.opts.Decommit {
		off := int(head) << a.pageShift
		if err := a.mem.Decommit(off, a.opts.PageSize<<order); err != nil {
			a.log().Warn("pagealloc: decommit failed", "order", order, "error", err)
		}
	}

	if a.normal.contains(head) {
		a.normal.release(head, order)
	} else {
		a.reserve.release(head, order)
	}

	a.stats.Releases++
	a.stats.InUseBlocks--

	close(a.released)
	a.released = make(chan struct{})
}

// Resolve implements block.Provider.
func (a *Allocator) Resolve(addr block.Addr) (*block.Block, bool) {
	page, ok := a.pageOf(addr)
	if !ok {
		return nil, false
	}
	head := a.heads[page].Load()
	if head == noHead {
		return nil, false
	}
	return &a.blocks[head], true
}

func (a *Allocator) pageOf(addr block.Addr) (int32, bool) {
	if addr < a.base || addr >= a.end {
		return 0, false
	}
	return int32((addr - a.base) >> a.pageShift), true
}

func (a *Allocator) countWait() {
	a.mu.Lock()
	a.stats.Waits++
	a.mu.Unlock()
}

// Close unmaps the region. Blocks still held become invalid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	close(a.released)
	return a.mem.Close()
}

// Compile-time interface check
var _ block.Provider = (*Allocator)(nil)
