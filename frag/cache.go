package frag

import (
	"fmt"
	"log/slog"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/internal/logger"
)

// NoAlign requests no alignment beyond the byte.
const NoAlign = 1

// Cache carves fragments out of one active backing block at a time.
//
// A Cache is confined to one goroutine: none of its methods may run
// concurrently with another on the same Cache. Fragments it hands out may be
// freed from any goroutine through Free.
type Cache struct {
	p        block.Provider
	cfg      Config
	pageSize int

	// Active block. enc is zero when there is none; blk is the handle used
	// for the shared reference count.
	enc encodedBlock
	blk *block.Block

	// offset is the first unallocated byte of the active block.
	offset int

	// bias is the number of prepaid references on blk not yet handed to a
	// fragment. It never drops below one while a block is active, so the
	// shared count cannot reach zero behind the cache's back.
	bias int32

	// gen increments on every refill and reclaim.
	gen uint64

	pending pending
	undo    undo

	stats Stats
}

// pending records the region returned by the last Prepare or Probe.
type pending struct {
	valid bool
	gen   uint64
	off   int
	size  int
}

// undo records the last carve so Abort and AbortRef can check their arguments.
type undo struct {
	valid      bool
	gen        uint64
	prev       int // offset before the carve
	off        int // aligned start of the fragment
	size       int
	referenced bool
}

// Frag is a candidate region returned by Prepare or Probe.
type Frag struct {
	Addr   block.Addr // address of the first byte
	Offset int        // offset of Addr inside its block
	Size   int        // bytes available from Addr to the end of the block
	Data   []byte     // the available bytes; only the committed prefix may be kept

	gen uint64
}

// New returns an empty cache drawing blocks from p.
func New(p block.Provider, cfg Config) (*Cache, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	if cfg == (Config{}) {
		cfg = DefaultConfig
	}
	resolved, err := cfg.resolve(p.PageSize())
	if err != nil {
		return nil, err
	}
	return &Cache{p: p, cfg: resolved, pageSize: p.PageSize()}, nil
}

func (c *Cache) log() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return logger.L
}

// Config returns the resolved configuration.
func (c *Cache) Config() Config { return c.cfg }

// Provider returns the block provider behind the cache.
func (c *Cache) Provider() block.Provider { return c.p }

// IsEmergency reports whether the active block came from the provider's
// emergency reserve. Callers use it to keep reserve memory away from
// consumers that may hold it for long.
func (c *Cache) IsEmergency() bool { return c.enc.emergency() }

// Active returns the base address and size of the active block.
func (c *Cache) Active() (block.Addr, int, bool) {
	if c.enc == 0 {
		return 0, 0, false
	}
	return c.enc.addr(), c.enc.size(c.pageSize), true
}

// Offset returns the cursor inside the active block.
func (c *Cache) Offset() int { return c.offset }

// Bias returns the prepaid references not yet handed out.
func (c *Cache) Bias() int32 { return c.bias }

// Remaining returns the bytes left after the cursor, ignoring alignment.
func (c *Cache) Remaining() int {
	if c.enc == 0 {
		return 0
	}
	return c.enc.size(c.pageSize) - c.offset
}

// Generation returns the block generation counter.
func (c *Cache) Generation() uint64 { return c.gen }

func alignMask(align int) (int, error) {
	if align <= 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadAlign, align)
	}
	return align - 1, nil
}

func alignUp(off, mask int) int { return (off + mask) &^ mask }

// fits reports the aligned offset when size bytes fit in the active block.
func (c *Cache) fits(size, mask int) (int, bool) {
	if c.enc == 0 || c.bias <= 1 {
		return 0, false
	}
	off := alignUp(c.offset, mask)
	return off, size <= c.enc.size(c.pageSize)-off
}

// reserve finds room for size bytes, reclaiming or replacing the active
// block when it cannot hold them. Requests above the ceiling fail first,
// whatever room the active block has left. It returns the aligned offset
// without moving the cursor.
func (c *Cache) reserve(size, mask int) (int, error) {
	if size > c.cfg.Ceiling {
		c.stats.Oversize++
		return 0, fmt.Errorf("%w: %d > %d", ErrOversize, size, c.cfg.Ceiling)
	}

	if off, ok := c.fits(size, mask); ok {
		return off, nil
	}

	if c.enc != 0 && c.recycle(size) {
		return 0, nil
	}

	if err := c.refill(size); err != nil {
		return 0, err
	}
	if off, ok := c.fits(size, mask); ok {
		return off, nil
	}
	// Only an order-0 fallback block can be too small here.
	return 0, fmt.Errorf("%w: %d bytes do not fit a %d byte fallback block",
		ErrProviderExhausted, size, c.enc.size(c.pageSize))
}

// recycle gives up the active block. When the cache turns out to be its
// sole holder and the block can serve size bytes, the block is reused in
// place and recycle returns true.
func (c *Cache) recycle(size int) bool {
	b, enc := c.blk, c.enc

	if !b.SubRefsAndTestZero(c.bias) {
		// Outstanding fragments keep the block alive; the last Free releases it.
		c.stats.Abandons++
		c.reset()
		return false
	}

	if enc.emergency() || size > enc.size(c.pageSize) {
		if enc.emergency() {
			c.stats.EmergencyReleases++
			c.log().Debug("frag: releasing emergency block", "addr", fmt.Sprintf("0x%x", enc.addr()))
		}
		c.stats.Releases++
		c.reset()
		c.p.Release(b)
		return false
	}

	// Sole owner: nobody else can observe the count, a plain store is enough.
	b.SetRefs(c.cfg.Batch)
	c.bias = c.cfg.Batch
	c.offset = 0
	c.gen++
	c.pending.valid = false
	c.undo.valid = false
	c.stats.Reclaims++
	return true
}

// refill installs a fresh block, preferring the large size class.
func (c *Cache) refill(size int) error {
	var (
		b   *block.Block
		err error
	)
	if c.cfg.MaxOrder > 0 {
		b, err = c.p.Acquire(c.cfg.MaxOrder, block.FailFast|block.NoReserve)
		if b == nil {
			if size > c.pageSize && c.cfg.SmallFallback == FallbackSkip {
				c.stats.Failures++
				return fmt.Errorf("%w: order %d: %w", ErrProviderExhausted, c.cfg.MaxOrder, err)
			}
			c.stats.SmallFallbacks++
			c.log().Debug("frag: large block unavailable, falling back to order 0",
				"order", c.cfg.MaxOrder, "error", err)
		}
	}
	if b == nil {
		flags := block.Flags(0)
		if c.cfg.AllowReserve {
			flags |= block.AllowReserve
		}
		b, err = c.p.Acquire(0, flags)
	}
	if b == nil {
		c.stats.Failures++
		c.log().Debug("frag: refill failed", "size", size, "error", err)
		return fmt.Errorf("%w: %w", ErrProviderExhausted, err)
	}

	// Even as sole owner, add rather than store: the provider may hand out
	// references of its own.
	b.AddRefs(c.cfg.Batch - 1)

	c.enc = encodeBlock(b.Addr(), b.Order(), b.Emergency())
	c.blk = b
	c.bias = c.cfg.Batch
	c.offset = 0
	c.gen++
	c.pending.valid = false
	c.undo.valid = false
	c.stats.Refills++
	return nil
}

// reset forgets the active block without touching its reference count.
func (c *Cache) reset() {
	c.enc = 0
	c.blk = nil
	c.bias = 0
	c.offset = 0
	c.pending.valid = false
	c.undo.valid = false
}
