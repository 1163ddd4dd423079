package frag_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/frag"
	"github.com/joshuapare/pagefrag/internal/testutil"
	"github.com/joshuapare/pagefrag/pagealloc"
)

func newCache(t *testing.T, opts pagealloc.Options, cfg frag.Config) (*frag.Cache, *testutil.RecordingProvider, *pagealloc.Allocator) {
	t.Helper()
	rp, pa := testutil.NewRecordingAllocator(t, opts)
	c, err := frag.New(rp, cfg)
	require.NoError(t, err)
	return c, rp, pa
}

func uintptrOf(b []byte) uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(b))) }

func smallCache(t *testing.T) (*frag.Cache, *testutil.RecordingProvider, *pagealloc.Allocator) {
	t.Helper()
	return newCache(t, pagealloc.Options{Pages: 4096, MaxOrder: 0}, frag.ConfigSmallOnly)
}

// TestCache_Scenarios walks through the basic lifecycle on one-page blocks.
func TestCache_Scenarios(t *testing.T) {
	c, rp, _ := smallCache(t)
	batch := c.Config().Batch

	var (
		base  block.Addr
		first block.Addr
	)

	t.Run("fresh allocation", func(t *testing.T) {
		addr, data, err := c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		require.Len(t, data, 100)

		var ok bool
		base, _, ok = c.Active()
		require.True(t, ok)

		assert.Equal(t, base, addr)
		assert.Equal(t, 100, c.Offset())
		assert.Equal(t, batch-1, c.Bias())
		assert.Len(t, rp.Acquires(), 1)
		first = addr
	})

	t.Run("reclaim after free", func(t *testing.T) {
		require.NoError(t, frag.Free(rp, first))

		addr, _, err := c.Alloc(4000, frag.NoAlign)
		require.NoError(t, err)

		assert.Equal(t, base, addr, "same block reused from offset 0")
		assert.Equal(t, 4000, c.Offset())
		assert.Len(t, rp.Acquires(), 1, "no new acquisition")
		assert.Equal(t, uint64(1), c.Stats().Reclaims)
	})

	t.Run("prepare and partial commit", func(t *testing.T) {
		before := c.Offset()
		f, err := c.Prepare(10, frag.NoAlign)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f.Size, 10)

		data := c.Commit(f, 7)
		assert.Len(t, data, 7)
		assert.Equal(t, before+7, c.Offset())

		p, ok := c.Probe(1, frag.NoAlign)
		require.True(t, ok)
		assert.Equal(t, 4096-c.Offset(), p.Size)
	})

	t.Run("oversize", func(t *testing.T) {
		calls := len(rp.Acquires())
		off, bias := c.Offset(), c.Bias()

		_, _, err := c.Alloc(5000, frag.NoAlign)
		require.ErrorIs(t, err, frag.ErrOversize)

		assert.Len(t, rp.Acquires(), calls, "provider not consulted")
		assert.Equal(t, off, c.Offset())
		assert.Equal(t, bias, c.Bias())
	})

	t.Run("abort restores state", func(t *testing.T) {
		f, err := c.Prepare(16, frag.NoAlign)
		require.NoError(t, err)
		off, bias := c.Offset(), c.Bias()

		c.Commit(f, 16)
		assert.Equal(t, bias-1, c.Bias())

		c.Abort(16)
		assert.Equal(t, off, c.Offset())
		assert.Equal(t, bias, c.Bias())
	})
}

// TestCache_AbandonWithOutstanding checks that a block still referenced by
// fragments is left to them and a new block is installed.
func TestCache_AbandonWithOutstanding(t *testing.T) {
	c, rp, pa := smallCache(t)

	first, _, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)

	second, _, err := c.Alloc(4000, frag.NoAlign)
	require.NoError(t, err)

	assert.NotEqual(t, first&^0xfff, second&^0xfff)
	assert.Len(t, rp.Acquires(), 2)
	assert.Empty(t, rp.Releases())
	assert.Equal(t, uint64(1), c.Stats().Abandons)

	// The outstanding fragment's Free releases the abandoned block.
	require.NoError(t, frag.Free(rp, first))
	assert.Equal(t, []block.Addr{first}, rp.Releases())
	assert.Equal(t, 1, pa.Stats().InUseBlocks)
}

// TestCache_ReclaimKeepsBlock checks in-place reuse of a sole-owned block.
func TestCache_ReclaimKeepsBlock(t *testing.T) {
	c, rp, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3}, frag.ConfigNetwork)

	var addrs []block.Addr
	for range 8 {
		addr, _, err := c.Alloc(4096, frag.NoAlign)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	base, size, _ := c.Active()
	assert.Equal(t, 32768, size)
	assert.Equal(t, 0, c.Remaining())

	for _, a := range addrs {
		require.NoError(t, frag.Free(rp, a))
	}
	gen := c.Generation()

	addr, _, err := c.Alloc(64, frag.NoAlign)
	require.NoError(t, err)

	assert.Equal(t, base, addr)
	assert.Equal(t, gen+1, c.Generation())
	assert.Equal(t, c.Config().Batch-1, c.Bias())
	assert.Len(t, rp.Acquires(), 1)
	assert.Empty(t, rp.Releases())

	b, ok := rp.Resolve(addr)
	require.True(t, ok)
	assert.Equal(t, c.Config().Batch, b.RefCount())
}

// TestCache_Alignment checks aligned fragment starts and padding accounting.
func TestCache_Alignment(t *testing.T) {
	c, _, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3}, frag.ConfigNetwork)

	_, _, err := c.Alloc(3, frag.NoAlign)
	require.NoError(t, err)

	for _, align := range []int{2, 8, 64, 256, 1024} {
		addr, data, err := c.Alloc(5, align)
		require.NoError(t, err)
		assert.Zero(t, int(addr)%align, "align %d", align)
		assert.Equal(t, addr, block.Addr(uintptrOf(data)))
	}
	assert.NotZero(t, c.Stats().Padding)
}

// TestCache_BadArguments checks argument validation.
func TestCache_BadArguments(t *testing.T) {
	c, rp, _ := smallCache(t)

	_, _, err := c.Alloc(10, 3)
	assert.ErrorIs(t, err, frag.ErrBadAlign)
	_, _, err = c.Alloc(10, 0)
	assert.ErrorIs(t, err, frag.ErrBadAlign)
	_, _, err = c.Alloc(0, frag.NoAlign)
	assert.ErrorIs(t, err, frag.ErrInvalidSize)
	_, err = c.Prepare(-1, frag.NoAlign)
	assert.ErrorIs(t, err, frag.ErrInvalidSize)
	_, err = c.Prepare(1, 6)
	assert.ErrorIs(t, err, frag.ErrBadAlign)

	assert.Empty(t, rp.Acquires())
}

// TestCache_OversizeOnEmpty checks that the ceiling is enforced before any
// provider call even with no active block.
func TestCache_OversizeOnEmpty(t *testing.T) {
	c, rp, _ := smallCache(t)

	_, _, err := c.Alloc(4097, frag.NoAlign)
	require.ErrorIs(t, err, frag.ErrOversize)
	_, err = c.Prepare(8192, frag.NoAlign)
	require.ErrorIs(t, err, frag.ErrOversize)

	assert.Empty(t, rp.Acquires())
	_, _, ok := c.Active()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), c.Stats().Oversize)
}

// TestCache_OversizeWithRoom checks that a request above the ceiling fails
// even when the active 32 KiB block still has room for it.
func TestCache_OversizeWithRoom(t *testing.T) {
	c, rp, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3}, frag.ConfigNetwork)

	_, _, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)
	require.Greater(t, c.Remaining(), 5000)

	off, bias, gen := c.Offset(), c.Bias(), c.Generation()
	acquires := len(rp.Acquires())

	_, _, err = c.Alloc(5000, frag.NoAlign)
	require.ErrorIs(t, err, frag.ErrOversize)
	_, err = c.Prepare(5000, frag.NoAlign)
	require.ErrorIs(t, err, frag.ErrOversize)

	assert.Equal(t, off, c.Offset())
	assert.Equal(t, bias, c.Bias())
	assert.Equal(t, gen, c.Generation())
	assert.Len(t, rp.Acquires(), acquires)
	assert.Equal(t, uint64(2), c.Stats().Oversize)

	// A request at the ceiling is still served from the same block.
	_, data, err := c.Alloc(4096, frag.NoAlign)
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	assert.Equal(t, gen, c.Generation())
}

// TestCache_SmallFallback checks the order-0 fallback when the large order fails.
func TestCache_SmallFallback(t *testing.T) {
	c, rp, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3}, frag.ConfigNetwork)
	rp.FailOrder(3, true)

	_, _, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)

	calls := rp.Acquires()
	require.Len(t, calls, 2)
	assert.Equal(t, testutil.AcquireCall{Order: 3, Flags: block.FailFast | block.NoReserve, OK: false}, calls[0])
	assert.Equal(t, uint8(0), calls[1].Order)
	assert.True(t, calls[1].OK)

	_, size, _ := c.Active()
	assert.Equal(t, 4096, size)
	assert.Equal(t, uint64(1), c.Stats().SmallFallbacks)
}

// TestCache_FallbackPolicy checks the two policies for requests above one page.
func TestCache_FallbackPolicy(t *testing.T) {
	t.Run("keep", func(t *testing.T) {
		c, rp, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3},
			frag.Config{MaxOrder: 3, Ceiling: 32768})
		rp.FailOrder(3, true)

		_, _, err := c.Alloc(8000, frag.NoAlign)
		require.ErrorIs(t, err, frag.ErrProviderExhausted)

		_, size, ok := c.Active()
		require.True(t, ok)
		assert.Equal(t, 4096, size)

		// The kept block serves the next small request without a refill.
		calls := len(rp.Acquires())
		_, _, err = c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		assert.Len(t, rp.Acquires(), calls)
	})

	t.Run("skip", func(t *testing.T) {
		c, rp, _ := newCache(t, pagealloc.Options{Pages: 64, MaxOrder: 3}, frag.ConfigJumbo)
		rp.FailOrder(3, true)

		_, _, err := c.Alloc(8000, frag.NoAlign)
		require.ErrorIs(t, err, frag.ErrProviderExhausted)

		_, _, ok := c.Active()
		assert.False(t, ok)
		assert.Len(t, rp.Acquires(), 1)

		// Requests that fit one page still fall back.
		_, _, err = c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		_, size, _ := c.Active()
		assert.Equal(t, 4096, size)
	})
}

// TestCache_Exhausted checks failure when the provider is out of memory.
func TestCache_Exhausted(t *testing.T) {
	c, rp, _ := newCache(t, pagealloc.Options{Pages: 1, MaxOrder: 0}, frag.ConfigSmallOnly)

	first, _, err := c.Alloc(4000, frag.NoAlign)
	require.NoError(t, err)

	_, _, err = c.Alloc(4000, frag.NoAlign)
	require.ErrorIs(t, err, frag.ErrProviderExhausted)
	require.ErrorIs(t, err, pagealloc.ErrNoMemory)

	_, _, ok := c.Active()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Failures)

	require.NoError(t, frag.Free(rp, first))
	_, _, err = c.Alloc(4000, frag.NoAlign)
	assert.NoError(t, err)
}

// TestCache_EmergencyNotRetained checks that a sole-owned reserve block goes
// back to the provider instead of being reclaimed.
func TestCache_EmergencyNotRetained(t *testing.T) {
	cfg := frag.ConfigSmallOnly
	cfg.AllowReserve = true
	c, rp, pa := newCache(t, pagealloc.Options{Pages: 1, ReservePages: 1, MaxOrder: 0}, cfg)

	// Take the only normal page so the cache is served from the reserve.
	held, err := pa.Acquire(0, block.FailFast)
	require.NoError(t, err)

	addr, _, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)
	require.True(t, c.IsEmergency())
	reserveBase, _, _ := c.Active()

	require.NoError(t, frag.Free(rp, addr))
	require.True(t, held.SubRefsAndTestZero(1))
	pa.Release(held)

	_, _, err = c.Alloc(4000, frag.NoAlign)
	require.NoError(t, err)

	assert.False(t, c.IsEmergency())
	assert.Contains(t, rp.Releases(), reserveBase)
	assert.Equal(t, uint64(1), c.Stats().EmergencyReleases)
	assert.Zero(t, c.Stats().Reclaims)

	st := pa.Stats()
	assert.Equal(t, st.ReservePages, st.ReserveFree)
}

// TestCache_BiasExhaustion checks that a block handing out its last prepaid
// reference is replaced rather than over-committed.
func TestCache_BiasExhaustion(t *testing.T) {
	c, rp, _ := newCache(t, pagealloc.Options{Pages: 8, MaxOrder: 0},
		frag.Config{Name: "tiny-batch", Batch: 4097})

	cfg := c.Config()
	n := int(cfg.Batch - 1)
	for range n {
		_, _, err := c.Alloc(1, frag.NoAlign)
		require.NoError(t, err)
	}
	// 4096 one-byte fragments fill the page exactly and leave bias at 1.
	assert.Equal(t, int32(1), c.Bias())
	assert.Len(t, rp.Acquires(), 1)

	_, _, err := c.Alloc(1, frag.NoAlign)
	require.NoError(t, err)
	assert.Len(t, rp.Acquires(), 2)
	assert.Equal(t, uint64(1), c.Stats().Abandons)
}

// TestCache_Drain checks drain with and without outstanding fragments.
func TestCache_Drain(t *testing.T) {
	t.Run("outstanding fragment keeps block", func(t *testing.T) {
		c, rp, pa := smallCache(t)
		addr, _, err := c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)

		c.Drain()
		_, _, ok := c.Active()
		assert.False(t, ok)
		assert.Empty(t, rp.Releases())

		require.NoError(t, frag.Free(rp, addr))
		assert.Len(t, rp.Releases(), 1)
		assert.Zero(t, pa.Stats().InUseBlocks)
	})

	t.Run("sole holder releases", func(t *testing.T) {
		c, rp, _ := smallCache(t)
		addr, _, err := c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		require.NoError(t, frag.Free(rp, addr))

		c.Drain()
		assert.Len(t, rp.Releases(), 1)
		assert.Equal(t, uint64(1), c.Stats().Releases)
	})

	t.Run("idempotent", func(t *testing.T) {
		c, rp, _ := smallCache(t)
		c.Drain()
		_, _, err := c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)

		c.Drain()
		c.Drain()
		assert.Equal(t, uint64(1), c.Stats().Drains)
		assert.Empty(t, rp.Releases())
	})

	t.Run("reusable after drain", func(t *testing.T) {
		c, rp, _ := smallCache(t)
		_, _, err := c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		c.Drain()

		_, _, err = c.Alloc(100, frag.NoAlign)
		require.NoError(t, err)
		assert.Len(t, rp.Acquires(), 2)
	})
}

// TestFree_BadAddr checks that unknown addresses are rejected.
func TestFree_BadAddr(t *testing.T) {
	c, rp, _ := smallCache(t)

	assert.ErrorIs(t, frag.Free(rp, 0x10), frag.ErrBadAddr)
	assert.ErrorIs(t, frag.FreeSlice(rp, nil), frag.ErrBadAddr)

	// A page of the region with no live block.
	addr, _, err := c.Alloc(1, frag.NoAlign)
	require.NoError(t, err)
	assert.ErrorIs(t, frag.Free(rp, addr+block.Addr(4096)), frag.ErrBadAddr)
}

// TestFreeSlice checks freeing through the fragment bytes, including an
// interior slice.
func TestFreeSlice(t *testing.T) {
	c, rp, _ := smallCache(t)

	_, a, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)
	_, b, err := c.Alloc(100, frag.NoAlign)
	require.NoError(t, err)
	c.Drain()

	require.NoError(t, frag.FreeSlice(rp, a))
	assert.Empty(t, rp.Releases())
	require.NoError(t, frag.FreeSlice(rp, b[50:]))
	assert.Len(t, rp.Releases(), 1)
}

// TestNew_Invalid checks constructor validation.
func TestNew_Invalid(t *testing.T) {
	_, err := frag.New(nil, frag.DefaultConfig)
	assert.ErrorIs(t, err, frag.ErrInvalidConfig)

	rp, _ := testutil.NewRecordingAllocator(t, pagealloc.Options{Pages: 8, MaxOrder: 0})
	_, err = frag.New(rp, frag.Config{Name: "big", MaxOrder: 0, Ceiling: 8192})
	assert.ErrorIs(t, err, frag.ErrInvalidConfig)

	c, err := frag.New(rp, frag.Config{})
	require.NoError(t, err)
	assert.Equal(t, frag.DefaultConfig.Name, c.Config().Name)
}
