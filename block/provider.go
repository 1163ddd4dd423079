package block

// Flags tune a single Acquire call.
type Flags uint8

const (
	// FailFast forbids the provider from waiting for memory to be released.
	// Fragment caches always pass it for the large size class.
	FailFast Flags = 1 << iota

	// NoReserve forbids dipping into the emergency reserve, even if AllowReserve is set.
	NoReserve

	// AllowReserve lets the provider fall back to its emergency reserve when
	// the normal pool is exhausted. Blocks served that way report Emergency.
	AllowReserve
)

// Has reports whether all bits of x are set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Provider is the coarse-grained block allocator behind a fragment cache.
//
// Implementations must be safe for concurrent use: fragments are freed from
// arbitrary goroutines through Resolve and Release.
type Provider interface {
	// PageSize returns the order-0 block size in bytes.
	PageSize() int

	// Acquire returns a block of PageSize()<<order bytes with a reference
	// count of one, naturally aligned to its size.
	Acquire(order uint8, flags Flags) (*Block, error)

	// Release returns a block whose reference count reached zero.
	// Multi-page blocks are released as one unit.
	Release(b *Block)

	// Resolve maps any address inside a live block to that block.
	Resolve(addr Addr) (*Block, bool)
}
