package block

import (
	"fmt"
	"sync/atomic"
)

// Addr is the address of a byte inside provider memory.
type Addr uintptr

// Block is a backing block handed out by a Provider.
//
// The address, order and emergency flag are fixed while the block is held.
// The reference count is shared and must only be changed through the
// methods below.
type Block struct {
	addr      Addr
	order     uint8
	emergency bool
	data      []byte

	refs atomic.Int32
}

// New returns a block over data with a reference count of one.
func New(addr Addr, order uint8, emergency bool, data []byte) *Block {
	b := &Block{}
	b.Reset(addr, order, emergency, data)
	return b
}

// Reset reinitialises a block descriptor for a fresh acquisition.
// Only providers call this, and only on blocks nobody references.
func (b *Block) Reset(addr Addr, order uint8, emergency bool, data []byte) {
	b.addr = addr
	b.order = order
	b.emergency = emergency
	b.data = data
	b.refs.Store(1)
}

// Addr returns the base address of the block.
func (b *Block) Addr() Addr { return b.addr }

// Order returns the size class exponent over the provider page size.
func (b *Block) Order() uint8 { return b.order }

// Emergency reports whether the block came from the provider's emergency reserve.
func (b *Block) Emergency() bool { return b.emergency }

// Size returns the block size in bytes.
func (b *Block) Size() int { return len(b.data) }

// Bytes returns the block memory.
func (b *Block) Bytes() []byte { return b.data }

// Contains reports whether addr falls inside the block.
func (b *Block) Contains(addr Addr) bool {
	return addr >= b.addr && addr < b.addr+Addr(len(b.data))
}

// AddRefs atomically adds n references.
func (b *Block) AddRefs(n int32) {
	if n < 0 {
		panic(fmt.Sprintf("block: negative AddRefs(%d)", n))
	}
	b.refs.Add(n)
}

// SubRefsAndTestZero atomically drops n references and reports whether the
// count reached zero. The caller that observes true owns the block exclusively.
func (b *Block) SubRefsAndTestZero(n int32) bool {
	v := b.refs.Add(-n)
	if v < 0 {
		panic(fmt.Sprintf("block: refcount underflow at 0x%x (sub %d, now %d)", b.addr, n, v))
	}
	return v == 0
}

// SetRefs stores n without synchronising with other holders. Valid only right
// after SubRefsAndTestZero returned true for the caller.
func (b *Block) SetRefs(n int32) {
	b.refs.Store(n)
}

// RefCount returns the current reference count.
func (b *Block) RefCount() int32 {
	return b.refs.Load()
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	return fmt.Sprintf("block{addr=0x%x order=%d emergency=%t refs=%d}",
		b.addr, b.order, b.emergency, b.refs.Load())
}
