package frag

import (
	"fmt"

	"github.com/joshuapare/pagefrag/block"
)

// Blocks are aligned to at least minPageSize bytes, so the low nine bits of
// a block address are always zero. They carry the order and the emergency
// flag, letting the fast path decode everything it needs from one word.
const (
	orderMask    = 0xff
	emergencyBit = 1 << 8
	tagMask      = orderMask | emergencyBit

	minPageSize = tagMask + 1
)

// encodedBlock is a block address tagged with its order and emergency flag.
// Zero means no block.
type encodedBlock uintptr

func encodeBlock(addr block.Addr, order uint8, emergency bool) encodedBlock {
	if uintptr(addr)&tagMask != 0 {
		panic(fmt.Sprintf("frag: block address 0x%x is not aligned to %d", addr, minPageSize))
	}
	e := encodedBlock(addr) | encodedBlock(order)
	if emergency {
		e |= emergencyBit
	}
	return e
}

func (e encodedBlock) addr() block.Addr { return block.Addr(e &^ tagMask) }

func (e encodedBlock) order() uint8 { return uint8(e & orderMask) }

func (e encodedBlock) emergency() bool { return e&emergencyBit != 0 }

// size returns the block size given the provider page size.
func (e encodedBlock) size(pageSize int) int { return pageSize << e.order() }
