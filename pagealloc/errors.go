package pagealloc

import "errors"

var (
	// ErrNoMemory indicates that no pool could supply a block of the requested order.
	ErrNoMemory = errors.New("pagealloc: out of memory")

	// ErrBadOrder indicates an order above the allocator's MaxOrder.
	ErrBadOrder = errors.New("pagealloc: order above max order")

	// ErrClosed indicates use of an allocator after Close.
	ErrClosed = errors.New("pagealloc: closed")

	// ErrInvalidOptions indicates Options that failed validation.
	ErrInvalidOptions = errors.New("pagealloc: invalid options")
)
