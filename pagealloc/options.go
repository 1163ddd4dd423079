package pagealloc

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultPageSize is the order-0 block size.
	DefaultPageSize = 4096

	// DefaultMaxOrder gives 32 KiB blocks with 4 KiB pages.
	DefaultMaxOrder = 3

	// DefaultPages is the size of the normal pool (4 MiB with 4 KiB pages).
	DefaultPages = 1024

	// maxSupportedOrder keeps the order inside the 8 bits the fragment cache
	// packs next to the block address.
	maxSupportedOrder = 10

	// minPageSize leaves room for the order byte and the emergency bit in the
	// low bits of a block address.
	minPageSize = 512
)

// Options configures an Allocator.
type Options struct {
	// PageSize is the order-0 block size. Power of two, at least 512.
	PageSize int

	// MaxOrder is the largest order Acquire accepts.
	MaxOrder uint8

	// Pages is the number of pages in the normal pool.
	// Must be a multiple of 1<<MaxOrder.
	Pages int

	// ReservePages is the number of pages in the emergency reserve, served
	// only to Acquire calls carrying block.AllowReserve.
	// Must be zero or a multiple of 1<<MaxOrder.
	ReservePages int

	// Wait bounds how long an Acquire without block.FailFast waits for a
	// release before giving up. Zero never waits.
	Wait time.Duration

	// Decommit returns the physical memory of released blocks to the OS.
	Decommit bool

	// Logger overrides the package logger (internal/logger.L).
	Logger *slog.Logger
}

// DefaultOptions returns the options used when New is given a zero Options.
func DefaultOptions() Options {
	return Options{
		PageSize: DefaultPageSize,
		MaxOrder: DefaultMaxOrder,
		Pages:    DefaultPages,
	}
}

// withDefaults fills unset sizing fields.
func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Pages == 0 {
		o.Pages = DefaultPages
	}
	return o
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	if o.PageSize < minPageSize || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d must be a power of two >= %d", ErrInvalidOptions, o.PageSize, minPageSize)
	}
	if o.MaxOrder > maxSupportedOrder {
		return fmt.Errorf("%w: max order %d above %d", ErrInvalidOptions, o.MaxOrder, maxSupportedOrder)
	}
	unit := 1 << o.MaxOrder
	if o.Pages <= 0 || o.Pages%unit != 0 {
		return fmt.Errorf("%w: pages %d must be a positive multiple of %d", ErrInvalidOptions, o.Pages, unit)
	}
	if o.ReservePages < 0 || o.ReservePages%unit != 0 {
		return fmt.Errorf("%w: reserve pages %d must be a multiple of %d", ErrInvalidOptions, o.ReservePages, unit)
	}
	if o.Wait < 0 {
		return fmt.Errorf("%w: negative wait %s", ErrInvalidOptions, o.Wait)
	}
	return nil
}
