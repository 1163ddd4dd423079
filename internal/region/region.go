// Package region maps the anonymous memory regions that block providers carve
// into pages.
package region

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrClosed is returned when a closed region is used.
var ErrClosed = errors.New("region: closed")

// Region is a contiguous writable memory window whose base address is aligned
// to the alignment requested at Map time.
type Region struct {
	mapping []byte // whole mapping, including the alignment slack
	data    []byte // aligned window handed to callers
	mapped  bool   // true when mapping came from mmap
}

// Map reserves size bytes aligned to align, which must be a power of two.
func Map(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: invalid size %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("region: alignment %d is not a power of two", align)
	}
	total := size + align
	if total < size {
		return nil, fmt.Errorf("region: size %d overflows with alignment %d", size, align)
	}

	mapping, mapped, err := mapAnon(total)
	if err != nil {
		return nil, fmt.Errorf("region: map %d bytes: %w", total, err)
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(mapping)))
	skew := int((uintptr(align) - base&uintptr(align-1)) & uintptr(align-1))

	return &Region{
		mapping: mapping,
		data:    mapping[skew : skew+size : skew+size],
		mapped:  mapped,
	}, nil
}

// Bytes returns the aligned window. It is nil after Close.
func (r *Region) Bytes() []byte { return r.data }

// Base returns the address of the first byte of the aligned window.
func (r *Region) Base() uintptr {
	if r.data == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// Len returns the size of the aligned window.
func (r *Region) Len() int { return len(r.data) }

// Mapped reports whether the window is backed by an anonymous mapping rather
// than the Go heap.
func (r *Region) Mapped() bool { return r.mapped }

// Decommit tells the OS that [off, off+n) may be discarded. The range stays
// addressable and reads back as zeroes once touched again.
func (r *Region) Decommit(off, n int) error {
	if r.data == nil {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.data) {
		return fmt.Errorf("region: decommit [%d, %d) outside window of %d bytes", off, off+n, len(r.data))
	}
	if n == 0 {
		return nil
	}
	return decommit(r.data[off:off+n], r.mapped)
}

// Close releases the mapping. Closing twice is a no-op.
func (r *Region) Close() error {
	if r.mapping == nil {
		return nil
	}
	mapping := r.mapping
	r.mapping, r.data = nil, nil
	return unmap(mapping, r.mapped)
}
