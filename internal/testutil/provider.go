// Package testutil provides block providers and helpers shared by tests.
package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/pagealloc"
)

// PageSize is the page size used by test providers.
const PageSize = 4096

// NewAllocator creates a page allocator and closes it when the test ends.
//
// Example:
//
//	pa := testutil.NewAllocator(t, pagealloc.Options{Pages: 64, MaxOrder: 3})
func NewAllocator(t testing.TB, opts pagealloc.Options) *pagealloc.Allocator {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = PageSize
	}
	pa, err := pagealloc.New(opts)
	if err != nil {
		t.Fatalf("pagealloc.New: %v", err)
	}
	t.Cleanup(func() {
		if err := pa.Close(); err != nil {
			t.Errorf("pagealloc.Close: %v", err)
		}
	})
	return pa
}

// AcquireCall records one Acquire on a RecordingProvider.
type AcquireCall struct {
	Order uint8
	Flags block.Flags
	OK    bool
}

// RecordingProvider wraps a provider, records every call and can be told to
// fail acquisitions of given orders.
type RecordingProvider struct {
	inner block.Provider

	mu       sync.Mutex
	acquires []AcquireCall
	releases []block.Addr
	failing  map[uint8]bool
}

// NewRecording wraps p.
func NewRecording(p block.Provider) *RecordingProvider {
	return &RecordingProvider{inner: p, failing: make(map[uint8]bool)}
}

// NewRecordingAllocator wraps a fresh test allocator.
func NewRecordingAllocator(t testing.TB, opts pagealloc.Options) (*RecordingProvider, *pagealloc.Allocator) {
	t.Helper()
	pa := NewAllocator(t, opts)
	return NewRecording(pa), pa
}

// PageSize implements block.Provider.
func (r *RecordingProvider) PageSize() int { return r.inner.PageSize() }

// Acquire implements block.Provider.
func (r *RecordingProvider) Acquire(order uint8, flags block.Flags) (*block.Block, error) {
	r.mu.Lock()
	fail := r.failing[order]
	r.mu.Unlock()

	var (
		b   *block.Block
		err error
	)
	if fail {
		err = fmt.Errorf("%w: order %d (injected)", pagealloc.ErrNoMemory, order)
	} else {
		b, err = r.inner.Acquire(order, flags)
	}

	r.mu.Lock()
	r.acquires = append(r.acquires, AcquireCall{Order: order, Flags: flags, OK: b != nil})
	r.mu.Unlock()
	return b, err
}

// Release implements block.Provider.
func (r *RecordingProvider) Release(b *block.Block) {
	r.mu.Lock()
	r.releases = append(r.releases, b.Addr())
	r.mu.Unlock()
	r.inner.Release(b)
}

// Resolve implements block.Provider.
func (r *RecordingProvider) Resolve(addr block.Addr) (*block.Block, bool) {
	return r.inner.Resolve(addr)
}

// FailOrder makes Acquire of the given order fail (or succeed again).
func (r *RecordingProvider) FailOrder(order uint8, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[order] = fail
}

// Acquires returns a copy of the recorded Acquire calls.
func (r *RecordingProvider) Acquires() []AcquireCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AcquireCall(nil), r.acquires...)
}

// Releases returns the addresses of released blocks, in order.
func (r *RecordingProvider) Releases() []block.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]block.Addr(nil), r.releases...)
}

// Reset forgets the recorded calls.
func (r *RecordingProvider) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquires = nil
	r.releases = nil
}

// Compile-time interface check
var _ block.Provider = (*RecordingProvider)(nil)
