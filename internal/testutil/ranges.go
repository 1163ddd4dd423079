package testutil

import (
	"sort"
	"testing"

	"github.com/joshuapare/pagefrag/block"
)

// Span is a half-open address range [Addr, Addr+Size).
type Span struct {
	Addr block.Addr
	Size int
}

// End returns the first address past the span.
func (s Span) End() block.Addr { return s.Addr + block.Addr(s.Size) }

// RequireDisjoint fails the test when any two spans overlap or any span
// leaves [base, base+limit).
func RequireDisjoint(t testing.TB, spans []Span, base block.Addr, limit int) {
	t.Helper()

	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	for i, s := range sorted {
		if s.Addr < base || s.End() > base+block.Addr(limit) {
			t.Fatalf("span [0x%x, 0x%x) outside block [0x%x, 0x%x)", s.Addr, s.End(), base, base+block.Addr(limit))
		}
		if i > 0 && sorted[i-1].End() > s.Addr {
			t.Fatalf("spans overlap: [0x%x, 0x%x) and [0x%x, 0x%x)",
				sorted[i-1].Addr, sorted[i-1].End(), s.Addr, s.End())
		}
	}
}
