package frag

// Stats counts cache events. All counters are cumulative since New or the
// last ResetStats.
type Stats struct {
	Allocs  uint64 `json:"allocs"`  // fragments carved with a reference (Alloc, Commit)
	NoRefs  uint64 `json:"no_refs"` // fragments carved by CommitNoRef
	Aborts  uint64 `json:"aborts"`  // Abort and AbortRef calls
	Bytes   uint64 `json:"bytes"`   // bytes carved, alignment padding excluded
	Padding uint64 `json:"padding"` // bytes skipped to honour alignment

	Refills           uint64 `json:"refills"`            // new blocks installed
	SmallFallbacks    uint64 `json:"small_fallbacks"`    // refills that fell back to order 0
	Reclaims          uint64 `json:"reclaims"`           // in-place reuse of a sole-owned block
	Abandons          uint64 `json:"abandons"`           // blocks left to outstanding fragments
	EmergencyReleases uint64 `json:"emergency_releases"` // sole-owned reserve blocks given back
	Releases          uint64 `json:"releases"`           // blocks the cache itself returned to the provider

	Failures uint64 `json:"failures"` // provider could not supply any block
	Oversize uint64 `json:"oversize"` // requests above the ceiling
	Drains   uint64 `json:"drains"`   // Drain calls that dropped a block
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Allocs += o.Allocs
	s.NoRefs += o.NoRefs
	s.Aborts += o.Aborts
	s.Bytes += o.Bytes
	s.Padding += o.Padding
	s.Refills += o.Refills
	s.SmallFallbacks += o.SmallFallbacks
	s.Reclaims += o.Reclaims
	s.Abandons += o.Abandons
	s.EmergencyReleases += o.EmergencyReleases
	s.Releases += o.Releases
	s.Failures += o.Failures
	s.Oversize += o.Oversize
	s.Drains += o.Drains
}

// Generations returns the number of block generations started.
func (s Stats) Generations() uint64 { return s.Refills + s.Reclaims }

// FragmentsPerGeneration returns the mean number of fragments carved per
// block generation, or 0 before the first refill.
func (s Stats) FragmentsPerGeneration() float64 {
	g := s.Generations()
	if g == 0 {
		return 0
	}
	return float64(s.Allocs+s.NoRefs) / float64(g)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats { return c.stats }

// ResetStats zeroes the cache counters.
func (c *Cache) ResetStats() { c.stats = Stats{} }
