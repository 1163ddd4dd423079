package pagealloc

// Stats is a snapshot of allocator counters.
type Stats struct {
	PageSize     int `json:"page_size"`
	Pages        int `json:"pages"`
	FreePages    int `json:"free_pages"`
	ReservePages int `json:"reserve_pages"`
	ReserveFree  int `json:"reserve_free"`

	// LargestFreeOrder is the highest order still available in the normal
	// pool, or -1 when it is empty.
	LargestFreeOrder int `json:"largest_free_order"`

	InUseBlocks       int      `json:"in_use_blocks"`
	Acquires          []uint64 `json:"acquires"` // indexed by order
	Failures          []uint64 `json:"failures"` // indexed by order
	EmergencyAcquires uint64   `json:"emergency_acquires"`
	Releases          uint64   `json:"releases"`
	Waits             uint64   `json:"waits"`
}

func newStats(opts Options) Stats {
	return Stats{
		PageSize:     opts.PageSize,
		Pages:        opts.Pages,
		ReservePages: opts.ReservePages,
		Acquires:     make([]uint64, opts.MaxOrder+1),
		Failures:     make([]uint64, opts.MaxOrder+1),
	}
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Acquires = append([]uint64(nil), a.stats.Acquires...)
	s.Failures = append([]uint64(nil), a.stats.Failures...)
	s.FreePages = int(a.normal.freePages)
	s.LargestFreeOrder = a.normal.largestFree()
	if a.reserve != nil {
		s.ReserveFree = int(a.reserve.freePages)
	}
	return s
}

// FreeBytes returns the free bytes of the normal pool.
func (s Stats) FreeBytes() int64 { return int64(s.FreePages) * int64(s.PageSize) }

// TotalBytes returns the size of the normal pool.
func (s Stats) TotalBytes() int64 { return int64(s.Pages) * int64(s.PageSize) }
