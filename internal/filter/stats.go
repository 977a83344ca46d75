package filter

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Stats counts chain decisions. It is safe for concurrent use.
type Stats struct {
	total   atomic.Uint64
	allowed atomic.Uint64

	mu         sync.Mutex
	filteredBy map[string]uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	TotalProcessed uint64            `json:"total_processed"`
	Allowed        uint64            `json:"allowed"`
	Filtered       uint64            `json:"filtered"`
	FilteredBy     map[string]uint64 `json:"filtered_by"`
}

// Rate is the fraction of processed events that were filtered.
func (s Snapshot) Rate() float64 {
	if s.TotalProcessed == 0 {
		return 0
	}
	return float64(s.Filtered) / float64(s.TotalProcessed)
}

// NewStats creates zeroed statistics.
func NewStats() *Stats {
	return &Stats{filteredBy: make(map[string]uint64)}
}

func (s *Stats) record(d Decision) {
	s.total.Add(1)
	if d.Allowed {
		s.allowed.Add(1)
		return
	}
	s.mu.Lock()
	s.filteredBy[d.RejectedBy]++
	s.mu.Unlock()
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	by := maps.Clone(s.filteredBy)
	s.mu.Unlock()

	var filtered uint64
	for _, n := range by {
		filtered += n
	}
	return Snapshot{
		TotalProcessed: s.total.Load(),
		Allowed:        s.allowed.Load(),
		Filtered:       filtered,
		FilteredBy:     by,
	}
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Store(0)
	s.allowed.Store(0)
	s.filteredBy = make(map[string]uint64)
}
