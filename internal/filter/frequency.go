package filter

import (
	"sync"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

// sweepEvery is how many decisions pass between sweeps of idle paths.
const sweepEvery = 1024

// Frequency caps how many events a single path may produce per window.
// Each path keeps a deque of accepted timestamps; timestamps older than the
// window are pruned before every decision, and paths whose deque empties are
// forgotten on the next sweep.
type Frequency struct {
	max    int
	window time.Duration
	now    ClockFunc

	mu    sync.Mutex
	paths map[string][]time.Time
	ops   int
}

// FrequencyCap allows at most limit events per path within window.
func FrequencyCap(limit int, window time.Duration, now ClockFunc) *Frequency {
	if now == nil {
		now = time.Now
	}
	return &Frequency{
		max:    limit,
		window: window,
		now:    now,
		paths:  make(map[string][]time.Time),
	}
}

// Name returns FrequencyName.
func (f *Frequency) Name() string { return FrequencyName }

// Allow records ev and reports whether its path is under the cap.
func (f *Frequency) Allow(ev event.FileEvent) bool {
	if f.max <= 0 || f.window <= 0 {
		return true
	}
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.window)
	if f.ops++; f.ops%sweepEvery == 0 {
		f.sweep(cutoff)
	}

	hits := prune(f.paths[ev.Path], cutoff)
	if len(hits) >= f.max {
		f.paths[ev.Path] = hits
		return false
	}
	f.paths[ev.Path] = append(hits, now)
	return true
}

// Tracked returns how many paths currently hold a non-empty window.
func (f *Frequency) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep(f.now().Add(-f.window))
	return len(f.paths)
}

func (f *Frequency) sweep(cutoff time.Time) {
	for p, hits := range f.paths {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(f.paths, p)
		} else {
			f.paths[p] = hits
		}
	}
}

// prune drops timestamps at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
