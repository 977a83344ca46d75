package watch

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/kiln/internal/debounce"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/queue"
)

// latencyWindow is how many recent per-event durations feed the percentiles.
const latencyWindow = 1024

// LatencyStats summarizes per-event processing time.
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	P50   time.Duration `json:"p50"`
	Mean  time.Duration `json:"mean"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// HandlerStats counts the invocations of one handler.
type HandlerStats struct {
	Invocations uint64        `json:"invocations"`
	Errors      uint64        `json:"errors"`
	Panics      uint64        `json:"panics"`
	TotalTime   time.Duration `json:"total_time"`
	MaxTime     time.Duration `json:"max_time"`
	LastError   string        `json:"last_error,omitempty"`
}

// MeanTime is the average duration of one invocation.
func (h HandlerStats) MeanTime() time.Duration {
	if h.Invocations == 0 {
		return 0
	}
	return h.TotalTime / time.Duration(h.Invocations)
}

// PerformanceStats is a snapshot of manager activity since New or ResetStats.
type PerformanceStats struct {
	// TotalEvents is the number of events taken off the queue for dispatch.
	TotalEvents   uint64 `json:"total_events"`
	RawReceived   uint64 `json:"raw_received"`
	Filtered      uint64 `json:"filtered"`
	Debounced     uint64 `json:"debounced"`
	Derived       uint64 `json:"derived"`
	Unhandled     uint64 `json:"unhandled"`
	Dropped       uint64 `json:"dropped"`
	Rejected      uint64 `json:"rejected"`
	HandlerErrors uint64 `json:"handler_errors"`
	HandlerPanics uint64 `json:"handler_panics"`
	BackendErrors uint64 `json:"backend_errors"`

	Latency  LatencyStats            `json:"latency"`
	Handlers map[string]HandlerStats `json:"handlers"`
	Filter   filter.Snapshot         `json:"filter"`
	Debounce debounce.Stats          `json:"debounce"`
	Queue    queue.Stats             `json:"queue"`

	LastEventAt time.Time `json:"last_event_at,omitzero"`
}

// stats is written by the loop and the dispatch goroutines and read by
// PerformanceStats.
type stats struct {
	raw           atomic.Uint64
	total         atomic.Uint64
	derived       atomic.Uint64
	unhandled     atomic.Uint64
	backendErrors atomic.Uint64
	lastEvent     atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	next      int
	handlers  map[string]*HandlerStats
}

func newStats() *stats {
	return &stats{handlers: make(map[string]*HandlerStats)}
}

func (s *stats) dispatched(at time.Time) {
	s.total.Add(1)
	s.lastEvent.Store(at.UnixNano())
}

// observe records one event's processing time in a ring of recent samples.
func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.durations) < latencyWindow {
		s.durations = append(s.durations, d)
		return
	}
	s.durations[s.next] = d
	s.next = (s.next + 1) % latencyWindow
}

func (s *stats) handlerDone(name string, d time.Duration, herr *handler.HandlerError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.handlers[name]
	if !ok {
		hs = &HandlerStats{}
		s.handlers[name] = hs
	}
	hs.Invocations++
	hs.TotalTime += d
	hs.MaxTime = max(hs.MaxTime, d)
	if herr != nil {
		if herr.Panic != nil {
			hs.Panics++
		} else {
			hs.Errors++
		}
		hs.LastError = herr.Error()
	}
}

func (s *stats) reset() {
	s.raw.Store(0)
	s.total.Store(0)
	s.derived.Store(0)
	s.unhandled.Store(0)
	s.backendErrors.Store(0)
	s.lastEvent.Store(0)

	s.mu.Lock()
	s.durations = nil
	s.next = 0
	s.handlers = make(map[string]*HandlerStats)
	s.mu.Unlock()
}

// ComputeLatency sorts a copy of durations and reads percentiles off it.
func ComputeLatency(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		P50:   sorted[len(sorted)*50/100],
		Mean:  sum / time.Duration(len(sorted)),
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Max:   sorted[len(sorted)-1],
	}
}

// PerformanceStats returns a snapshot of the counters. It is safe to call
// from any goroutine.
func (m *Manager) PerformanceStats() PerformanceStats {
	fs := m.chain.Stats().Snapshot()
	ds := m.debouncer.Stats()
	qs := m.queue.Stats()

	out := PerformanceStats{
		TotalEvents:   m.stats.total.Load(),
		RawReceived:   m.stats.raw.Load(),
		Filtered:      fs.Filtered,
		Debounced:     ds.Coalesced,
		Derived:       m.stats.derived.Load(),
		Unhandled:     m.stats.unhandled.Load(),
		Dropped:       qs.Dropped,
		Rejected:      qs.Rejected,
		BackendErrors: m.stats.backendErrors.Load(),
		Filter:        fs,
		Debounce:      ds,
		Queue:         qs,
	}
	if ns := m.stats.lastEvent.Load(); ns != 0 {
		out.LastEventAt = time.Unix(0, ns)
	}

	m.stats.mu.Lock()
	out.Latency = ComputeLatency(m.stats.durations)
	out.Handlers = make(map[string]HandlerStats, len(m.stats.handlers))
	for name, hs := range m.stats.handlers {
		out.Handlers[name] = *hs
		out.HandlerErrors += hs.Errors
		out.HandlerPanics += hs.Panics
	}
	m.stats.mu.Unlock()
	return out
}

// ResetStats zeroes every counter the manager owns, including the filter,
// debounce and queue counters. Queued and pending events are kept.
func (m *Manager) ResetStats() {
	m.stats.reset()
	m.chain.Stats().Reset()
	m.debouncer.ResetStats()
	m.queue.ResetStats()
}

// HandlerNames lists registered handler names in registration order.
func (m *Manager) HandlerNames() []string {
	return m.registry.Names()
}
