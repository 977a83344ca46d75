// Package debounce coalesces rapid notifications for the same path into one
// logical change.
//
// A Debouncer is owned by a single goroutine and is not safe for concurrent
// use. It holds no timers of its own: the owner asks NextDeadline when to wake
// up and calls Expired with the current time.
package debounce

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

// Options tunes coalescing.
type Options struct {
	// SuppressTransient drops a path entirely when it was created and deleted
	// inside a single window. By default such a path emits Deleted.
	SuppressTransient bool
}

// Stats counts debouncer activity since construction or Reset.
type Stats struct {
	Received   uint64 `json:"received"`
	Coalesced  uint64 `json:"coalesced"`
	Emitted    uint64 `json:"emitted"`
	Suppressed uint64 `json:"suppressed"`
	Pending    int    `json:"pending"`
}

type entry struct {
	event      event.FileEvent
	firstKind  event.Kind
	lastSeen   time.Time
	deadline   time.Time
	count      int
	sawDeleted bool
	seq        uint64
}

// Debouncer tracks one pending entry per path. Only Stats may be called
// from a goroutine other than the owner.
type Debouncer struct {
	opts    Options
	pending map[string]*entry
	seq     uint64

	received   atomic.Uint64
	coalesced  atomic.Uint64
	emitted    atomic.Uint64
	suppressed atomic.Uint64
	waiting    atomic.Int64
}

// New creates an empty Debouncer.
func New(opts Options) *Debouncer {
	return &Debouncer{
		opts:    opts,
		pending: make(map[string]*entry),
	}
}

// Add records a notification observed at now. When window is zero or
// negative the event bypasses coalescing and Add returns it with ok set;
// otherwise the event is held until the window elapses without another
// notification for the same path.
func (d *Debouncer) Add(ev event.FileEvent, window time.Duration, now time.Time) (out event.FileEvent, ok bool) {
	d.received.Add(1)

	e, exists := d.pending[ev.Path]
	if window <= 0 && !exists {
		d.emitted.Add(1)
		return ev, true
	}

	if !exists {
		d.seq++
		e = &entry{
			firstKind: ev.Kind,
			seq:       d.seq,
		}
		d.pending[ev.Path] = e
		d.waiting.Store(int64(len(d.pending)))
	} else {
		d.coalesced.Add(1)
	}

	e.event = ev
	e.count++
	e.lastSeen = now
	e.deadline = now.Add(window)
	if ev.Kind == event.KindDeleted {
		e.sawDeleted = true
	}
	if e.sawDeleted {
		e.event.Kind = event.KindDeleted
		e.event.Metadata = nil
	}

	if window <= 0 {
		return d.release(ev.Path, e)
	}
	return event.FileEvent{}, false
}

// Expired removes and returns every entry whose window has elapsed at now,
// ordered by deadline.
func (d *Debouncer) Expired(now time.Time) []event.FileEvent {
	var due []*entry
	var paths []string
	for path, e := range d.pending {
		if !e.deadline.After(now) {
			due = append(due, e)
			paths = append(paths, path)
		}
	}
	if len(due) == 0 {
		return nil
	}

	idx := make([]int, len(due))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ea, eb := due[idx[a]], due[idx[b]]
		if !ea.deadline.Equal(eb.deadline) {
			return ea.deadline.Before(eb.deadline)
		}
		return ea.seq < eb.seq
	})

	out := make([]event.FileEvent, 0, len(due))
	for _, i := range idx {
		if ev, ok := d.release(paths[i], due[i]); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Flush removes and returns every pending entry regardless of its deadline.
func (d *Debouncer) Flush() []event.FileEvent {
	var latest time.Time
	for _, e := range d.pending {
		if e.deadline.After(latest) {
			latest = e.deadline
		}
	}
	return d.Expired(latest)
}

// NextDeadline returns the earliest pending deadline.
func (d *Debouncer) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range d.pending {
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}

// Pending returns the number of paths waiting for their window to elapse.
func (d *Debouncer) Pending() int { return len(d.pending) }

// Stats returns a snapshot of the counters.
func (d *Debouncer) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Coalesced:  d.coalesced.Load(),
		Emitted:    d.emitted.Load(),
		Suppressed: d.suppressed.Load(),
		Pending:    int(d.waiting.Load()),
	}
}

// ResetStats zeroes the counters. Pending entries are kept.
func (d *Debouncer) ResetStats() {
	d.received.Store(0)
	d.coalesced.Store(0)
	d.emitted.Store(0)
	d.suppressed.Store(0)
}

func (d *Debouncer) release(path string, e *entry) (event.FileEvent, bool) {
	delete(d.pending, path)
	d.waiting.Store(int64(len(d.pending)))
	if d.opts.SuppressTransient && e.firstKind == event.KindCreated && e.sawDeleted {
		d.suppressed.Add(1)
		return event.FileEvent{}, false
	}
	d.emitted.Add(1)
	return e.event, true
}
