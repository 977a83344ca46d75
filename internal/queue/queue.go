// Package queue provides the bounded buffer between debouncing and dispatch.
//
// A Queue has exactly one writer: the watch manager's loop goroutine calls
// Push and DrainAll. Len, Cap and Stats may be read from any goroutine.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/steveyegge/kiln/internal/event"
)

var (
	// ErrQueueFull is returned by Push under the Reject policy.
	ErrQueueFull = errors.New("event queue full")

	// ErrWouldBlock is returned by Push under the Block policy when the
	// queue is full. The caller must hold the event and stop producing
	// until DrainAll frees space.
	ErrWouldBlock = errors.New("event queue full, producer must wait")
)

// Policy decides what Push does when the queue is at capacity.
type Policy int

const (
	// Block makes the producer wait. Nothing is lost.
	Block Policy = iota
	// DropOldest evicts the head to admit the new event.
	DropOldest
	// Reject refuses the new event with ErrQueueFull.
	Reject
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the config spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop-oldest", "drop_oldest", "dropoldest":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Len       int    `json:"len"`
	Policy    string `json:"policy"`
	Pushed    uint64 `json:"pushed"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
	Blocked   uint64 `json:"blocked"`
	HighWater int    `json:"high_water"`
}

// Queue is a fixed-capacity FIFO ring of events.
type Queue struct {
	buf    []event.FileEvent
	head   int
	policy Policy

	length    atomic.Int64
	pushed    atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	blocked   atomic.Uint64
	highWater atomic.Int64
}

// New creates a queue holding at most capacity events.
func New(capacity int, policy Policy) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if policy < Block || policy > Reject {
		return nil, fmt.Errorf("invalid overflow policy %d", policy)
	}
	return &Queue{
		buf:    make([]event.FileEvent, capacity),
		policy: policy,
	}, nil
}

// Push appends ev, applying the overflow policy when the queue is full.
func (q *Queue) Push(ev event.FileEvent) error {
	n := int(q.length.Load())
	if n == len(q.buf) {
		switch q.policy {
		case Reject:
			q.rejected.Add(1)
			return ErrQueueFull
		case Block:
			q.blocked.Add(1)
			return ErrWouldBlock
		case DropOldest:
			q.buf[q.head] = event.FileEvent{}
			q.head = (q.head + 1) % len(q.buf)
			n--
			q.dropped.Add(1)
		}
	}

	q.buf[(q.head+n)%len(q.buf)] = ev
	n++
	q.length.Store(int64(n))
	q.pushed.Add(1)
	if int64(n) > q.highWater.Load() {
		q.highWater.Store(int64(n))
	}
	return nil
}

// DrainAll removes and returns every queued event in FIFO order.
func (q *Queue) DrainAll() []event.FileEvent {
	n := int(q.length.Load())
	if n == 0 {
		return nil
	}

	out := make([]event.FileEvent, n)
	for i := range n {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = event.FileEvent{}
	}
	q.head = 0
	q.length.Store(0)
	q.processed.Add(uint64(n))
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return int(q.length.Load()) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Full reports whether the next Push would trigger the overflow policy.
func (q *Queue) Full() bool { return q.Len() == q.Cap() }

// Policy returns the overflow policy chosen at construction.
func (q *Queue) Policy() Policy { return q.policy }

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:  len(q.buf),
		Len:       q.Len(),
		Policy:    q.policy.String(),
		Pushed:    q.pushed.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Rejected:  q.rejected.Load(),
		Blocked:   q.blocked.Load(),
		HighWater: int(q.highWater.Load()),
	}
}

// ResetStats zeroes the counters. Queued events are kept.
func (q *Queue) ResetStats() {
	q.pushed.Store(0)
	q.processed.Store(0)
	q.dropped.Store(0)
	q.rejected.Store(0)
	q.blocked.Store(0)
	q.highWater.Store(q.length.Load())
}
