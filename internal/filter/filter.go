// Package filter decides which raw notifications enter the pipeline.
//
// A Chain runs its base filter first, then any per-watch scoped filters, then
// auxiliary filters in registration order. Evaluation stops at the first
// rejection and the rejecting filter's name is counted in Stats.
package filter

import (
	"sync"

	"github.com/steveyegge/kiln/internal/event"
)

// BaseFilterName is the stats key for the chain's base filter.
const BaseFilterName = "base_filter"

// Filter is a named predicate over a FileEvent.
type Filter interface {
	Name() string
	Allow(ev event.FileEvent) bool
}

type funcFilter struct {
	name string
	fn   func(event.FileEvent) bool
}

func (f funcFilter) Name() string                  { return f.name }
func (f funcFilter) Allow(ev event.FileEvent) bool { return f.fn(ev) }

// New wraps fn as a Filter called name.
func New(name string, fn func(event.FileEvent) bool) Filter {
	return funcFilter{name: name, fn: fn}
}

// Decision is the outcome of evaluating a chain.
type Decision struct {
	Allowed bool
	// RejectedBy names the filter that rejected the event.
	RejectedBy string
}

// Chain is an ordered filter pipeline. It is safe for concurrent use.
type Chain struct {
	mu      sync.RWMutex
	base    Filter
	filters []Filter
	stats   *Stats
}

// NewChain creates a chain with base as its first filter. A nil base allows
// everything.
func NewChain(base Filter, filters ...Filter) *Chain {
	return &Chain{
		base:    base,
		filters: filters,
		stats:   NewStats(),
	}
}

// SetBase replaces the base filter.
func (c *Chain) SetBase(base Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = base
}

// Add appends auxiliary filters to the end of the chain.
func (c *Chain) Add(filters ...Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filters...)
}

// Remove drops the auxiliary filter called name and reports whether it
// existed.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.filters {
		if f.Name() == name {
			c.filters = append(c.filters[:i:i], c.filters[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists the chain's filters in evaluation order, base first.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.filters)+1)
	if c.base != nil {
		names = append(names, BaseFilterName)
	}
	for _, f := range c.filters {
		names = append(names, f.Name())
	}
	return names
}

// Evaluate runs the chain against ev. Scoped filters run right after the base
// filter; they let a single watch narrow what it accepts without changing the
// shared chain.
func (c *Chain) Evaluate(ev event.FileEvent, scoped ...Filter) Decision {
	c.mu.RLock()
	base := c.base
	filters := c.filters
	c.mu.RUnlock()

	d := c.evaluate(ev, base, scoped, filters)
	c.stats.record(d)
	return d
}

func (c *Chain) evaluate(ev event.FileEvent, base Filter, scoped, filters []Filter) Decision {
	if base != nil && !base.Allow(ev) {
		return Decision{RejectedBy: BaseFilterName}
	}
	for _, f := range scoped {
		if f != nil && !f.Allow(ev) {
			return Decision{RejectedBy: f.Name()}
		}
	}
	for _, f := range filters {
		if !f.Allow(ev) {
			return Decision{RejectedBy: f.Name()}
		}
	}
	return Decision{Allowed: true}
}

// Stats returns the chain's statistics.
func (c *Chain) Stats() *Stats { return c.stats }
