package backend

import (
	"fmt"
	"strings"
	"time"
)

// Capabilities describe what a backend can do and what it costs.
type Capabilities struct {
	// Recursive is true when the backend can watch a whole tree.
	Recursive bool
	// KernelEvents is true when notifications come from the OS instead of
	// polling.
	KernelEvents bool
	// Latency is the typical delay between a change and its notification.
	Latency time.Duration
	// ResourceCost is a relative 1-10 score of steady-state CPU and handle
	// usage.
	ResourceCost int
}

// Requirements constrain backend selection. Recursive, KernelEvents and
// MaxLatency are hard requirements; the rest are preferences.
type Requirements struct {
	Recursive    bool
	KernelEvents bool
	MaxLatency   time.Duration

	PreferLowLatency  bool
	PreferLowResource bool
	// Preferred names a backend that wins among those meeting the hard
	// requirements.
	Preferred string
}

// Merge combines r with o: hard requirements are OR'ed, the stricter latency
// bound wins and o's preferences are added.
func (r Requirements) Merge(o Requirements) Requirements {
	out := r
	out.Recursive = r.Recursive || o.Recursive
	out.KernelEvents = r.KernelEvents || o.KernelEvents
	if o.MaxLatency > 0 && (out.MaxLatency == 0 || o.MaxLatency < out.MaxLatency) {
		out.MaxLatency = o.MaxLatency
	}
	out.PreferLowLatency = r.PreferLowLatency || o.PreferLowLatency
	out.PreferLowResource = r.PreferLowResource || o.PreferLowResource
	if o.Preferred != "" {
		out.Preferred = o.Preferred
	}
	return out
}

// Registration binds a backend name to its capabilities and constructor.
type Registration struct {
	Name         string
	Capabilities Capabilities
	New          Constructor
}

// Selector chooses among registered backends.
type Selector struct {
	regs []Registration
}

// NewSelector builds a selector from regs. Order matters: it breaks ties.
func NewSelector(regs ...Registration) (*Selector, error) {
	seen := make(map[string]bool, len(regs))
	for _, r := range regs {
		if r.Name == "" {
			return nil, fmt.Errorf("backend registration has no name")
		}
		if r.New == nil {
			return nil, fmt.Errorf("backend %s: constructor is nil", r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("backend %s registered twice", r.Name)
		}
		seen[r.Name] = true
	}
	return &Selector{regs: append([]Registration(nil), regs...)}, nil
}

// DefaultSelector returns a selector over DefaultRegistrations.
func DefaultSelector() *Selector {
	s, err := NewSelector(DefaultRegistrations()...)
	if err != nil {
		panic(fmt.Sprintf("backend: default registrations are invalid: %v", err))
	}
	return s
}

// DefaultRegistrations lists the built-in backends, preferred first.
func DefaultRegistrations() []Registration {
	return []Registration{
		{
			Name: FSNotifyName,
			Capabilities: Capabilities{
				Recursive:    true,
				KernelEvents: true,
				Latency:      10 * time.Millisecond,
				ResourceCost: 3,
			},
			New: NewFSNotify,
		},
		{
			Name: PollName,
			Capabilities: Capabilities{
				Recursive:    true,
				KernelEvents: false,
				Latency:      DefaultPollInterval,
				ResourceCost: 6,
			},
			New: NewPoll,
		},
	}
}

// Names lists registered backend names in registration order.
func (s *Selector) Names() []string {
	names := make([]string, len(s.regs))
	for i, r := range s.regs {
		names[i] = r.Name
	}
	return names
}

// Lookup returns the registration called name.
func (s *Selector) Lookup(name string) (Registration, error) {
	for _, r := range s.regs {
		if r.Name == name {
			return r, nil
		}
	}
	return Registration{}, fmt.Errorf("%w: %s (available: %v)", ErrUnknownBackend, name, s.Names())
}

// Select returns the best registration meeting every hard requirement.
func (s *Selector) Select(req Requirements) (Registration, error) {
	var (
		best      Registration
		bestScore int64
		found     bool
		rejected  []string
	)
	for _, r := range s.regs {
		if why := unmet(r.Capabilities, req); why != "" {
			rejected = append(rejected, r.Name+": "+why)
			continue
		}
		score := preference(r, req)
		if !found || score > bestScore {
			best, bestScore, found = r, score, true
		}
	}
	if !found {
		if len(rejected) == 0 {
			return Registration{}, fmt.Errorf("%w: no backends registered", ErrNoSuitableBackend)
		}
		return Registration{}, fmt.Errorf("%w: %s", ErrNoSuitableBackend, strings.Join(rejected, "; "))
	}
	return best, nil
}

func unmet(c Capabilities, req Requirements) string {
	var why []string
	if req.Recursive && !c.Recursive {
		why = append(why, "no recursive support")
	}
	if req.KernelEvents && !c.KernelEvents {
		why = append(why, "no kernel notifications")
	}
	if req.MaxLatency > 0 && c.Latency > req.MaxLatency {
		why = append(why, fmt.Sprintf("latency %s exceeds %s", c.Latency, req.MaxLatency))
	}
	return strings.Join(why, ", ")
}

// preference scores soft requirements; higher is better.
func preference(r Registration, req Requirements) int64 {
	var score int64
	if req.Preferred != "" && r.Name == req.Preferred {
		score += 1 << 40
	}
	if req.PreferLowLatency {
		score -= r.Capabilities.Latency.Milliseconds()
	}
	if req.PreferLowResource {
		score -= int64(r.Capabilities.ResourceCost) * 100
	}
	return score
}
