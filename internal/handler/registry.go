package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

// Registration is one entry of the registry.
type Registration struct {
	Name         string
	Pattern      Pattern
	Handler      EventHandler
	RegisteredAt time.Time

	matcher *Matcher
}

// Registry maps events to handlers in registration order. Reads vastly
// outnumber writes, so lookups share a read lock.
type Registry struct {
	mu      sync.RWMutex
	entries []*Registration
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds h under h.Name(). Registering a name that already exists
// replaces the previous handler and keeps its position.
func (r *Registry) Register(h EventHandler, p Pattern) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("%w: handler must be non-nil and named", ErrInvalidHandler)
	}
	m, err := Compile(p)
	if err != nil {
		return fmt.Errorf("register %s: %w", h.Name(), err)
	}

	reg := &Registration{
		Name:         h.Name(),
		Pattern:      p,
		Handler:      h,
		RegisteredAt: time.Now(),
		matcher:      m,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[reg.Name]; ok {
		r.entries[i] = reg
		return nil
	}
	r.index[reg.Name] = len(r.entries)
	r.entries = append(r.entries, reg)
	return nil
}

// Unregister removes the handler called name and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return false
	}
	r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].Name] = j
	}
	return true
}

// HandlersFor returns every handler whose pattern and Handles both accept ev,
// in registration order.
func (r *Registry) HandlersFor(ev event.FileEvent) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []EventHandler
	for _, reg := range r.entries {
		if reg.matcher.Match(ev) && reg.Handler.Handles(ev) {
			out = append(out, reg.Handler)
		}
	}
	return out
}

// Get returns the handler called name.
func (r *Registry) Get(name string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[name]; ok {
		return r.entries[i].Handler, true
	}
	return nil, false
}

// Names lists handler names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, reg := range r.entries {
		names[i] = reg.Name
	}
	return names
}

// Registrations returns a copy of every entry in registration order.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, len(r.entries))
	for i, reg := range r.entries {
		out[i] = *reg
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
