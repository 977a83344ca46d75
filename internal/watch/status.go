package watch

import (
	"sort"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/queue"
)

// Status is a point-in-time view of the manager.
type Status struct {
	State              State                 `json:"state"`
	Running            bool                  `json:"running"`
	ActiveWatches      []backend.WatchHandle `json:"active_watches"`
	RegisteredHandlers []string              `json:"registered_handlers"`
	Filters            []string              `json:"filters"`
	Backends           []string              `json:"backends"`
	PendingDebounce    int                   `json:"pending_debounce"`
	Queue              queue.Stats           `json:"queue"`
}

// Status returns the current status. It is safe to call from any goroutine.
func (m *Manager) Status() Status {
	m.mu.Lock()
	state := m.state
	backends := make([]string, 0, len(m.backends))
	for name := range m.backends {
		backends = append(backends, name)
	}
	m.mu.Unlock()
	sort.Strings(backends)

	return Status{
		State:              state,
		Running:            state == Running,
		ActiveWatches:      m.Watches(),
		RegisteredHandlers: m.registry.Names(),
		Filters:            m.chain.Names(),
		Backends:           backends,
		PendingDebounce:    m.debouncer.Stats().Pending,
		Queue:              m.queue.Stats(),
	}
}
