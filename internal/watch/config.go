package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/queue"
)

// DefaultShutdownTimeout bounds the drain started when the context passed to
// Start is cancelled.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds configuration for the manager.
type Config struct {
	// QueueCapacity is the number of debounced events held before the
	// overflow policy applies.
	QueueCapacity int

	// OverflowPolicy decides what happens when the queue is full.
	OverflowPolicy queue.Policy

	// DebounceWindow is how long a path must stay quiet before its event is
	// released. Zero disables coalescing. Watches may override it.
	DebounceWindow time.Duration

	// SuppressTransient drops files created and deleted inside one window
	// instead of reporting them as deleted.
	SuppressTransient bool

	// MaxConcurrentHandlers bounds the handlers run in parallel for one event.
	MaxConcurrentHandlers int

	// Filter configures the base filter every event passes first.
	Filter filter.Criteria

	// Requirements apply to every AddWatch before the watch's own.
	Requirements backend.Requirements

	// PollInterval is passed to polling backends.
	PollInterval time.Duration

	// BackendBuffer is the event channel capacity of each backend instance.
	BackendBuffer int

	// Logger for manager activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:         1000,
		OverflowPolicy:        queue.Block,
		DebounceWindow:        100 * time.Millisecond,
		MaxConcurrentHandlers: 10,
		PollInterval:          backend.DefaultPollInterval,
		BackendBuffer:         100,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.DebounceWindow < 0 {
		errs = append(errs, fmt.Errorf("debounce window must not be negative, got %s", c.DebounceWindow))
	}
	if c.MaxConcurrentHandlers <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent handlers must be positive, got %d", c.MaxConcurrentHandlers))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must not be negative, got %s", c.PollInterval))
	}
	switch c.OverflowPolicy {
	case queue.Block, queue.DropOldest, queue.Reject:
	default:
		errs = append(errs, fmt.Errorf("unknown overflow policy %d", c.OverflowPolicy))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Option customizes a Manager beyond Config.
type Option func(*Manager)

// WithSelector replaces the default backend selector.
func WithSelector(s *backend.Selector) Option {
	return func(m *Manager) { m.selector = s }
}

// WithRegistry shares an existing handler registry with the manager.
func WithRegistry(r *handler.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithClock replaces time.Now for event timestamps and debounce deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFilters appends filters after the base filter.
func WithFilters(filters ...filter.Filter) Option {
	return func(m *Manager) { m.extraFilters = append(m.extraFilters, filters...) }
}
