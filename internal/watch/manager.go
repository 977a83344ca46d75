package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/debounce"
	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/queue"
)

const (
	rawBuffer     = 256
	derivedBuffer = 64
)

// watchRecord is what the manager keeps per AddWatch.
type watchRecord struct {
	handle backend.WatchHandle
	root   string
	cfg    backend.WatchConfig
	filter filter.Filter
}

// Manager owns the pipeline: backends feed raw notifications to a single loop
// goroutine that filters, debounces and queues them, then fans each event out
// to the matching handlers.
type Manager struct {
	cfg          Config
	logger       *slog.Logger
	selector     *backend.Selector
	registry     *handler.Registry
	chain        *filter.Chain
	extraFilters []filter.Filter
	now          func() time.Time

	// owned by the loop goroutine
	debouncer *debounce.Debouncer
	queue     *queue.Queue

	mu       sync.Mutex
	state    State
	backends map[string]backend.Backend

	watchMu sync.RWMutex
	watches map[string]*watchRecord

	raw        chan event.FileEvent
	derived    chan event.FileEvent
	stop       chan struct{}
	abort      chan struct{}
	loopDone   chan struct{}
	terminated chan struct{}
	forwarders sync.WaitGroup

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	stats *stats
}

// New creates a stopped manager. Call Start before adding watches.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q, err := queue.New(cfg.QueueCapacity, cfg.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		debouncer:  debounce.New(debounce.Options{SuppressTransient: cfg.SuppressTransient}),
		queue:      q,
		backends:   make(map[string]backend.Backend),
		watches:    make(map[string]*watchRecord),
		raw:        make(chan event.FileEvent, rawBuffer),
		derived:    make(chan event.FileEvent, derivedBuffer),
		stop:       make(chan struct{}),
		abort:      make(chan struct{}),
		loopDone:   make(chan struct{}),
		terminated: make(chan struct{}),
		stats:      newStats(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.selector == nil {
		m.selector = backend.DefaultSelector()
	}
	if m.registry == nil {
		m.registry = handler.NewRegistry()
	}

	base, err := filter.NewBase(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	m.chain = filter.NewChain(base, m.extraFilters...)
	return m, nil
}

// Start launches the event loop and returns without waiting for any event.
//
// Cancelling ctx shuts the manager down with DefaultShutdownTimeout. Handler
// contexts inherit ctx's values but are cancelled only by Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Stopped:
	case Terminated:
		return ErrTerminated
	default:
		return ErrAlreadyRunning
	}
	m.state = Starting

	m.handlerCtx, m.cancelHandlers = context.WithCancel(context.WithoutCancel(ctx))
	go m.run()
	go m.watchContext(ctx)

	m.state = Running
	m.logger.Info("watch manager started",
		slog.Int("queue_capacity", m.cfg.QueueCapacity),
		slog.String("overflow", m.cfg.OverflowPolicy.String()),
		slog.Duration("debounce", m.cfg.DebounceWindow),
		slog.Any("backends", m.selector.Names()))
	return nil
}

func (m *Manager) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.logger.Info("context cancelled, shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := m.Shutdown(sctx); err != nil {
			m.logger.Warn("shutdown after context cancellation failed", slog.Any("error", err))
		}
	case <-m.stop:
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddWatch starts watching path. The backend is cfg.Backend when set,
// otherwise the best one for the merged requirements. Backend instances are
// shared between watches. Failures are returned as is; nothing is retried.
func (m *Manager) AddWatch(path string, cfg backend.WatchConfig) (backend.WatchHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Running {
		return backend.WatchHandle{}, ErrNotRunning
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return backend.WatchHandle{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	m.watchMu.RLock()
	_, exists := m.watches[cfg.ID]
	m.watchMu.RUnlock()
	if exists {
		return backend.WatchHandle{}, fmt.Errorf("%w: id %s", backend.ErrWatchExists, cfg.ID)
	}

	var scoped filter.Filter
	if len(cfg.IncludePatterns) > 0 || len(cfg.ExcludePatterns) > 0 {
		f, err := filter.NewNamedBase("watch:"+cfg.ID, filter.Criteria{
			IncludePatterns: cfg.IncludePatterns,
			ExcludePatterns: cfg.ExcludePatterns,
			Root:            abs,
		})
		if err != nil {
			return backend.WatchHandle{}, fmt.Errorf("watch %s: %w", abs, err)
		}
		scoped = f
	}

	var reg backend.Registration
	if cfg.Backend != "" {
		reg, err = m.selector.Lookup(cfg.Backend)
	} else {
		req := m.cfg.Requirements.Merge(cfg.Requirements)
		req.Recursive = req.Recursive || cfg.Recursive
		reg, err = m.selector.Select(req)
	}
	if err != nil {
		return backend.WatchHandle{}, fmt.Errorf("watch %s: %w", abs, err)
	}

	b, err := m.backendLocked(reg)
	if err != nil {
		return backend.WatchHandle{}, err
	}
	h, err := b.Watch(abs, cfg)
	if err != nil {
		return backend.WatchHandle{}, err
	}

	m.watchMu.Lock()
	m.watches[h.ID] = &watchRecord{handle: h, root: abs, cfg: cfg, filter: scoped}
	m.watchMu.Unlock()

	m.logger.Info("watch added",
		slog.String("id", h.ID),
		slog.String("path", abs),
		slog.String("backend", h.Backend),
		slog.Bool("recursive", cfg.Recursive))
	return h, nil
}

// backendLocked returns the running instance for reg, constructing it and its
// forwarder on first use.
func (m *Manager) backendLocked(reg backend.Registration) (backend.Backend, error) {
	if b, ok := m.backends[reg.Name]; ok {
		return b, nil
	}
	b, err := reg.New(backend.Options{
		Logger:       m.logger,
		PollInterval: m.cfg.PollInterval,
		BufferSize:   m.cfg.BackendBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("start backend %s: %w", reg.Name, err)
	}
	m.backends[reg.Name] = b
	m.forwarders.Add(1)
	go m.forward(b)
	m.logger.Debug("backend started", slog.String("backend", reg.Name))
	return b, nil
}

// forward copies one backend's notifications into the loop until intake
// stops or the backend closes.
func (m *Manager) forward(b backend.Backend) {
	defer m.forwarders.Done()

	events, errs := b.Events(), b.Errors()
	for events != nil || errs != nil {
		select {
		case <-m.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !m.submit(context.Background(), ev) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.stats.backendErrors.Add(1)
			m.logger.Warn("backend error", slog.String("backend", b.Name()), slog.Any("error", err))
		}
	}
}

// RemoveWatch stops a watch returned by AddWatch.
func (m *Manager) RemoveWatch(h backend.WatchHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Running {
		return ErrNotRunning
	}
	m.watchMu.RLock()
	rec, ok := m.watches[h.ID]
	m.watchMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatch, h.ID)
	}

	if b, ok := m.backends[rec.handle.Backend]; ok {
		if err := b.Unwatch(rec.handle); err != nil {
			return err
		}
	}
	m.watchMu.Lock()
	delete(m.watches, h.ID)
	m.watchMu.Unlock()

	m.logger.Info("watch removed", slog.String("id", h.ID), slog.String("path", rec.root))
	return nil
}

// Watches lists active watches sorted by path.
func (m *Manager) Watches() []backend.WatchHandle {
	m.watchMu.RLock()
	defer m.watchMu.RUnlock()
	out := make([]backend.WatchHandle, 0, len(m.watches))
	for _, rec := range m.watches {
		out = append(out, rec.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// watchFor returns the watch with the longest root containing path.
func (m *Manager) watchFor(path string) *watchRecord {
	m.watchMu.RLock()
	defer m.watchMu.RUnlock()

	var best *watchRecord
	for _, rec := range m.watches {
		if path != rec.root && !strings.HasPrefix(path, rec.root+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(rec.root) > len(best.root) {
			best = rec
		}
	}
	return best
}

// RegisterHandler adds or replaces a handler.
func (m *Manager) RegisterHandler(h handler.EventHandler, p handler.Pattern) error {
	if err := m.registry.Register(h, p); err != nil {
		return err
	}
	m.logger.Debug("handler registered", slog.String("handler", h.Name()))
	return nil
}

// UnregisterHandler removes a handler by name.
func (m *Manager) UnregisterHandler(name string) bool {
	return m.registry.Unregister(name)
}

// AddFilter appends filters to the chain. They run after the base filter and
// the watch's own patterns.
func (m *Manager) AddFilter(filters ...filter.Filter) {
	m.chain.Add(filters...)
}

// RemoveFilter removes a filter added with AddFilter or WithFilters.
func (m *Manager) RemoveFilter(name string) bool {
	return m.chain.Remove(name)
}

// SubmitRaw feeds a raw notification into the pipeline as if a backend had
// reported it. It blocks while the loop is applying back-pressure.
func (m *Manager) SubmitRaw(ctx context.Context, ev event.FileEvent) error {
	if m.State() != Running {
		return ErrNotRunning
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !m.submit(ctx, ev) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNotRunning
	}
	return nil
}

func (m *Manager) submit(ctx context.Context, ev event.FileEvent) bool {
	select {
	case m.raw <- ev:
		return true
	case <-m.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Emitter returns the capability handlers use to push derived events back
// into the queue. Derived events skip filtering and debouncing.
func (m *Manager) Emitter() event.Emitter {
	return managerEmitter{m: m}
}

type managerEmitter struct {
	m *Manager
}

func (e managerEmitter) Emit(ctx context.Context, d event.DerivedEvent) error {
	if d.Type == "" {
		return fmt.Errorf("%w: derived event has no type", event.ErrEmit)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.EmittedAt.IsZero() {
		d.EmittedAt = e.m.now()
	}
	switch e.m.State() {
	case Running, ShuttingDown:
	default:
		return fmt.Errorf("%w: %w", event.ErrEmit, ErrNotRunning)
	}
	select {
	case <-e.m.loopDone:
		return fmt.Errorf("%w: %w", event.ErrEmit, ErrNotRunning)
	default:
	}

	select {
	case e.m.derived <- d.FileEvent():
		e.m.stats.derived.Add(1)
		return nil
	case <-e.m.loopDone:
		return fmt.Errorf("%w: %w", event.ErrEmit, ErrNotRunning)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", event.ErrEmit, ctx.Err())
	}
}

// Shutdown stops intake, flushes pending debounce entries, dispatches every
// accepted event, then closes the backends. It is idempotent.
//
// If ctx expires first, running handlers see their context cancelled, events
// not yet dispatched are abandoned and ctx's error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Stopped:
		m.state = Terminated
		close(m.stop)
		close(m.terminated)
		m.mu.Unlock()
		return nil
	case Terminated:
		m.mu.Unlock()
		return nil
	case ShuttingDown:
		m.mu.Unlock()
		select {
		case <-m.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.state = ShuttingDown
	close(m.stop)
	m.mu.Unlock()

	m.logger.Info("shutting down",
		slog.Int("queued", m.queue.Len()),
		slog.Int("pending", m.debouncer.Stats().Pending))

	var err error
	select {
	case <-m.loopDone:
	case <-ctx.Done():
		err = ctx.Err()
		m.cancelHandlers()
		close(m.abort)
		m.logger.Warn("shutdown deadline exceeded, abandoning undispatched events", slog.Any("error", err))
	}

	m.mu.Lock()
	for name, b := range m.backends {
		if cerr := b.Close(); cerr != nil {
			m.logger.Warn("failed to close backend", slog.String("backend", name), slog.Any("error", cerr))
		}
	}
	m.mu.Unlock()
	m.forwarders.Wait()
	m.cancelHandlers()

	m.mu.Lock()
	m.state = Terminated
	close(m.terminated)
	m.mu.Unlock()

	m.logger.Info("watch manager stopped")
	return err
}
