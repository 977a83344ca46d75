package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 0
	cfg.Logger = quietLogger()
	return cfg
}

// startManager creates and starts a manager that is shut down at test end.
func startManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
}

// recorder collects every event it handles.
type recorder struct {
	name string
	mu   sync.Mutex
	seen []event.FileEvent
	gate chan struct{}
}

func newRecorder(name string) *recorder { return &recorder{name: name} }

func (r *recorder) Name() string                 { return r.name }
func (r *recorder) Handles(event.FileEvent) bool { return true }
func (r *recorder) Handle(ctx context.Context, ev event.FileEvent) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []event.FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.FileEvent(nil), r.seen...)
}

func (r *recorder) paths() []string {
	var out []string
	for _, ev := range r.events() {
		out = append(out, ev.Path)
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func submit(t *testing.T, m *Manager, kind event.Kind, path string) {
	t.Helper()
	if err := m.SubmitRaw(context.Background(), event.New(kind, path)); err != nil {
		t.Fatalf("SubmitRaw(%s) failed: %v", path, err)
	}
}

// TestScenario_DebouncedWrites writes a file three times within one window
// and expects a single event.
func TestScenario_DebouncedWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.DebounceWindow = 200 * time.Millisecond
	m := startManager(t, cfg)

	rec := newRecorder("recorder")
	if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	if _, err := m.AddWatch(dir, backend.WatchConfig{Backend: backend.FSNotifyName}); err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}

	path := filepath.Join(dir, "note.md")
	for i := range 3 {
		if err := os.WriteFile(path, []byte(fmt.Sprintf("version %d", i)), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	waitUntil(t, 3*time.Second, func() bool { return len(rec.events()) > 0 }, "debounced event")
	time.Sleep(300 * time.Millisecond)

	got := rec.events()
	if len(got) != 1 {
		t.Fatalf("Expected exactly 1 event, got %d: %v", len(got), got)
	}
	if got[0].Path != path {
		t.Errorf("Expected path %s, got %s", path, got[0].Path)
	}
	if got[0].Kind != event.KindCreated && got[0].Kind != event.KindModified {
		t.Errorf("Expected created or modified, got %s", got[0].Kind)
	}
	if ps := m.PerformanceStats(); ps.Debounced == 0 {
		t.Error("Expected coalesced notifications to be counted")
	}
}

// TestScenario_BaseFilterExcludesExtension checks that excluded extensions
// never reach handlers and are attributed to the base filter.
func TestScenario_BaseFilterExcludesExtension(t *testing.T) {
	cfg := testConfig()
	cfg.Filter = filter.Criteria{ExcludeExtensions: []string{"tmp"}}
	m := startManager(t, cfg)

	rec := newRecorder("recorder")
	if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}

	submit(t, m, event.KindModified, "/vault/a.md")
	submit(t, m, event.KindModified, "/vault/b.tmp")
	shutdown(t, m)

	if got := rec.paths(); len(got) != 1 || got[0] != "/vault/a.md" {
		t.Fatalf("Expected only /vault/a.md, got %v", got)
	}
	ps := m.PerformanceStats()
	if n := ps.Filter.FilteredBy[filter.BaseFilterName]; n != 1 {
		t.Errorf("Expected filtered_by[%s] == 1, got %d", filter.BaseFilterName, n)
	}
	if ps.Queue.Pushed != 1 {
		t.Errorf("Expected 1 event queued, got %d", ps.Queue.Pushed)
	}
}

// TestScenario_Lifecycle covers AddWatch before Start and repeated Shutdown.
func TestScenario_Lifecycle(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := m.AddWatch(t.TempDir(), backend.WatchConfig{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning, got %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("First Shutdown() failed: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Second Shutdown() should be a no-op, got %v", err)
	}
	if m.State() != Terminated {
		t.Errorf("Expected terminated, got %s", m.State())
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated, got %v", err)
	}
	if err := m.SubmitRaw(context.Background(), event.New(event.KindCreated, "/a.md")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after shutdown, got %v", err)
	}
	if !IsLifecycleError(ErrTerminated) || IsLifecycleError(ErrUnknownWatch) {
		t.Error("IsLifecycleError misclassifies")
	}
}

func TestShutdown_NeverStarted(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated, got %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"negative debounce", func(c *Config) { c.DebounceWindow = -time.Second }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentHandlers = 0 }},
		{"bad policy", func(c *Config) { c.OverflowPolicy = queue.Policy(42) }},
		{"bad pattern", func(c *Config) { c.Filter.ExcludePatterns = []string{"[a-"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// TestDispatch_Isolation verifies that a failing or panicking handler does not
// affect the other handlers of the same event.
func TestDispatch_Isolation(t *testing.T) {
	m := startManager(t, testConfig())

	rec := newRecorder("recorder")
	failing := handler.NewFunc("failing", func(context.Context, event.FileEvent) error {
		return errors.New("disk full")
	})
	panicking := handler.NewFunc("panicking", func(context.Context, event.FileEvent) error {
		var counts map[string]int
		counts["boom"]++
		return nil
	})
	for _, h := range []handler.EventHandler{failing, panicking, rec} {
		if err := m.RegisterHandler(h, handler.MatchAll); err != nil {
			t.Fatalf("RegisterHandler() failed: %v", err)
		}
	}

	submit(t, m, event.KindCreated, "/vault/a.md")
	submit(t, m, event.KindModified, "/vault/b.md")
	shutdown(t, m)

	if got := rec.paths(); len(got) != 2 {
		t.Fatalf("Expected recorder to see 2 events, got %v", got)
	}
	ps := m.PerformanceStats()
	if ps.HandlerPanics != 2 {
		t.Errorf("Expected 2 panics, got %d", ps.HandlerPanics)
	}
	if ps.HandlerErrors != 2 {
		t.Errorf("Expected 2 errors, got %d", ps.HandlerErrors)
	}
	if hs := ps.Handlers["recorder"]; hs.Invocations != 2 || hs.Errors != 0 {
		t.Errorf("Unexpected recorder stats: %+v", hs)
	}
	if ps.TotalEvents != 2 || ps.Latency.Count != 2 {
		t.Errorf("Expected 2 dispatched events with latency, got %d / %d", ps.TotalEvents, ps.Latency.Count)
	}
}

// TestDispatch_OneEventAtATime verifies the per-event join: a handler never
// overlaps with itself across events, while different handlers for one event
// run in parallel.
func TestDispatch_OneEventAtATime(t *testing.T) {
	m := startManager(t, testConfig())

	var active, maxActive, concurrent atomic.Int32
	var seenTogether atomic.Bool
	slow := handler.NewFunc("slow", func(context.Context, event.FileEvent) error {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		if concurrent.Add(1) > 1 {
			seenTogether.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
		active.Add(-1)
		return nil
	})
	partner := handler.NewFunc("partner", func(context.Context, event.FileEvent) error {
		if concurrent.Add(1) > 1 {
			seenTogether.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	})
	for _, h := range []handler.EventHandler{slow, partner} {
		if err := m.RegisterHandler(h, handler.MatchAll); err != nil {
			t.Fatalf("RegisterHandler() failed: %v", err)
		}
	}

	for i := range 5 {
		submit(t, m, event.KindModified, fmt.Sprintf("/vault/%d.md", i))
	}
	shutdown(t, m)

	if maxActive.Load() != 1 {
		t.Errorf("slow handler overlapped with itself: max %d", maxActive.Load())
	}
	if !seenTogether.Load() {
		t.Error("handlers of one event should run in parallel")
	}
}

// TestDerivedEvents verifies that events emitted by a handler are dispatched
// without filtering or debouncing.
func TestDerivedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.DebounceWindow = time.Hour
	// would reject the source path if derived events were filtered
	cfg.Filter = filter.Criteria{ExcludeExtensions: []string{"txt"}}
	m := startManager(t, cfg)

	emitter := m.Emitter()
	parse := handler.NewFunc("parse", func(ctx context.Context, ev event.FileEvent) error {
		d := event.NewDerived(event.TypeNoteParsed, ev)
		d.Source.Path = "/vault/summary.txt"
		d.Note = &event.NoteSummary{Title: "Title", Wikilinks: []string{"a", "b"}}
		return emitter.Emit(ctx, d)
	})
	derived := newRecorder("derived")
	if err := m.RegisterHandler(parse, handler.Pattern{
		Kinds: []event.Kind{event.KindCreated, event.KindModified},
		Paths: []string{"*.md"},
	}); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	if err := m.RegisterHandler(derived, handler.ForKinds(event.KindDerived)); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}

	submit(t, m, event.KindCreated, "/vault/note.md")
	// the hour-long window is flushed by Shutdown
	shutdown(t, m)

	got := derived.events()
	if len(got) != 1 {
		t.Fatalf("Expected 1 derived event, got %d", len(got))
	}
	if got[0].Derived == nil || got[0].Derived.Type != event.TypeNoteParsed {
		t.Fatalf("Expected %s payload, got %+v", event.TypeNoteParsed, got[0].Derived)
	}
	if n := len(got[0].Derived.Note.Wikilinks); n != 2 {
		t.Errorf("Expected 2 wikilinks, got %d", n)
	}
	if ps := m.PerformanceStats(); ps.Derived != 1 {
		t.Errorf("Expected 1 derived event counted, got %d", ps.Derived)
	}

	if err := emitter.Emit(context.Background(), event.NewDerived("late", event.New(event.KindCreated, "/a"))); !errors.Is(err, event.ErrEmit) {
		t.Errorf("Expected ErrEmit after shutdown, got %v", err)
	}
}

func TestOverflowPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      queue.Policy
		capacity    int
		wantHandled []string
		wantDropped uint64
		wantRejects uint64
	}{
		{
			name:        "block keeps everything in order",
			policy:      queue.Block,
			capacity:    2,
			wantHandled: []string{"/v/0", "/v/1", "/v/2", "/v/3", "/v/4"},
		},
		{
			name:        "reject discards new events",
			policy:      queue.Reject,
			capacity:    1,
			wantHandled: []string{"/v/0", "/v/1"},
			wantRejects: 3,
		},
		{
			name:        "drop oldest keeps the newest",
			policy:      queue.DropOldest,
			capacity:    1,
			wantHandled: []string{"/v/0", "/v/4"},
			wantDropped: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.OverflowPolicy = tt.policy
			cfg.QueueCapacity = tt.capacity
			m := startManager(t, cfg)

			rec := newRecorder("recorder")
			rec.gate = make(chan struct{})
			if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
				t.Fatalf("RegisterHandler() failed: %v", err)
			}

			for i := range 5 {
				submit(t, m, event.KindModified, fmt.Sprintf("/v/%d", i))
			}
			if tt.policy == queue.Block {
				waitUntil(t, 2*time.Second, func() bool {
					return m.Status().Queue.Len == tt.capacity
				}, "queue to fill")
			} else {
				waitUntil(t, 2*time.Second, func() bool {
					return m.PerformanceStats().RawReceived == 5
				}, "all events taken in")
			}
			close(rec.gate)
			shutdown(t, m)

			got := rec.paths()
			if fmt.Sprint(got) != fmt.Sprint(tt.wantHandled) {
				t.Errorf("Expected %v, got %v", tt.wantHandled, got)
			}
			ps := m.PerformanceStats()
			if ps.Dropped != tt.wantDropped || ps.Rejected != tt.wantRejects {
				t.Errorf("Expected dropped=%d rejected=%d, got %d/%d",
					tt.wantDropped, tt.wantRejects, ps.Dropped, ps.Rejected)
			}
			if tt.policy == queue.Block && ps.Queue.Blocked == 0 {
				t.Error("Expected back-pressure to be recorded")
			}
			if ps.Queue.HighWater > tt.capacity {
				t.Errorf("queue exceeded its capacity: %d", ps.Queue.HighWater)
			}
		})
	}
}

// TestShutdown_DeadlineCancelsHandlers verifies that an expired shutdown
// context cancels running handlers.
func TestShutdown_DeadlineCancelsHandlers(t *testing.T) {
	m := startManager(t, testConfig())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	stuck := handler.NewFunc("stuck", func(ctx context.Context, _ event.FileEvent) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	if err := m.RegisterHandler(stuck, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}

	submit(t, m, event.KindCreated, "/vault/a.md")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
	if m.State() != Terminated {
		t.Errorf("Expected terminated, got %s", m.State())
	}
}

// TestWatchScopedPatterns verifies that a watch's include/exclude patterns
// apply to events below its root.
func TestWatchScopedPatterns(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, testConfig())

	rec := newRecorder("recorder")
	if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	h, err := m.AddWatch(dir, backend.WatchConfig{
		ID:              "vault",
		Recursive:       true,
		ExcludePatterns: []string{"drafts/**"},
		Backend:         backend.PollName,
	})
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	if h.Backend != backend.PollName {
		t.Errorf("Expected poll backend, got %s", h.Backend)
	}

	kept := filepath.Join(dir, "a.md")
	submit(t, m, event.KindModified, kept)
	submit(t, m, event.KindModified, filepath.Join(dir, "drafts", "b.md"))
	// outside every watch: only the base filter applies
	submit(t, m, event.KindModified, "/elsewhere/drafts/c.md")
	shutdown(t, m)

	got := rec.paths()
	if len(got) != 2 || got[0] != kept || got[1] != "/elsewhere/drafts/c.md" {
		t.Fatalf("Unexpected events: %v", got)
	}
	if n := m.PerformanceStats().Filter.FilteredBy["watch:vault"]; n != 1 {
		t.Errorf("Expected the watch filter to reject 1 event, got %d", n)
	}
}

func TestAddRemoveWatch(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, testConfig())

	h, err := m.AddWatch(dir, backend.WatchConfig{Backend: backend.PollName})
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	if h.ID == "" {
		t.Error("Expected a generated watch ID")
	}
	if _, err := m.AddWatch(dir, backend.WatchConfig{ID: h.ID}); !errors.Is(err, backend.ErrWatchExists) {
		t.Errorf("Expected ErrWatchExists, got %v", err)
	}
	if _, err := m.AddWatch(dir, backend.WatchConfig{Backend: "inotify"}); !errors.Is(err, backend.ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
	if _, err := m.AddWatch(filepath.Join(dir, "missing"), backend.WatchConfig{Backend: backend.PollName}); !errors.Is(err, backend.ErrBackend) {
		t.Errorf("Expected ErrBackend, got %v", err)
	}

	st := m.Status()
	if !st.Running || len(st.ActiveWatches) != 1 || len(st.Backends) != 1 {
		t.Errorf("Unexpected status: %+v", st)
	}

	if err := m.RemoveWatch(h); err != nil {
		t.Fatalf("RemoveWatch() failed: %v", err)
	}
	if err := m.RemoveWatch(h); !errors.Is(err, ErrUnknownWatch) {
		t.Errorf("Expected ErrUnknownWatch, got %v", err)
	}
	if n := len(m.Watches()); n != 0 {
		t.Errorf("Expected no watches, got %d", n)
	}
}

func TestStatusAndResetStats(t *testing.T) {
	m := startManager(t, testConfig(), WithFilters(filter.TempFiles()))

	rec := newRecorder("recorder")
	if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	submit(t, m, event.KindModified, "/vault/a.md")
	submit(t, m, event.KindModified, "/vault/a.md.swp")
	waitUntil(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "event dispatched")

	st := m.Status()
	if st.State != Running {
		t.Errorf("Expected running, got %s", st.State)
	}
	if fmt.Sprint(st.Filters) != fmt.Sprint([]string{filter.BaseFilterName, filter.TempFilesName}) {
		t.Errorf("Unexpected filters: %v", st.Filters)
	}
	if fmt.Sprint(st.RegisteredHandlers) != "[recorder]" {
		t.Errorf("Unexpected handlers: %v", st.RegisteredHandlers)
	}

	waitUntil(t, 2*time.Second, func() bool { return m.PerformanceStats().RawReceived == 2 }, "stats")
	ps := m.PerformanceStats()
	if ps.Filtered != 1 || ps.Filter.FilteredBy[filter.TempFilesName] != 1 {
		t.Errorf("Expected the temp filter to reject 1 event: %+v", ps.Filter)
	}
	if ps.LastEventAt.IsZero() {
		t.Error("Expected LastEventAt to be set")
	}

	m.ResetStats()
	ps = m.PerformanceStats()
	if ps.RawReceived != 0 || ps.TotalEvents != 0 || ps.Filter.TotalProcessed != 0 || len(ps.Handlers) != 0 {
		t.Errorf("Expected zeroed stats, got %+v", ps)
	}
}

func TestComputeLatency(t *testing.T) {
	if got := ComputeLatency(nil); got != (LatencyStats{}) {
		t.Errorf("Expected zero stats, got %+v", got)
	}

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	got := ComputeLatency(ds)
	if got.Min != time.Millisecond || got.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %+v", got)
	}
	if got.P50 != 51*time.Millisecond || got.P95 != 96*time.Millisecond || got.P99 != 100*time.Millisecond {
		t.Errorf("Unexpected percentiles: %+v", got)
	}
	if got.Mean != 50500*time.Microsecond {
		t.Errorf("Unexpected mean: %s", got.Mean)
	}
	if ds[0] != 100*time.Millisecond {
		t.Error("ComputeLatency must not reorder its input")
	}
}

func TestStats_RingIsBounded(t *testing.T) {
	s := newStats()
	for i := range latencyWindow + 10 {
		s.observe(time.Duration(i))
	}
	if len(s.durations) != latencyWindow {
		t.Errorf("Expected %d samples, got %d", latencyWindow, len(s.durations))
	}
}

func TestStateText(t *testing.T) {
	for s := Stopped; s <= Terminated; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) failed: %v", s, err)
		}
		var back State
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("round trip of %s gave %s (%v)", s, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestScan_ReportsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.md", "sub/b.md", ".git/config", "sub/deep/c.md"} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() failed: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	m := startManager(t, testConfig())
	rec := newRecorder("recorder")
	if err := m.RegisterHandler(rec, handler.MatchAll); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	h, err := m.AddWatch(dir, backend.WatchConfig{Recursive: true, Backend: backend.PollName})
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}

	res, err := m.Scan(context.Background(), h)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if res.Submitted != 3 {
		t.Errorf("Submitted = %d, want 3", res.Submitted)
	}
	shutdown(t, m)

	got := make(map[string]event.Kind)
	for _, ev := range rec.events() {
		got[ev.Path] = ev.Kind
		if ev.Metadata == nil {
			t.Errorf("scanned event for %s has no metadata", ev.Path)
		}
	}
	for _, name := range []string{"a.md", "sub/b.md", "sub/deep/c.md"} {
		if kind, ok := got[filepath.Join(dir, name)]; !ok || kind != event.KindCreated {
			t.Errorf("missing Created for %s (got %v)", name, got)
		}
	}
	if _, ok := got[filepath.Join(dir, ".git", "config")]; ok {
		t.Error(".git contents should not be scanned")
	}
}

func TestScan_NonRecursiveAndErrors(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"top.md", "sub/nested.md"} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() failed: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	m := startManager(t, testConfig())
	h, err := m.AddWatch(dir, backend.WatchConfig{Backend: backend.PollName})
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	res, err := m.Scan(context.Background(), h)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if res.Submitted != 1 {
		t.Errorf("non-recursive Submitted = %d, want 1", res.Submitted)
	}

	if _, err := m.Scan(context.Background(), backend.WatchHandle{ID: "nope"}); !errors.Is(err, ErrUnknownWatch) {
		t.Errorf("Expected ErrUnknownWatch, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Scan(ctx, h); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
