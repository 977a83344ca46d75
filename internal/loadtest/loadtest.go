// Package loadtest drives synthetic file events through a watch manager.
//
// It simulates many writers touching notes at once to check that the
// pipeline keeps up: every submitted event is either dispatched, coalesced by
// the debouncer, or accounted for by the overflow policy.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/queue"
	"github.com/steveyegge/kiln/internal/watch"
)

// HandlerName is the name of the counting handler Run registers.
const HandlerName = "loadtest_sink"

// Config describes one load run.
type Config struct {
	// Producers submit events concurrently.
	Producers int
	// EventsPerProducer is how many events each producer submits.
	EventsPerProducer int
	// Paths is the number of distinct files each producer cycles through.
	// Fewer paths mean more debounce coalescing.
	Paths int
	// HandlerDelay simulates handler work per event.
	HandlerDelay time.Duration

	QueueCapacity  int
	Overflow       queue.Policy
	DebounceWindow time.Duration
	MaxConcurrent  int

	// ShutdownTimeout bounds the final drain. Zero means one minute.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultConfig is a small run that completes in well under a second.
func DefaultConfig() Config {
	def := watch.DefaultConfig()
	return Config{
		Producers:         10,
		EventsPerProducer: 100,
		Paths:             20,
		QueueCapacity:     def.QueueCapacity,
		Overflow:          def.OverflowPolicy,
		MaxConcurrent:     def.MaxConcurrentHandlers,
	}
}

// Result is the outcome of a run.
type Result struct {
	Config    Config        `json:"-"`
	Submitted int           `json:"submitted"`
	Handled   int64         `json:"handled"`
	Elapsed   time.Duration `json:"elapsed"`
	// Submit is the time SubmitRaw took, which includes back-pressure.
	Submit watch.LatencyStats     `json:"submit"`
	Stats  watch.PerformanceStats `json:"stats"`
}

// Throughput is handled events per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Handled) / r.Elapsed.Seconds()
}

// Run builds a manager from cfg, submits the synthetic load and shuts the
// manager down after every producer has finished.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Producers <= 0 || cfg.EventsPerProducer <= 0 {
		return nil, errors.New("loadtest: producers and events per producer must be positive")
	}
	if cfg.Paths <= 0 {
		cfg.Paths = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mc := watch.DefaultConfig()
	mc.QueueCapacity = cfg.QueueCapacity
	mc.OverflowPolicy = cfg.Overflow
	mc.DebounceWindow = cfg.DebounceWindow
	if cfg.MaxConcurrent > 0 {
		mc.MaxConcurrentHandlers = cfg.MaxConcurrent
	}
	mc.Logger = cfg.Logger

	m, err := watch.New(mc)
	if err != nil {
		return nil, err
	}

	var handled atomic.Int64
	sink := handler.NewFunc(HandlerName, func(ctx context.Context, _ event.FileEvent) error {
		if cfg.HandlerDelay > 0 {
			select {
			case <-time.After(cfg.HandlerDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		handled.Add(1)
		return nil
	})
	if err := m.RegisterHandler(sink, handler.MatchAll); err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, cfg.Producers*cfg.EventsPerProducer)
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := range cfg.Producers {
		g.Go(func() error {
			local := make([]time.Duration, 0, cfg.EventsPerProducer)
			for i := range cfg.EventsPerProducer {
				ev := event.New(event.KindModified, fmt.Sprintf("/load/p%03d/note-%04d.md", p, i%cfg.Paths))
				t0 := time.Now()
				if err := m.SubmitRaw(gctx, ev); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
			return nil
		})
	}
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("loadtest: shutdown: %w", err))
	}
	if runErr != nil {
		return nil, runErr
	}

	return &Result{
		Config:    cfg,
		Submitted: len(durations),
		Handled:   handled.Load(),
		Elapsed:   time.Since(start),
		Submit:    watch.ComputeLatency(durations),
		Stats:     m.PerformanceStats(),
	}, nil
}

// Verify checks that every submitted event is accounted for. Submitted
// events are either coalesced by the debouncer or reach the queue, and queued
// events are dispatched unless the overflow policy dropped or rejected them.
func (r *Result) Verify() error {
	s := r.Stats
	if got := int(s.RawReceived); got != r.Submitted {
		return fmt.Errorf("manager received %d events, %d were submitted", got, r.Submitted)
	}
	queued := s.RawReceived - s.Filtered - s.Debounce.Coalesced - s.Debounce.Suppressed
	if lost := queued - s.TotalEvents - s.Dropped - s.Rejected; lost != 0 {
		return fmt.Errorf("%d events unaccounted for (queued %d, dispatched %d, dropped %d, rejected %d)",
			lost, queued, s.TotalEvents, s.Dropped, s.Rejected)
	}
	if uint64(r.Handled) != s.TotalEvents {
		return fmt.Errorf("handler saw %d events, manager dispatched %d", r.Handled, s.TotalEvents)
	}
	if r.Config.Overflow == queue.Block && s.Dropped+s.Rejected > 0 {
		return fmt.Errorf("block policy lost %d events", s.Dropped+s.Rejected)
	}
	return nil
}

// Print writes a plain-text report.
func (r *Result) Print(w io.Writer) {
	s := r.Stats
	fmt.Fprintf(w, "Load test: %d producers x %d events, %d paths each, %s policy\n",
		r.Config.Producers, r.Config.EventsPerProducer, r.Config.Paths, r.Config.Overflow)
	fmt.Fprintf(w, "  Submitted:     %d\n", r.Submitted)
	fmt.Fprintf(w, "  Coalesced:     %d\n", s.Debounce.Coalesced)
	fmt.Fprintf(w, "  Handled:       %d\n", r.Handled)
	fmt.Fprintf(w, "  Dropped:       %d\n", s.Dropped)
	fmt.Fprintf(w, "  Rejected:      %d\n", s.Rejected)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput:    %.0f events/s\n", r.Throughput())
	fmt.Fprintf(w, "  Submit P50:    %v\n", r.Submit.P50)
	fmt.Fprintf(w, "  Submit P99:    %v\n", r.Submit.P99)
	fmt.Fprintf(w, "  Dispatch P50:  %v\n", s.Latency.P50)
	fmt.Fprintf(w, "  Dispatch P99:  %v\n", s.Latency.P99)
	fmt.Fprintf(w, "  Queue peak:    %d/%d\n", s.Queue.HighWater, s.Queue.Capacity)
}
