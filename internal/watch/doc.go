// Package watch runs the watch-and-distribute pipeline.
//
// A Manager turns file system notifications into handler invocations:
//
//	backend -> filter chain -> debouncer -> queue -> handlers
//
// # Architecture
//
// The pipeline consists of several components:
//
//   - backend: fsnotify or polling watchers, chosen per watch by a Selector
//   - filter: the base filter, the watch's own include/exclude patterns and
//     any extra filters, evaluated in that order
//   - debounce: one pending entry per path, released after a quiet window
//   - queue: a bounded FIFO with a Block, DropOldest or Reject policy
//   - handler: a registry routing events to handlers by kind and path glob
//
// One loop goroutine owns the debouncer and the queue. Each backend instance
// has a forwarder goroutine feeding the loop. Each event is fanned out to its
// matching handlers in parallel, bounded by Config.MaxConcurrentHandlers, and
// the next event is dispatched only after all of them have returned. The loop
// keeps reading notifications while handlers run.
//
// # Usage
//
//	m, err := watch.New(watch.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
//	m.RegisterHandler(handler.NewFunc("log", func(ctx context.Context, ev event.FileEvent) error {
//	    log.Printf("%s %s", ev.Kind, ev.Path)
//	    return nil
//	}), handler.Pattern{Paths: []string{"*.md"}})
//
//	if _, err := m.AddWatch("/path/to/vault", backend.WatchConfig{Recursive: true}); err != nil {
//	    return err
//	}
//
// # Derived Events
//
// Handlers may push richer events back through Manager.Emitter. Derived
// events skip the filter chain and the debouncer and go straight to the
// queue. The loop always accepts them, so a handler emitting while the queue
// is full never deadlocks against its own dispatch.
//
// # Back-pressure
//
// With the Block policy a full queue makes the loop stop reading raw
// notifications until handlers catch up. Backend channels then fill and the
// backends block in turn. DropOldest evicts the oldest queued event; Reject
// discards the new one. Both are counted in PerformanceStats.
//
// # Lifecycle
//
// States move Stopped -> Starting -> Running -> ShuttingDown -> Terminated.
// A terminated manager cannot be restarted.
//
// Shutdown stops intake, flushes pending debounce entries into the queue,
// dispatches everything already accepted, then closes the backends:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := m.Shutdown(ctx); err != nil {
//	    log.Printf("Shutdown did not drain: %v", err)
//	}
//
// If the deadline passes, handler contexts are cancelled and undispatched
// events are abandoned. A second Shutdown is a no-op.
//
// # Thread Safety
//
// Every exported Manager method is safe for concurrent use. Within one
// manager a handler never runs for two events at once. A handler shared
// between managers, for example through WithRegistry, must be safe for
// concurrent use.
package watch
