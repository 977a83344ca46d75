package watch

import (
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
)

// dispatch fans ev out to its handlers and returns a channel closed when all
// of them have returned. It returns nil when no handler matches.
func (m *Manager) dispatch(ev event.FileEvent) <-chan struct{} {
	m.stats.dispatched(m.now())

	handlers := m.registry.HandlersFor(ev)
	if len(handlers) == 0 {
		m.stats.unhandled.Add(1)
		m.logger.Debug("no handler for event",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()))
		return nil
	}

	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)

		var g errgroup.Group
		g.SetLimit(m.cfg.MaxConcurrentHandlers)
		for _, h := range handlers {
			g.Go(func() error {
				m.invoke(h, ev)
				return nil
			})
		}
		// invoke never returns an error; failures are logged per handler
		_ = g.Wait()

		m.stats.observe(time.Since(start))
	}()
	return done
}

// invoke runs one handler, recovering panics so they stay inside the handler
// boundary.
func (m *Manager) invoke(h handler.EventHandler, ev event.FileEvent) {
	name := h.Name()
	start := time.Now()

	var (
		err   error
		perr  any
		stack []byte
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				perr = r
				stack = debug.Stack()
			}
		}()
		err = h.Handle(m.handlerCtx, ev)
	}()

	elapsed := time.Since(start)
	switch {
	case perr != nil:
		m.stats.handlerDone(name, elapsed, &handler.HandlerError{
			Handler: name, Path: ev.Path, Kind: ev.Kind, Panic: perr,
		})
		m.logger.Error("handler panicked",
			slog.String("handler", name),
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Any("panic", perr),
			slog.String("stack", string(stack)))
	case err != nil:
		herr := &handler.HandlerError{Handler: name, Path: ev.Path, Kind: ev.Kind, Err: err}
		m.stats.handlerDone(name, elapsed, herr)
		m.logger.Warn("handler failed",
			slog.String("handler", name),
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Any("error", err))
	default:
		m.stats.handlerDone(name, elapsed, nil)
	}
}
