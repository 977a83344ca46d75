package watch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/queue"
)

// loopState is the bookkeeping of the loop goroutine. Nothing else touches it.
type loopState struct {
	// batch holds drained events not yet dispatched.
	batch []event.FileEvent
	// backlog holds events refused by a full Block queue, in arrival order.
	backlog []event.FileEvent
	// inflight is closed when the current event's handlers have finished.
	inflight <-chan struct{}
	stopping bool
}

// run is the single owner of the debouncer and the queue.
func (m *Manager) run() {
	defer close(m.loopDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var ls loopState
	stop := m.stop

	for {
		// events without handlers complete synchronously
		for ls.inflight == nil {
			if !m.next(&ls) {
				break
			}
		}
		if ls.stopping && ls.inflight == nil && len(ls.batch) == 0 &&
			len(ls.backlog) == 0 && m.queue.Len() == 0 {
			// a handler may have emitted just before returning
			if m.drainDerived(&ls) > 0 {
				continue
			}
			m.logger.Debug("event loop drained")
			return
		}

		// stop reading raw notifications while the queue refuses events;
		// backends block behind us
		raw := m.raw
		if ls.stopping || len(ls.backlog) > 0 {
			raw = nil
		}

		var timerC <-chan time.Time
		if deadline, ok := m.debouncer.NextDeadline(); ok {
			timer.Reset(max(deadline.Sub(m.now()), 0))
			timerC = timer.C
		} else {
			timer.Stop()
		}

		select {
		case ev := <-raw:
			m.intake(&ls, ev)

		case ev := <-m.derived:
			m.enqueue(&ls, ev)

		case <-timerC:
			for _, ev := range m.debouncer.Expired(m.now()) {
				m.enqueue(&ls, ev)
			}

		case <-ls.inflight:
			ls.inflight = nil

		case <-stop:
			stop = nil
			ls.stopping = true
			accepted := m.drainRaw(&ls)
			flushed := m.debouncer.Flush()
			for _, ev := range flushed {
				m.enqueue(&ls, ev)
			}
			m.logger.Debug("intake stopped",
				slog.Int("accepted", accepted),
				slog.Int("flushed", len(flushed)))

		case <-m.abort:
			return
		}
	}
}

// next dispatches the next event and reports whether there was one. The
// queue is drained only once the previous batch is exhausted, and refilled
// from the backlog right away.
func (m *Manager) next(ls *loopState) bool {
	if len(ls.batch) == 0 {
		ls.batch = m.queue.DrainAll()
		m.refill(ls)
	}
	if len(ls.batch) == 0 {
		return false
	}
	ev := ls.batch[0]
	ls.batch[0] = event.FileEvent{}
	ls.batch = ls.batch[1:]
	ls.inflight = m.dispatch(ev)
	return true
}

// drainRaw takes in whatever notifications were submitted before intake
// stopped.
func (m *Manager) drainRaw(ls *loopState) int {
	n := 0
	for {
		select {
		case ev := <-m.raw:
			m.intake(ls, ev)
			n++
		default:
			return n
		}
	}
}

func (m *Manager) drainDerived(ls *loopState) int {
	n := 0
	for {
		select {
		case ev := <-m.derived:
			m.enqueue(ls, ev)
			n++
		default:
			return n
		}
	}
}

// intake runs a raw notification through the filter chain and the debouncer.
func (m *Manager) intake(ls *loopState, ev event.FileEvent) {
	m.stats.raw.Add(1)
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}

	window := m.cfg.DebounceWindow
	var scoped filter.Filter
	if rec := m.watchFor(ev.Path); rec != nil {
		if rec.cfg.DebounceWindow > 0 {
			window = rec.cfg.DebounceWindow
		}
		scoped = rec.filter
	}
	decision := m.chain.Evaluate(ev, scoped)
	if !decision.Allowed {
		m.logger.Debug("event filtered",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.String("filter", decision.RejectedBy))
		return
	}

	if out, ok := m.debouncer.Add(ev, window, m.now()); ok {
		m.enqueue(ls, out)
	}
}

// enqueue pushes ev, holding it in the backlog while a Block queue is full.
func (m *Manager) enqueue(ls *loopState, ev event.FileEvent) {
	if len(ls.backlog) > 0 {
		ls.backlog = append(ls.backlog, ev)
		return
	}
	switch err := m.queue.Push(ev); {
	case err == nil:
	case errors.Is(err, queue.ErrWouldBlock):
		ls.backlog = append(ls.backlog, ev)
		m.logger.Debug("queue full, applying back-pressure", slog.Int("capacity", m.queue.Cap()))
	case errors.Is(err, queue.ErrQueueFull):
		m.logger.Warn("queue full, event rejected",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()))
	default:
		m.logger.Error("enqueue failed", slog.String("path", ev.Path), slog.Any("error", err))
	}
}

// refill moves backlog events into the queue until it is full again.
func (m *Manager) refill(ls *loopState) {
	n := 0
	for n < len(ls.backlog) && !m.queue.Full() {
		if err := m.queue.Push(ls.backlog[n]); err != nil {
			break
		}
		n++
	}
	clear(ls.backlog[:n])
	ls.backlog = ls.backlog[n:]
	if len(ls.backlog) == 0 {
		ls.backlog = nil
	}
}
