package backend

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kiln/internal/event"
)

// PollName is the registration name of the polling backend.
const PollName = "poll"

// fileState is what one poll remembers about a file.
type fileState struct {
	size    int64
	modTime time.Time
}

type pollWatch struct {
	handle    WatchHandle
	root      string
	recursive bool
	snapshot  map[string]fileState
}

// Poll detects changes by comparing directory snapshots on a fixed interval.
// It works on every filesystem, including network mounts where kernel
// notifications are unavailable.
type Poll struct {
	interval time.Duration
	logger   *slog.Logger
	events   chan event.FileEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watches map[string]*pollWatch
}

// NewPoll creates a polling backend and starts its ticker.
func NewPoll(opts Options) (Backend, error) {
	opts = opts.withDefaults()
	p := &Poll{
		interval: opts.PollInterval,
		logger:   opts.Logger.With(slog.String("backend", PollName)),
		events:   make(chan event.FileEvent, opts.BufferSize),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		watches:  make(map[string]*pollWatch),
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Name returns PollName.
func (p *Poll) Name() string { return PollName }

// Watch records an initial snapshot of path. Files already present are not
// reported.
func (p *Poll) Watch(path string, cfg WatchConfig) (WatchHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return WatchHandle{}, fmt.Errorf("%w: resolve %s: %v", ErrBackend, path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return WatchHandle{}, fmt.Errorf("%w: stat %s: %v", ErrBackend, abs, err)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	w := &pollWatch{
		handle:    WatchHandle{ID: id, Path: abs, Backend: PollName},
		root:      abs,
		recursive: cfg.Recursive,
	}
	w.snapshot = scan(abs, w.recursive)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return WatchHandle{}, ErrClosed
	}
	if _, exists := p.watches[id]; exists {
		return WatchHandle{}, fmt.Errorf("%w: id %s", ErrWatchExists, id)
	}
	for _, other := range p.watches {
		if other.root == abs {
			return WatchHandle{}, fmt.Errorf("%w: path %s", ErrWatchExists, abs)
		}
	}
	p.watches[id] = w
	p.logger.Debug("watch added",
		slog.String("id", id),
		slog.String("path", abs),
		slog.Int("files", len(w.snapshot)))
	return w.handle, nil
}

// Unwatch stops polling a watch.
func (p *Poll) Unwatch(h WatchHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.watches[h.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, h.ID)
	}
	delete(p.watches, h.ID)
	return nil
}

// ActiveWatches lists current handles.
func (p *Poll) ActiveWatches() []WatchHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WatchHandle, 0, len(p.watches))
	for _, w := range p.watches {
		out = append(out, w.handle)
	}
	return out
}

// Events returns the notification channel. It is closed by Close.
func (p *Poll) Events() <-chan event.FileEvent { return p.events }

// Errors returns the error channel. It is closed by Close.
func (p *Poll) Errors() <-chan error { return p.errors }

// Close stops the ticker and closes both channels.
func (p *Poll) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.watches = make(map[string]*pollWatch)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	close(p.events)
	close(p.errors)
	return nil
}

func (p *Poll) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			for _, ev := range p.poll() {
				select {
				case p.events <- ev:
				case <-p.done:
					return
				}
			}
		}
	}
}

// poll rescans every watch and returns the differences. The lock is held
// only to swap snapshots.
func (p *Poll) poll() []event.FileEvent {
	p.mu.Lock()
	watches := make([]*pollWatch, 0, len(p.watches))
	for _, w := range p.watches {
		watches = append(watches, w)
	}
	p.mu.Unlock()

	var out []event.FileEvent
	for _, w := range watches {
		if _, err := os.Stat(w.root); err != nil {
			select {
			case p.errors <- fmt.Errorf("%w: stat %s: %v", ErrBackend, w.root, err):
			default:
				p.logger.Warn("error channel full, dropping backend error", slog.Any("error", err))
			}
		}

		next := scan(w.root, w.recursive)

		p.mu.Lock()
		if _, still := p.watches[w.handle.ID]; !still {
			p.mu.Unlock()
			continue
		}
		prev := w.snapshot
		w.snapshot = next
		p.mu.Unlock()

		out = append(out, diff(prev, next)...)
	}
	return out
}

// diff compares two snapshots. Output is sorted by path for stable delivery.
func diff(prev, next map[string]fileState) []event.FileEvent {
	var out []event.FileEvent
	for path, st := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			out = append(out, event.New(event.KindCreated, path).WithMetadata(st.size, st.modTime))
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			out = append(out, event.New(event.KindModified, path).WithMetadata(st.size, st.modTime))
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			out = append(out, event.New(event.KindDeleted, path))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// scan snapshots the regular files at root. A file root yields a single
// entry; a missing root yields an empty snapshot.
func scan(root string, recursive bool) map[string]fileState {
	snap := make(map[string]fileState)
	info, err := os.Stat(root)
	if err != nil {
		return snap
	}
	if !info.IsDir() {
		snap[root] = fileState{size: info.Size(), modTime: info.ModTime()}
		return snap
	}

	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p == root {
				return nil
			}
			if !recursive || ignoredDir(root, p) {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil || !fi.Mode().IsRegular() {
			return nil
		}
		snap[p] = fileState{size: fi.Size(), modTime: fi.ModTime()}
		return nil
	})
	return snap
}
