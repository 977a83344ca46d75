package backend

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/filter"
)

// FSNotifyName is the registration name of the fsnotify backend.
const FSNotifyName = "fsnotify"

// FSNotify watches paths with kernel notifications (inotify, kqueue,
// ReadDirectoryChangesW). Recursive watches add every directory of the tree
// and follow directories created later.
//
// Each watch remembers the files it has seen so that removing or moving a
// directory out of the tree reports a Deleted event for every file below it,
// matching what the poll backend reports for the same change.
type FSNotify struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	events  chan event.FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watches map[string]*fsWatch
	dirRefs map[string]int
}

type fsWatch struct {
	handle    WatchHandle
	root      string
	isFile    bool
	recursive bool
	dirs      map[string]bool
	files     map[string]bool
}

// NewFSNotify creates an fsnotify backend. It starts its event goroutine
// immediately; Close stops it.
func NewFSNotify(opts Options) (Backend, error) {
	opts = opts.withDefaults()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create fsnotify watcher: %v", ErrBackend, err)
	}

	b := &FSNotify{
		watcher: w,
		logger:  opts.Logger.With(slog.String("backend", FSNotifyName)),
		events:  make(chan event.FileEvent, opts.BufferSize),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		watches: make(map[string]*fsWatch),
		dirRefs: make(map[string]int),
	}
	b.wg.Add(1)
	go b.processEvents()
	return b, nil
}

// Name returns FSNotifyName.
func (b *FSNotify) Name() string { return FSNotifyName }

// Watch adds path. A file path watches its parent directory and reports only
// that file.
func (b *FSNotify) Watch(path string, cfg WatchConfig) (WatchHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return WatchHandle{}, fmt.Errorf("%w: resolve %s: %v", ErrBackend, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return WatchHandle{}, fmt.Errorf("%w: stat %s: %v", ErrBackend, abs, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return WatchHandle{}, ErrClosed
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := b.watches[id]; exists {
		return WatchHandle{}, fmt.Errorf("%w: id %s", ErrWatchExists, id)
	}
	for _, w := range b.watches {
		if w.root == abs {
			return WatchHandle{}, fmt.Errorf("%w: path %s", ErrWatchExists, abs)
		}
	}

	w := &fsWatch{
		handle:    WatchHandle{ID: id, Path: abs, Backend: FSNotifyName},
		root:      abs,
		isFile:    !info.IsDir(),
		recursive: cfg.Recursive && info.IsDir(),
		dirs:      make(map[string]bool),
		files:     make(map[string]bool),
	}

	var dirs, files []string
	if w.isFile {
		dirs, files = []string{filepath.Dir(abs)}, []string{abs}
	} else {
		dirs, files = walkTree(abs, w.recursive, b.logger)
	}
	for _, f := range files {
		w.files[f] = true
	}

	for _, d := range dirs {
		if err := b.addDirLocked(w, d); err != nil {
			b.releaseLocked(w)
			return WatchHandle{}, fmt.Errorf("%w: watch %s: %v", ErrBackend, d, err)
		}
	}

	b.watches[id] = w
	b.logger.Debug("watch added",
		slog.String("id", id),
		slog.String("path", abs),
		slog.Bool("recursive", w.recursive),
		slog.Int("dirs", len(w.dirs)))
	return w.handle, nil
}

// Unwatch removes a watch and every directory only it was using.
func (b *FSNotify) Unwatch(h WatchHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	w, ok := b.watches[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, h.ID)
	}
	b.releaseLocked(w)
	delete(b.watches, h.ID)
	return nil
}

// ActiveWatches lists current handles.
func (b *FSNotify) ActiveWatches() []WatchHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WatchHandle, 0, len(b.watches))
	for _, w := range b.watches {
		out = append(out, w.handle)
	}
	return out
}

// Events returns the notification channel. It is closed by Close.
func (b *FSNotify) Events() <-chan event.FileEvent { return b.events }

// Errors returns the error channel. It is closed by Close.
func (b *FSNotify) Errors() <-chan error { return b.errors }

// Close stops the event goroutine, releases the OS watcher and closes both
// channels. It blocks until the goroutine has exited.
func (b *FSNotify) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.watches = make(map[string]*fsWatch)
	b.dirRefs = make(map[string]int)
	b.mu.Unlock()

	close(b.done)
	err := b.watcher.Close()
	b.wg.Wait()

	close(b.events)
	close(b.errors)

	if err != nil {
		return fmt.Errorf("%w: close fsnotify watcher: %v", ErrBackend, err)
	}
	return nil
}

func (b *FSNotify) addDirLocked(w *fsWatch, dir string) error {
	if w.dirs[dir] {
		return nil
	}
	if b.dirRefs[dir] == 0 {
		if err := b.watcher.Add(dir); err != nil {
			return err
		}
	}
	b.dirRefs[dir]++
	w.dirs[dir] = true
	return nil
}

func (b *FSNotify) releaseLocked(w *fsWatch) {
	for dir := range w.dirs {
		b.dirRefs[dir]--
		if b.dirRefs[dir] <= 0 {
			delete(b.dirRefs, dir)
			// the directory may already be gone
			_ = b.watcher.Remove(dir)
		}
	}
	w.dirs = make(map[string]bool)
	w.files = make(map[string]bool)
}

func (b *FSNotify) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return

		case raw, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			for _, ev := range b.convert(raw) {
				select {
				case b.events <- ev:
				case <-b.done:
					return
				}
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			select {
			case b.errors <- fmt.Errorf("%w: %v", ErrBackend, err):
			case <-b.done:
				return
			default:
				b.logger.Warn("error channel full, dropping backend error", slog.Any("error", err))
			}
		}
	}
}

// convert maps an fsnotify event to zero or more FileEvents. A new directory
// under a recursive watch is added and the files already inside it are
// reported as created, since their own notifications were missed.
func (b *FSNotify) convert(raw fsnotify.Event) []event.FileEvent {
	path := filepath.Clean(raw.Name)

	var kind event.Kind
	switch {
	case raw.Has(fsnotify.Create):
		kind = event.KindCreated
	case raw.Has(fsnotify.Write):
		kind = event.KindModified
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		// the new name of a rename arrives as its own Create
		kind = event.KindDeleted
	default:
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owners := b.ownersLocked(path)
	if len(owners) == 0 {
		return nil
	}

	if kind == event.KindDeleted {
		return b.forgetLocked(owners, path)
	}

	info, err := os.Lstat(path)
	if err != nil {
		// gone before we could look at it; its Remove follows
		return nil
	}
	if info.IsDir() {
		if kind == event.KindCreated {
			return b.followDirLocked(owners, path)
		}
		return nil
	}
	for _, w := range owners {
		w.files[path] = true
	}
	return []event.FileEvent{event.New(kind, path).WithMetadata(info.Size(), info.ModTime())}
}

func (b *FSNotify) ownersLocked(path string) []*fsWatch {
	var owners []*fsWatch
	for _, w := range b.watches {
		switch {
		case w.isFile:
			if path == w.root {
				owners = append(owners, w)
			}
		case w.recursive:
			if path == w.root || strings.HasPrefix(path, w.root+string(filepath.Separator)) {
				owners = append(owners, w)
			}
		default:
			if filepath.Dir(path) == w.root {
				owners = append(owners, w)
			}
		}
	}
	return owners
}

func (b *FSNotify) followDirLocked(owners []*fsWatch, dir string) []event.FileEvent {
	var followed []*fsWatch
	for _, w := range owners {
		if !w.recursive || ignoredDir(w.root, dir) {
			continue
		}
		followed = append(followed, w)
		dirs, _ := walkTree(dir, true, b.logger)
		for _, d := range dirs {
			if err := b.addDirLocked(w, d); err != nil {
				b.logger.Warn("failed to follow new directory", slog.String("path", d), slog.Any("error", err))
			}
		}
	}
	if len(followed) == 0 {
		return nil
	}
	evs := existingFiles(dir)
	for _, w := range followed {
		for _, ev := range evs {
			w.files[ev.Path] = true
		}
	}
	return evs
}

// forgetLocked handles the removal of path. When path was a directory, every
// file the owners knew below it is reported deleted and the directories under
// it are released from the OS watcher. Events come sorted, path itself last.
func (b *FSNotify) forgetLocked(owners []*fsWatch, path string) []event.FileEvent {
	prefix := path + string(filepath.Separator)
	gone := make(map[string]bool)
	for _, w := range owners {
		delete(w.files, path)
		for f := range w.files {
			if strings.HasPrefix(f, prefix) {
				gone[f] = true
				delete(w.files, f)
			}
		}
		for d := range w.dirs {
			if d != path && !strings.HasPrefix(d, prefix) {
				continue
			}
			delete(w.dirs, d)
			b.dirRefs[d]--
			if b.dirRefs[d] <= 0 {
				delete(b.dirRefs, d)
				// already gone when the kernel dropped the watch itself
				_ = b.watcher.Remove(d)
			}
		}
	}

	paths := make([]string, 0, len(gone))
	for f := range gone {
		paths = append(paths, f)
	}
	sort.Strings(paths)

	out := make([]event.FileEvent, 0, len(paths)+1)
	for _, f := range paths {
		out = append(out, event.New(event.KindDeleted, f))
	}
	return append(out, event.New(event.KindDeleted, path))
}

// walkTree returns the directories to watch at root and the regular files
// found there, skipping VCS and dependency directories. Without recursive
// only root and its direct children are visited.
func walkTree(root string, recursive bool, logger *slog.Logger) (dirs, files []string) {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("skipping unreadable path", slog.String("path", p), slog.Any("error", err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		}
		if p != root && (!recursive || ignoredDir(root, p)) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	if err != nil {
		logger.Warn("walk failed", slog.String("root", root), slog.Any("error", err))
	}
	if len(dirs) == 0 {
		dirs = []string{root}
	}
	return dirs, files
}

// ignoredDir reports whether dir, below root, is a VCS or dependency
// directory. Only the part below root is inspected.
func ignoredDir(root, dir string) bool {
	if dir == root {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return filter.IsSystemPath(rel)
}

// existingFiles reports the regular files below dir as created.
func existingFiles(dir string) []event.FileEvent {
	var out []event.FileEvent
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDir(dir, p) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		out = append(out, event.New(event.KindCreated, p).WithMetadata(info.Size(), info.ModTime()))
		return nil
	})
	return out
}
