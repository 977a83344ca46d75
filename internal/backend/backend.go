// Package backend defines the watcher contract and picks a concrete watcher
// for a set of requirements.
//
// Two implementations ship with kiln: "fsnotify", backed by kernel
// notifications, and "poll", which diffs periodic directory snapshots. The
// Selector holds the registrations built at startup and nothing else.
package backend

import (
	"log/slog"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

// WatchConfig describes one logical watch. It is immutable once passed to
// Watch.
type WatchConfig struct {
	// ID names the watch. An empty ID is replaced by a generated one.
	ID string
	// Recursive watches the whole tree below the path.
	Recursive bool
	// IncludePatterns and ExcludePatterns are doublestar globs relative to the
	// watched path.
	IncludePatterns []string
	ExcludePatterns []string
	// DebounceWindow overrides the manager default when non-zero.
	DebounceWindow time.Duration
	// Backend forces a backend by name, bypassing scoring.
	Backend string
	// Requirements adds hard and soft requirements for this watch.
	Requirements Requirements
}

// WatchHandle correlates a watch with its removal. It does not own the OS
// resource.
type WatchHandle struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Backend string `json:"backend"`
}

// Backend is a running watcher implementation.
type Backend interface {
	// Name is the registration name.
	Name() string
	// Watch starts delivering events for path.
	Watch(path string, cfg WatchConfig) (WatchHandle, error)
	// Unwatch stops a watch returned by Watch.
	Unwatch(h WatchHandle) error
	// ActiveWatches lists current handles.
	ActiveWatches() []WatchHandle
	// Events delivers raw notifications. Closed by Close.
	Events() <-chan event.FileEvent
	// Errors delivers asynchronous backend failures. Closed by Close.
	Errors() <-chan error
	// Close releases every watch and closes both channels.
	Close() error
}

// Options are passed to backend constructors.
type Options struct {
	Logger *slog.Logger
	// PollInterval is used by polling backends.
	PollInterval time.Duration
	// BufferSize is the capacity of the Events channel.
	BufferSize int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	return o
}

// DefaultPollInterval is the poll backend's interval when none is configured.
const DefaultPollInterval = time.Second

// Constructor builds a backend instance.
type Constructor func(opts Options) (Backend, error)
