// Package event defines the values that flow through the kiln pipeline.
package event

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind represents the type of change a FileEvent reports.
type Kind int

const (
	// KindCreated indicates a new file appeared.
	KindCreated Kind = iota
	// KindModified indicates an existing file changed.
	KindModified
	// KindDeleted indicates a file was removed.
	KindDeleted
	// KindRenamed indicates a file was renamed by a backend that can report it.
	KindRenamed
	// KindDerived marks an event synthesized by a handler and re-injected
	// into the pipeline. The payload lives in FileEvent.Derived.
	KindDerived
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	case KindDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create":
		return KindCreated, nil
	case "modified", "modify", "write":
		return KindModified, nil
	case "deleted", "delete", "remove":
		return KindDeleted, nil
	case "renamed", "rename":
		return KindRenamed, nil
	case "derived":
		return KindDerived, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Metadata is the stat information a backend observed for the path.
type Metadata struct {
	Size    int64
	ModTime time.Time
}

// FileEvent is a single change notification. It is a value: handlers receive
// copies and must produce a new event instead of mutating one.
type FileEvent struct {
	// Kind is the change that occurred.
	Kind Kind
	// Path is the absolute, cleaned path of the file.
	Path string
	// Metadata is nil when the backend could not stat the file (e.g. deletes).
	Metadata *Metadata
	// Time is when the notification was observed.
	Time time.Time
	// Derived is set only for KindDerived events.
	Derived *DerivedEvent
}

// New builds a FileEvent for path observed now.
func New(kind Kind, path string) FileEvent {
	return FileEvent{
		Kind: kind,
		Path: filepath.Clean(path),
		Time: time.Now(),
	}
}

// WithMetadata returns a copy of ev carrying the given stat information.
func (ev FileEvent) WithMetadata(size int64, modTime time.Time) FileEvent {
	ev.Metadata = &Metadata{Size: size, ModTime: modTime}
	return ev
}

// Ext returns the lowercase extension of the event path without the dot.
func (ev FileEvent) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(ev.Path)), ".")
}

// IsDerived reports whether the event was produced inside the pipeline.
func (ev FileEvent) IsDerived() bool {
	return ev.Kind == KindDerived && ev.Derived != nil
}

func (ev FileEvent) String() string {
	if ev.IsDerived() {
		return fmt.Sprintf("%s(%s) %s", ev.Kind, ev.Derived.Type, ev.Path)
	}
	return fmt.Sprintf("%s %s", ev.Kind, ev.Path)
}
