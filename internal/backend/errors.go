package backend

import "errors"

// Errors returned by the selector and by backends.
//
// Check them with errors.Is:
//
//	if errors.Is(err, backend.ErrNoSuitableBackend) {
//	    // relax the requirements or register another backend
//	}
var (
	// ErrNoSuitableBackend is returned when no registered backend meets
	// every hard requirement.
	ErrNoSuitableBackend = errors.New("no suitable watch backend")

	// ErrUnknownBackend is returned when a backend is requested by a name
	// that was never registered.
	ErrUnknownBackend = errors.New("unknown watch backend")

	// ErrBackend wraps I/O failures reported by a backend while adding or
	// removing a watch.
	ErrBackend = errors.New("watch backend error")

	// ErrWatchExists is returned when the same path or ID is watched twice
	// on one backend.
	ErrWatchExists = errors.New("watch already exists")

	// ErrWatchNotFound is returned when unwatching an unknown handle.
	ErrWatchNotFound = errors.New("watch not found")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("watch backend closed")
)

// IsFatal returns true if the error means the backend cannot be used at all,
// as opposed to a single path failing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoSuitableBackend) ||
		errors.Is(err, ErrUnknownBackend) ||
		errors.Is(err, ErrClosed)
}
