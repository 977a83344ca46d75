package watch

import "errors"

// Lifecycle errors returned by Manager.
//
// Check them with errors.Is:
//
//	if errors.Is(err, watch.ErrNotRunning) {
//	    // call Start first
//	}
var (
	// ErrNotRunning is returned by operations that need a running manager.
	ErrNotRunning = errors.New("watch manager not running")

	// ErrAlreadyRunning is returned by Start on a manager that was already
	// started.
	ErrAlreadyRunning = errors.New("watch manager already running")

	// ErrTerminated is returned by Start after Shutdown. Managers cannot be
	// restarted; create a new one.
	ErrTerminated = errors.New("watch manager terminated")

	// ErrUnknownWatch is returned by RemoveWatch for a handle the manager
	// does not hold.
	ErrUnknownWatch = errors.New("unknown watch")

	// ErrInvalidConfig is returned by New when Config fails validation.
	ErrInvalidConfig = errors.New("invalid watch manager config")
)

// IsLifecycleError returns true if err comes from calling an operation in the
// wrong manager state.
func IsLifecycleError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrTerminated)
}
