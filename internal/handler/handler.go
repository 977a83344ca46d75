// Package handler holds the EventHandler capability and the registry that
// routes events to handlers.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/kiln/internal/event"
)

var (
	// ErrInvalidHandler is returned when registering a nil or unnamed handler.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrInvalidPattern is returned when a path glob does not compile.
	ErrInvalidPattern = errors.New("invalid handler pattern")
)

// EventHandler consumes pipeline events. Implementations must be safe for
// concurrent use: the same handler may run for different events at once.
type EventHandler interface {
	// Name is the registry key and appears in logs and metrics.
	Name() string
	// Handles is a cheap pre-check run after the registration pattern.
	Handles(ev event.FileEvent) bool
	// Handle processes the event. Returned errors are logged and counted,
	// never retried.
	Handle(ctx context.Context, ev event.FileEvent) error
}

// Func is a handler built from a function. It handles every event its
// registration pattern lets through.
type Func struct {
	HandlerName string
	Fn          func(ctx context.Context, ev event.FileEvent) error
}

// NewFunc returns a Func handler.
func NewFunc(name string, fn func(ctx context.Context, ev event.FileEvent) error) *Func {
	return &Func{HandlerName: name, Fn: fn}
}

// Name returns the handler name.
func (f *Func) Name() string { return f.HandlerName }

// Handles always returns true.
func (f *Func) Handles(event.FileEvent) bool { return true }

// Handle calls the wrapped function.
func (f *Func) Handle(ctx context.Context, ev event.FileEvent) error {
	return f.Fn(ctx, ev)
}

// HandlerError describes a failed or panicking handler invocation.
type HandlerError struct {
	Handler string
	Path    string
	Kind    event.Kind
	Err     error
	Panic   any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked on %s %s: %v", e.Handler, e.Kind, e.Path, e.Panic)
	}
	return fmt.Sprintf("handler %s failed on %s %s: %v", e.Handler, e.Kind, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
