package event

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TypeNoteParsed is the derived event type emitted after a note was parsed.
const TypeNoteParsed = "note.parsed"

// ErrEmit is wrapped by emitters that could not deliver a derived event.
var ErrEmit = errors.New("emit failed")

// NoteSummary is the structural summary extracted from a parsed note.
type NoteSummary struct {
	Title     string   `json:"title"`
	Tags      []string `json:"tags"`
	Wikilinks []string `json:"wikilinks"`
	Blocks    int      `json:"blocks"`
	// ContentHash is the hex SHA-256 of the file the summary was parsed from.
	ContentHash string `json:"content_hash,omitempty"`
}

// DerivedEvent is synthesized by a handler from an already-delivered event.
type DerivedEvent struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Source    FileEvent    `json:"-"`
	Note      *NoteSummary `json:"note,omitempty"`
	EmittedAt time.Time    `json:"emitted_at"`
}

// NewDerived creates a derived event of the given type for src.
func NewDerived(typ string, src FileEvent) DerivedEvent {
	return DerivedEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    src,
		EmittedAt: time.Now(),
	}
}

// FileEvent wraps d so it can travel through the queue and dispatcher.
func (d DerivedEvent) FileEvent() FileEvent {
	return FileEvent{
		Kind:     KindDerived,
		Path:     d.Source.Path,
		Metadata: d.Source.Metadata,
		Time:     d.EmittedAt,
		Derived:  &d,
	}
}

// Emitter publishes derived events. Implementations decide where they go:
// back into the pipeline, to a broadcaster, or nowhere.
type Emitter interface {
	Emit(ctx context.Context, ev DerivedEvent) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev DerivedEvent) error

// Emit calls f(ctx, ev).
func (f EmitterFunc) Emit(ctx context.Context, ev DerivedEvent) error {
	return f(ctx, ev)
}

// NoopEmitter discards every event. It lets handlers run without a live
// downstream.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(context.Context, DerivedEvent) error { return nil }

// MultiEmitter fans an event out to several emitters. Every emitter is tried;
// failures are joined.
type MultiEmitter []Emitter

// Emit delivers ev to each emitter in order.
func (m MultiEmitter) Emit(ctx context.Context, ev DerivedEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
