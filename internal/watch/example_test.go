package watch_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/watch"
)

// ExampleManager demonstrates pushing events through a manager without a
// file system backend.
func ExampleManager() {
	cfg := watch.DefaultConfig()
	cfg.DebounceWindow = 0
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := watch.New(cfg)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	printer := handler.NewFunc("printer", func(ctx context.Context, ev event.FileEvent) error {
		fmt.Println(ev.Kind, filepath.Base(ev.Path))
		return nil
	})
	if err := m.RegisterHandler(printer, handler.Pattern{Paths: []string{"*.md"}}); err != nil {
		fmt.Println("error:", err)
		return
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		fmt.Println("error:", err)
		return
	}

	_ = m.SubmitRaw(ctx, event.New(event.KindCreated, "/vault/ideas.md"))
	_ = m.SubmitRaw(ctx, event.New(event.KindModified, "/vault/image.png"))
	_ = m.SubmitRaw(ctx, event.New(event.KindDeleted, "/vault/old.md"))

	if err := m.Shutdown(ctx); err != nil {
		fmt.Println("error:", err)
	}
	fmt.Println("unhandled:", m.PerformanceStats().Unhandled)

	// Output:
	// created ideas.md
	// deleted old.md
	// unhandled: 1
}

// ExampleManager_Emitter shows a handler feeding a derived event back into the
// pipeline.
func ExampleManager_Emitter() {
	cfg := watch.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m, _ := watch.New(cfg)

	emitter := m.Emitter()
	_ = m.RegisterHandler(handler.NewFunc("summarize", func(ctx context.Context, ev event.FileEvent) error {
		d := event.NewDerived(event.TypeNoteParsed, ev)
		d.Note = &event.NoteSummary{Title: "Ideas", Blocks: 3}
		return emitter.Emit(ctx, d)
	}), handler.ForKinds(event.KindCreated))
	_ = m.RegisterHandler(handler.NewFunc("print", func(ctx context.Context, ev event.FileEvent) error {
		fmt.Printf("%s: %s (%d blocks)\n", ev.Derived.Type, ev.Derived.Note.Title, ev.Derived.Note.Blocks)
		return nil
	}), handler.ForKinds(event.KindDerived))

	ctx := context.Background()
	_ = m.Start(ctx)
	_ = m.SubmitRaw(ctx, event.New(event.KindCreated, "/vault/ideas.md"))
	_ = m.Shutdown(ctx)

	// Output:
	// note.parsed: Ideas (3 blocks)
}
