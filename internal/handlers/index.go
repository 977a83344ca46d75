package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
)

// IndexHandlerName is the registry name of the note index writer.
const IndexHandlerName = "note_index"

// NoteIndex is the storage the index handler writes to. *store.DB
// implements it.
type NoteIndex interface {
	UpsertNote(ctx context.Context, path string, sum *event.NoteSummary, at time.Time) error
	DeleteNote(ctx context.Context, path string) error
}

// IndexHandler keeps a NoteIndex in step with the vault: note.parsed events
// upsert, deletions remove.
//
// Derived events are not debounced, so a note.parsed event can arrive after
// the Deleted event for the same file. Summaries for files that no longer
// exist are dropped instead of being indexed again.
type IndexHandler struct {
	index  NoteIndex
	exts   []string
	logger *slog.Logger
	stat   func(string) (fs.FileInfo, error)
}

var _ handler.EventHandler = (*IndexHandler)(nil)

// NewIndexHandler returns an index writer. Deletions are applied only to
// paths with one of exts; nil means DefaultExtensions.
func NewIndexHandler(index NoteIndex, exts []string, logger *slog.Logger) *IndexHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexHandler{
		index:  index,
		exts:   normalizeExts(exts),
		logger: logger.With(slog.String("handler", IndexHandlerName)),
		stat:   os.Stat,
	}
}

// Name returns IndexHandlerName.
func (h *IndexHandler) Name() string { return IndexHandlerName }

// Handles accepts note.parsed derived events and note deletions.
func (h *IndexHandler) Handles(ev event.FileEvent) bool {
	switch ev.Kind {
	case event.KindDerived:
		return ev.IsDerived() && ev.Derived.Type == event.TypeNoteParsed && ev.Derived.Note != nil
	case event.KindDeleted:
		return slices.Contains(h.exts, ev.Ext())
	}
	return false
}

// Handle applies the event to the index.
func (h *IndexHandler) Handle(ctx context.Context, ev event.FileEvent) error {
	if ev.Kind == event.KindDeleted {
		if err := h.index.DeleteNote(ctx, ev.Path); err != nil {
			return fmt.Errorf("unindex %s: %w", ev.Path, err)
		}
		h.logger.Debug("note removed from index", slog.String("path", ev.Path))
		return nil
	}

	if _, err := h.stat(ev.Path); errors.Is(err, fs.ErrNotExist) {
		h.logger.Debug("note gone before indexing, skipping", slog.String("path", ev.Path))
		return nil
	}

	d := ev.Derived
	if err := h.index.UpsertNote(ctx, ev.Path, d.Note, d.EmittedAt); err != nil {
		return fmt.Errorf("index %s: %w", ev.Path, err)
	}
	h.logger.Debug("note indexed",
		slog.String("path", ev.Path),
		slog.Int("tags", len(d.Note.Tags)),
		slog.Int("wikilinks", len(d.Note.Wikilinks)))
	return nil
}
