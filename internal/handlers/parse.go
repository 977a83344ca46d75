// Package handlers contains the built-in pipeline handlers: the markdown
// parser that emits note.parsed events and the index writer that stores them.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/parser"
)

const (
	// ParseHandlerName is the registry name of the markdown parser.
	ParseHandlerName = "markdown_parser"

	// DefaultMaxFileSize bounds how much of a note is read.
	DefaultMaxFileSize int64 = 10 << 20
)

// DefaultExtensions are the note extensions parsed when none are configured.
var DefaultExtensions = []string{"md", "markdown"}

// ParseConfig configures a ParseHandler.
type ParseConfig struct {
	// Extensions without the leading dot, compared case-insensitively.
	Extensions []string
	// MaxFileSize skips larger files. Zero means DefaultMaxFileSize.
	MaxFileSize int64
	// Emitter receives note.parsed events. Nil means NoopEmitter.
	Emitter event.Emitter
	// Hashes, when set, lets the handler skip notes whose content hash
	// matches the one already indexed.
	Hashes HashLookup
	Logger *slog.Logger
}

// HashLookup returns the content hash last indexed for path, or an empty
// string when there is none. *store.DB implements it.
type HashLookup interface {
	NoteHash(ctx context.Context, path string) (string, error)
}

// ParseStats counts handler outcomes.
type ParseStats struct {
	Parsed    int64 `json:"parsed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Unchanged int64 `json:"unchanged"`
}

// ParseHandler reads changed notes, parses them and emits a note.parsed
// derived event. A note that fails to parse is logged and skipped; it is
// parsed again on its next change.
type ParseHandler struct {
	exts    []string
	maxSize int64
	emitter event.Emitter
	hashes  HashLookup
	parser  *parser.Parser
	logger  *slog.Logger

	parsed    atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	unchanged atomic.Int64
}

var _ handler.EventHandler = (*ParseHandler)(nil)

// NewParseHandler returns a parser handler.
func NewParseHandler(cfg ParseConfig) *ParseHandler {
	h := &ParseHandler{
		exts:    normalizeExts(cfg.Extensions),
		maxSize: cfg.MaxFileSize,
		emitter: cfg.Emitter,
		hashes:  cfg.Hashes,
		parser:  parser.New(),
		logger:  cfg.Logger,
	}
	if h.maxSize <= 0 {
		h.maxSize = DefaultMaxFileSize
	}
	if h.emitter == nil {
		h.emitter = event.NoopEmitter{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(slog.String("handler", ParseHandlerName))
	return h
}

// Name returns ParseHandlerName.
func (h *ParseHandler) Name() string { return ParseHandlerName }

// Handles accepts created, modified and renamed notes that still exist.
func (h *ParseHandler) Handles(ev event.FileEvent) bool {
	switch ev.Kind {
	case event.KindCreated, event.KindModified, event.KindRenamed:
	default:
		return false
	}
	if !slices.Contains(h.exts, ev.Ext()) {
		return false
	}
	info, err := os.Stat(ev.Path)
	return err == nil && info.Mode().IsRegular()
}

// Handle parses the note and emits its summary.
func (h *ParseHandler) Handle(ctx context.Context, ev event.FileEvent) error {
	src, err := h.read(ev.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// removed after Handles ran
		h.skipped.Add(1)
		return nil
	case errors.Is(err, errTooLarge):
		h.skipped.Add(1)
		h.logger.Warn("note too large, skipping",
			slog.String("path", ev.Path),
			slog.Int64("max_size", h.maxSize))
		return nil
	case err != nil:
		h.failed.Add(1)
		h.logger.Warn("failed to read note", slog.String("path", ev.Path), slog.Any("error", err))
		return nil
	}

	sum := sha256.Sum256(src)
	hash := hex.EncodeToString(sum[:])
	if h.unchangedSince(ctx, ev.Path, hash) {
		h.unchanged.Add(1)
		h.logger.Debug("note unchanged, skipping", slog.String("path", ev.Path))
		return nil
	}

	note, err := h.parser.Parse(src)
	if err != nil {
		h.failed.Add(1)
		h.logger.Warn("failed to parse note", slog.String("path", ev.Path), slog.Any("error", err))
		return nil
	}
	if note.Title == "" {
		note.Title = strings.TrimSuffix(filepath.Base(ev.Path), filepath.Ext(ev.Path))
	}
	h.parsed.Add(1)

	derived := event.NewDerived(event.TypeNoteParsed, ev)
	derived.Note = note.Summary()
	derived.Note.ContentHash = hash
	h.logger.Debug("note parsed",
		slog.String("path", ev.Path),
		slog.String("title", note.Title),
		slog.Int("wikilinks", len(note.Wikilinks)),
		slog.Int("blocks", note.Blocks))

	if err := h.emitter.Emit(ctx, derived); err != nil {
		return fmt.Errorf("emit %s for %s: %w", event.TypeNoteParsed, ev.Path, err)
	}
	return nil
}

// Stats returns a snapshot of the handler counters.
func (h *ParseHandler) Stats() ParseStats {
	return ParseStats{
		Parsed:    h.parsed.Load(),
		Failed:    h.failed.Load(),
		Skipped:   h.skipped.Load(),
		Unchanged: h.unchanged.Load(),
	}
}

// unchangedSince reports whether hash matches the indexed hash for path. A
// failed lookup counts as changed.
func (h *ParseHandler) unchangedSince(ctx context.Context, path, hash string) bool {
	if h.hashes == nil {
		return false
	}
	stored, err := h.hashes.NoteHash(ctx, path)
	if err != nil {
		h.logger.Debug("hash lookup failed", slog.String("path", path), slog.Any("error", err))
		return false
	}
	return stored == hash
}

func normalizeExts(exts []string) []string {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		out = append(out, strings.ToLower(strings.TrimPrefix(ext, ".")))
	}
	return out
}

var errTooLarge = errors.New("file exceeds size limit")

func (h *ParseHandler) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, err := io.ReadAll(io.LimitReader(f, h.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(src)) > h.maxSize {
		return nil, errTooLarge
	}
	return src, nil
}
