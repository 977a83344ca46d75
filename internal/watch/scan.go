package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/filter"
)

// ScanResult summarizes one Scan.
type ScanResult struct {
	Path      string        `json:"path"`
	Submitted int           `json:"submitted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Scan reports every regular file already under an active watch as Created,
// so handlers see files that existed before the watch was added. The events
// enter through SubmitRaw and pass the same filters and debouncer as backend
// notifications. VCS and dependency directories are skipped, and only the
// top level is visited for a non-recursive watch.
//
// Scan blocks under back-pressure. On cancellation it returns the partial
// result with ctx's error.
func (m *Manager) Scan(ctx context.Context, h backend.WatchHandle) (ScanResult, error) {
	m.watchMu.RLock()
	rec, ok := m.watches[h.ID]
	m.watchMu.RUnlock()
	if !ok {
		return ScanResult{}, fmt.Errorf("%w: %s", ErrUnknownWatch, h.ID)
	}

	start := time.Now()
	res := ScanResult{Path: rec.root}
	err := filepath.WalkDir(rec.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Debug("scan skipping unreadable path", slog.String("path", p), slog.Any("error", err))
			if d != nil && d.IsDir() && p != rec.root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p == rec.root {
				return nil
			}
			if !rec.cfg.Recursive {
				return filepath.SkipDir
			}
			if rel, err := filepath.Rel(rec.root, p); err == nil && filter.IsSystemPath(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed since the directory was read
			return nil
		}
		ev := event.New(event.KindCreated, p).WithMetadata(info.Size(), info.ModTime())
		if err := m.SubmitRaw(ctx, ev); err != nil {
			return err
		}
		res.Submitted++
		return nil
	})
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", rec.root, err)
	}

	m.logger.Info("initial scan finished",
		slog.String("path", rec.root),
		slog.Int("files", res.Submitted),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}
