package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/config"
	"github.com/steveyegge/kiln/internal/dashboard"
	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
	"github.com/steveyegge/kiln/internal/handlers"
	"github.com/steveyegge/kiln/internal/store"
	"github.com/steveyegge/kiln/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:     "watch [path...]",
	GroupID: "run",
	Short:   "Watch note directories and run the handler pipeline",
	Long: `Watch one or more directories and feed their changes through the pipeline:
filters, debouncing, the bounded event queue, and the registered handlers.

With default handlers enabled (handlers.enable_default_handlers), kiln
registers:
- markdown_parser: parses changed notes and emits note.parsed events
- note_index: stores parsed notes in a SQLite index (handlers.index)
- dashboard: WebSocket dashboard on handlers.dashboard.addr (when enabled)

Paths given on the command line replace watch.paths from the config.

Unless watch.initial_scan is off (or --no-scan is given), notes already in
the watched directories are fed through the pipeline once at startup. Notes
whose content hash matches the index are not parsed again, and index entries
for notes deleted while kiln was not running are removed.

Example usage:
  kiln watch                      # watch paths from kiln.yaml
  kiln watch ~/vault --dashboard  # watch a vault with the live dashboard

Press Ctrl+C to stop. Queued events are drained before exit.`,
	RunE: runWatch,
}

var (
	watchDashboard       bool
	watchNoScan          bool
	watchShutdownTimeout time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&watchDashboard, "dashboard", false, "enable the WebSocket dashboard")
	watchCmd.Flags().BoolVar(&watchNoScan, "no-scan", false, "skip the initial scan of existing notes")
	watchCmd.Flags().DurationVar(&watchShutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for queued events on exit")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Watch.Paths = args
	}
	if watchDashboard {
		cfg.Handlers.Dashboard.Enabled = true
	}
	if watchNoScan {
		cfg.Watch.InitialScan = false
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	// the manager outlives ctx so shutdown runs with our own timeout
	if err := p.manager.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	wc := cfg.WatchConfig()
	var handles []backend.WatchHandle
	for _, path := range cfg.Watch.Paths {
		h, err := p.manager.AddWatch(path, wc)
		if err != nil {
			_ = shutdown(p.manager, logger)
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		handles = append(handles, h)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", renderPass("watching"), h.Path, renderMuted("("+h.Backend+")"))
	}
	if cfg.Watch.InitialScan {
		for _, h := range handles {
			res, err := p.scan(ctx, h)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.Warn("initial scan failed", slog.String("path", h.Path), slog.Any("error", err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", renderAccent("scanned"), h.Path,
				renderMuted(fmt.Sprintf("(%d files, %d stale)", res.Submitted, res.Stale)))
		}
	}
	if p.dashboard != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s http://%s  ws://%s/ws\n", renderAccent("dashboard"), p.dashboard.Addr(), p.dashboard.Addr())
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderMuted("Press Ctrl+C to stop..."))

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")

	err = shutdown(p.manager, logger)
	printSummary(cmd, p.manager.PerformanceStats())
	return err
}

// pipeline is the manager plus the resources its default handlers hold.
type pipeline struct {
	manager   *watch.Manager
	index     *store.DB
	dashboard *dashboard.Server
}

// scanResult is a manager scan plus the stale index entries it removed.
type scanResult struct {
	watch.ScanResult
	Stale int
}

// scan submits the files under h and then a Deleted event for every indexed
// note under h that no longer exists.
func (p *pipeline) scan(ctx context.Context, h backend.WatchHandle) (scanResult, error) {
	res, err := p.manager.Scan(ctx, h)
	out := scanResult{ScanResult: res}
	if err != nil || p.index == nil {
		return out, err
	}
	indexed, err := p.index.NotesUnder(ctx, h.Path)
	if err != nil {
		return out, err
	}
	for _, path := range indexed {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := p.manager.SubmitRaw(ctx, event.New(event.KindDeleted, path)); err != nil {
			return out, err
		}
		out.Stale++
	}
	return out, nil
}

// buildPipeline creates the manager and registers the enabled default
// handlers. Call close after the manager has shut down.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	mc, err := cfg.ToManagerConfig(logger)
	if err != nil {
		return nil, err
	}
	extra, err := cfg.ExtraFilters(nil)
	if err != nil {
		return nil, err
	}
	m, err := watch.New(mc, watch.WithFilters(extra...))
	if err != nil {
		return nil, err
	}

	p := &pipeline{manager: m}
	if !cfg.Handlers.EnableDefaults {
		return p, nil
	}

	hc := cfg.Handlers
	if hc.Index.Enabled {
		db, err := store.Open(ctx, hc.Index.Path)
		if err != nil {
			return nil, err
		}
		p.index = db
		idx := handlers.NewIndexHandler(db, hc.Parser.Extensions, logger)
		if err := m.RegisterHandler(idx, handler.ForKinds(event.KindDerived, event.KindDeleted)); err != nil {
			p.close()
			return nil, err
		}
		logger.Info("note index opened", slog.String("path", db.Path()))
	}

	if hc.Parser.Enabled {
		pc := handlers.ParseConfig{
			Extensions:  hc.Parser.Extensions,
			MaxFileSize: hc.Parser.MaxFileSize,
			Emitter:     m.Emitter(),
			Logger:      logger,
		}
		if p.index != nil {
			pc.Hashes = p.index
		}
		parse := handlers.NewParseHandler(pc)
		if err := m.RegisterHandler(parse, handler.ForKinds(event.KindCreated, event.KindModified, event.KindRenamed)); err != nil {
			p.close()
			return nil, err
		}
	}

	if hc.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Addr:          hc.Dashboard.Addr,
			Status:        m,
			StatsInterval: hc.Dashboard.StatsInterval,
			Logger:        logger,
		})
		if err := srv.Start(); err != nil {
			p.close()
			return nil, fmt.Errorf("failed to start dashboard: %w", err)
		}
		p.dashboard = srv
		if err := m.RegisterHandler(dashboard.NewHandler(srv), handler.MatchAll); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

func (p *pipeline) close() {
	if p.dashboard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.dashboard.Stop(ctx); err != nil {
			slog.Warn("dashboard shutdown failed", slog.Any("error", err))
		}
		p.dashboard = nil
	}
	if p.index != nil {
		if err := p.index.Close(); err != nil {
			slog.Warn("index close failed", slog.Any("error", err))
		}
		p.index = nil
	}
}

func shutdown(m *watch.Manager, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), watchShutdownTimeout)
	defer cancel()
	err := m.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown timed out, queued events were abandoned")
	}
	return err
}

func printSummary(cmd *cobra.Command, s watch.PerformanceStats) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, renderAccent("Summary"))
	row(w, "events dispatched", s.TotalEvents)
	row(w, "raw received", s.RawReceived)
	row(w, "filtered", s.Filtered)
	row(w, "debounced", s.Debounced)
	row(w, "derived", s.Derived)
	if s.Dropped+s.Rejected > 0 {
		row(w, "dropped/rejected", renderWarn(fmt.Sprintf("%d/%d", s.Dropped, s.Rejected)))
	}
	if s.HandlerErrors+s.HandlerPanics > 0 {
		row(w, "handler errors", renderFail(fmt.Sprintf("%d (%d panics)", s.HandlerErrors, s.HandlerPanics)))
	}
	if s.Latency.Count > 0 {
		row(w, "latency p50/p95", fmt.Sprintf("%s / %s", s.Latency.P50, s.Latency.P95))
	}
}
