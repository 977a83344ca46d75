// Command kiln watches note directories and feeds file changes through a
// filter, debounce and dispatch pipeline into parser, index and dashboard
// handlers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/config"
	"github.com/steveyegge/kiln/internal/logging"
)

var (
	configFile string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Watch notes and distribute file events to handlers",
	Long: `kiln watches directories of markdown notes and turns file system changes
into events for a set of handlers: a markdown parser that extracts titles,
tags and wikilinks, a SQLite note index, and a live WebSocket dashboard.

Configuration is read from kiln.yaml or kiln.toml in the working directory or
the user config directory, or from --config. KILN_* environment variables
override file settings (KILN_QUEUE_CAPACITY, KILN_LOG_LEVEL, ...).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: search for kiln.yaml/kiln.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting:"},
	)
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the logger described by cfg and installs it as the slog
// default.
func newLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, closeFn, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
