// Package config loads kiln settings from a YAML or TOML file, KILN_*
// environment variables and built-in defaults, in decreasing precedence:
// environment, file, defaults.
//
// Keys are nested by section:
//
//	watch:
//	  paths: [~/notes]
//	  recursive: true
//	  exclude: ["**/.obsidian/**"]
//	  debounce: 200ms
//	  initial_scan: true
//	queue:
//	  capacity: 1000
//	  overflow: block
//	handlers:
//	  max_concurrent: 10
//	  dashboard:
//	    enabled: true
//	log:
//	  level: debug
//
// The environment variable for a key replaces dots with underscores:
// KILN_QUEUE_CAPACITY, KILN_LOG_LEVEL.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/kiln/internal/backend"
	"github.com/steveyegge/kiln/internal/filter"
	"github.com/steveyegge/kiln/internal/logging"
	"github.com/steveyegge/kiln/internal/queue"
	"github.com/steveyegge/kiln/internal/watch"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KILN"

// Config is the full kiln configuration.
type Config struct {
	Watch    Watch    `mapstructure:"watch"`
	Queue    Queue    `mapstructure:"queue"`
	Handlers Handlers `mapstructure:"handlers"`
	Filters  Filters  `mapstructure:"filters"`
	Log      Log      `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Watch configures the watched directories.
type Watch struct {
	Paths             []string      `mapstructure:"paths"`
	Recursive         bool          `mapstructure:"recursive"`
	Include           []string      `mapstructure:"include"`
	Exclude           []string      `mapstructure:"exclude"`
	Debounce          time.Duration `mapstructure:"debounce"`
	SuppressTransient bool          `mapstructure:"suppress_transient"`
	// InitialScan reports files already present when a watch is added.
	InitialScan bool `mapstructure:"initial_scan"`
	// Backend forces a backend by name; empty lets the selector choose.
	Backend      string        `mapstructure:"backend"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Queue configures the event queue.
type Queue struct {
	Capacity int    `mapstructure:"capacity"`
	Overflow string `mapstructure:"overflow"`
}

// Handlers configures dispatch and the built-in handlers.
type Handlers struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// EnableDefaults registers the parser, index and dashboard handlers
	// that are individually enabled below.
	EnableDefaults bool      `mapstructure:"enable_default_handlers"`
	Parser         Parser    `mapstructure:"parser"`
	Index          Index     `mapstructure:"index"`
	Dashboard      Dashboard `mapstructure:"dashboard"`
}

// Parser configures the markdown parser handler.
type Parser struct {
	Enabled     bool     `mapstructure:"enabled"`
	Extensions  []string `mapstructure:"extensions"`
	MaxFileSize int64    `mapstructure:"max_file_size"`
}

// Index configures the note index handler.
type Index struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Dashboard configures the WebSocket dashboard.
type Dashboard struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// Filters configures the base and auxiliary filters.
type Filters struct {
	IgnoreTemp        bool     `mapstructure:"ignore_temp"`
	IgnoreSystem      bool     `mapstructure:"ignore_system"`
	IncludeExtensions []string `mapstructure:"include_extensions"`
	ExcludeExtensions []string `mapstructure:"exclude_extensions"`
	MinSize           int64    `mapstructure:"min_size"`
	MaxSize           int64    `mapstructure:"max_size"`
	// MaxEvents per path within FrequencyWindow; zero disables the cap.
	MaxEvents       int           `mapstructure:"max_events"`
	FrequencyWindow time.Duration `mapstructure:"frequency_window"`
	// ActiveHours is "HH:MM-HH:MM" in local time; empty allows all day.
	ActiveHours string `mapstructure:"active_hours"`
}

// Log configures logging.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	def := watch.DefaultConfig()

	v.SetDefault("watch.paths", []string{"."})
	v.SetDefault("watch.recursive", true)
	v.SetDefault("watch.include", []string{})
	v.SetDefault("watch.exclude", []string{})
	v.SetDefault("watch.debounce", def.DebounceWindow)
	v.SetDefault("watch.suppress_transient", false)
	v.SetDefault("watch.initial_scan", true)
	v.SetDefault("watch.backend", "")
	v.SetDefault("watch.poll_interval", def.PollInterval)

	v.SetDefault("queue.capacity", def.QueueCapacity)
	v.SetDefault("queue.overflow", def.OverflowPolicy.String())

	v.SetDefault("handlers.max_concurrent", def.MaxConcurrentHandlers)
	v.SetDefault("handlers.enable_default_handlers", true)
	v.SetDefault("handlers.parser.enabled", true)
	v.SetDefault("handlers.parser.extensions", []string{"md", "markdown"})
	v.SetDefault("handlers.parser.max_file_size", 10<<20)
	v.SetDefault("handlers.index.enabled", true)
	v.SetDefault("handlers.index.path", defaultIndexPath())
	v.SetDefault("handlers.dashboard.enabled", false)
	v.SetDefault("handlers.dashboard.addr", "127.0.0.1:7373")
	v.SetDefault("handlers.dashboard.stats_interval", 2*time.Second)

	v.SetDefault("filters.ignore_temp", true)
	v.SetDefault("filters.ignore_system", true)
	v.SetDefault("filters.include_extensions", []string{})
	v.SetDefault("filters.exclude_extensions", []string{})
	v.SetDefault("filters.min_size", 0)
	v.SetDefault("filters.max_size", 0)
	v.SetDefault("filters.max_events", 0)
	v.SetDefault("filters.frequency_window", time.Minute)
	v.SetDefault("filters.active_hours", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

func defaultIndexPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kiln", "index.db")
	}
	return filepath.Join(".kiln", "index.db")
}

// Default returns the configuration used when no file or environment
// override exists.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or searches for kiln.yaml / kiln.toml in the working
// directory and the user config directory when path is empty. A missing
// search result is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiln")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "kiln"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Watch.Paths) == 0 {
		errs = append(errs, errors.New("watch.paths: at least one path is required"))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce: must not be negative, got %s", c.Watch.Debounce))
	}
	if c.Watch.Backend != "" {
		if _, err := backend.DefaultSelector().Lookup(c.Watch.Backend); err != nil {
			errs = append(errs, fmt.Errorf("watch.backend: %w", err))
		}
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity: must be positive, got %d", c.Queue.Capacity))
	}
	if _, err := queue.ParsePolicy(c.Queue.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("queue.overflow: %w", err))
	}
	if c.Handlers.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("handlers.max_concurrent: must be positive, got %d", c.Handlers.MaxConcurrent))
	}
	if c.Handlers.Index.Enabled && c.Handlers.Index.Path == "" {
		errs = append(errs, errors.New("handlers.index.path: required when the index is enabled"))
	}
	if c.Filters.MinSize < 0 || c.Filters.MaxSize < 0 {
		errs = append(errs, errors.New("filters: sizes must not be negative"))
	}
	if c.Filters.MaxSize > 0 && c.Filters.MinSize > c.Filters.MaxSize {
		errs = append(errs, fmt.Errorf("filters: min_size %d exceeds max_size %d", c.Filters.MinSize, c.Filters.MaxSize))
	}
	if c.Filters.MaxEvents > 0 && c.Filters.FrequencyWindow <= 0 {
		errs = append(errs, errors.New("filters.frequency_window: must be positive when max_events is set"))
	}
	if c.Filters.ActiveHours != "" {
		if _, _, err := filter.ParseTimeWindow(c.Filters.ActiveHours); err != nil {
			errs = append(errs, fmt.Errorf("filters.active_hours: %w", err))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ToManagerConfig maps the settings onto a watch.Config.
func (c *Config) ToManagerConfig(logger *slog.Logger) (watch.Config, error) {
	policy, err := queue.ParsePolicy(c.Queue.Overflow)
	if err != nil {
		return watch.Config{}, err
	}

	mc := watch.DefaultConfig()
	mc.QueueCapacity = c.Queue.Capacity
	mc.OverflowPolicy = policy
	mc.DebounceWindow = c.Watch.Debounce
	mc.SuppressTransient = c.Watch.SuppressTransient
	mc.MaxConcurrentHandlers = c.Handlers.MaxConcurrent
	if c.Watch.PollInterval > 0 {
		mc.PollInterval = c.Watch.PollInterval
	}
	mc.Filter = filter.Criteria{
		IncludeExtensions: c.Filters.IncludeExtensions,
		ExcludeExtensions: c.Filters.ExcludeExtensions,
		MinSize:           c.Filters.MinSize,
		MaxSize:           c.Filters.MaxSize,
	}
	mc.Logger = logger
	return mc, nil
}

// ExtraFilters builds the auxiliary filters enabled in the filters section,
// in evaluation order.
func (c *Config) ExtraFilters(now filter.ClockFunc) ([]filter.Filter, error) {
	var out []filter.Filter
	if c.Filters.IgnoreTemp {
		out = append(out, filter.TempFiles())
	}
	if c.Filters.IgnoreSystem {
		out = append(out, filter.SystemFiles())
	}
	if c.Filters.ActiveHours != "" {
		start, end, err := filter.ParseTimeWindow(c.Filters.ActiveHours)
		if err != nil {
			return nil, err
		}
		out = append(out, filter.TimeWindow(start, end, time.Local, now))
	}
	if c.Filters.MaxEvents > 0 {
		out = append(out, filter.FrequencyCap(c.Filters.MaxEvents, c.Filters.FrequencyWindow, now))
	}
	return out, nil
}

// WatchConfig returns the per-watch settings applied to every path.
func (c *Config) WatchConfig() backend.WatchConfig {
	return backend.WatchConfig{
		Recursive:       c.Watch.Recursive,
		IncludePatterns: c.Watch.Include,
		ExcludePatterns: c.Watch.Exclude,
		Backend:         c.Watch.Backend,
	}
}

// LoggingOptions returns the log section as logging options.
func (c *Config) LoggingOptions() logging.Options {
	level, _ := logging.ParseLevel(c.Log.Level)
	format, _ := logging.ParseFormat(c.Log.Format)
	return logging.Options{
		Level:      level,
		Format:     format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
