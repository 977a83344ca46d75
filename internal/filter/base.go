package filter

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/steveyegge/kiln/internal/event"
)

// ErrInvalidPattern is returned for globs doublestar cannot parse.
var ErrInvalidPattern = errors.New("invalid filter pattern")

// Criteria is the include/exclude description compiled into a base filter.
// Zero values mean "no constraint".
type Criteria struct {
	// IncludeExtensions limits events to these extensions (without dot).
	IncludeExtensions []string `mapstructure:"include_extensions"`
	// ExcludeExtensions rejects these extensions.
	ExcludeExtensions []string `mapstructure:"exclude_extensions"`
	// IncludePatterns are doublestar globs; at least one must match.
	IncludePatterns []string `mapstructure:"include"`
	// ExcludePatterns are doublestar globs; none may match.
	ExcludePatterns []string `mapstructure:"exclude"`
	// MinSize and MaxSize bound the file size when metadata is known.
	MinSize int64 `mapstructure:"min_size"`
	MaxSize int64 `mapstructure:"max_size"`
	// Kinds limits events to these kinds.
	Kinds []event.Kind `mapstructure:"-"`
	// Root makes patterns match paths relative to it.
	Root string `mapstructure:"-"`
}

// IsZero reports whether c constrains nothing.
func (c Criteria) IsZero() bool {
	return len(c.IncludeExtensions) == 0 && len(c.ExcludeExtensions) == 0 &&
		len(c.IncludePatterns) == 0 && len(c.ExcludePatterns) == 0 &&
		c.MinSize == 0 && c.MaxSize == 0 && len(c.Kinds) == 0
}

// BaseFilter is the compiled form of Criteria.
type BaseFilter struct {
	name     string
	criteria Criteria
	include  map[string]bool
	exclude  map[string]bool
}

// NewBase compiles c into a filter called BaseFilterName.
func NewBase(c Criteria) (*BaseFilter, error) {
	return NewNamedBase(BaseFilterName, c)
}

// NewNamedBase compiles c into a filter with a custom name. Watches use it to
// report their own include/exclude rejections.
func NewNamedBase(name string, c Criteria) (*BaseFilter, error) {
	var errs []error
	for _, p := range slices.Concat(c.IncludePatterns, c.ExcludePatterns) {
		if !doublestar.ValidatePattern(normalizePattern(p)) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPattern, p))
		}
	}
	if c.MaxSize > 0 && c.MinSize > c.MaxSize {
		errs = append(errs, fmt.Errorf("min size %d exceeds max size %d", c.MinSize, c.MaxSize))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &BaseFilter{
		name:     name,
		criteria: c,
		include:  extSet(c.IncludeExtensions),
		exclude:  extSet(c.ExcludeExtensions),
	}, nil
}

// Name returns the filter name.
func (b *BaseFilter) Name() string { return b.name }

// Criteria returns the criteria the filter was compiled from.
func (b *BaseFilter) Criteria() Criteria { return b.criteria }

// Allow applies kind, extension, pattern and size checks, cheapest first.
func (b *BaseFilter) Allow(ev event.FileEvent) bool {
	c := b.criteria
	if len(c.Kinds) > 0 && !slices.Contains(c.Kinds, ev.Kind) {
		return false
	}

	ext := ev.Ext()
	if len(b.include) > 0 && !b.include[ext] {
		return false
	}
	if b.exclude[ext] {
		return false
	}

	if len(c.IncludePatterns) > 0 || len(c.ExcludePatterns) > 0 {
		rel := b.relative(ev.Path)
		if len(c.IncludePatterns) > 0 && !matchAny(c.IncludePatterns, rel) {
			return false
		}
		if matchAny(c.ExcludePatterns, rel) {
			return false
		}
	}

	if ev.Metadata != nil && ev.Kind != event.KindDeleted {
		if c.MinSize > 0 && ev.Metadata.Size < c.MinSize {
			return false
		}
		if c.MaxSize > 0 && ev.Metadata.Size > c.MaxSize {
			return false
		}
	}
	return true
}

func (b *BaseFilter) relative(p string) string {
	if b.criteria.Root != "" {
		if rel, err := filepath.Rel(b.criteria.Root, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// matchAny matches slash path p against doublestar patterns. A pattern
// without a slash is matched against the base name only.
func matchAny(patterns []string, p string) bool {
	base := path.Base(p)
	for _, pat := range patterns {
		pat = normalizePattern(pat)
		target := p
		if !strings.Contains(pat, "/") {
			target = base
		}
		if ok, err := doublestar.Match(pat, target); err == nil && ok {
			return true
		}
	}
	return false
}

func normalizePattern(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

func extSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.TrimPrefix(strings.ToLower(e), ".")] = true
	}
	return set
}
