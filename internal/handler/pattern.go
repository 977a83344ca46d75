package handler

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/steveyegge/kiln/internal/event"
)

// Pattern describes the events a registration accepts. Empty fields match
// everything.
type Pattern struct {
	// Kinds the handler wants; empty means all kinds.
	Kinds []event.Kind
	// Paths are globs with '/' as separator. "*" stays inside a segment, "**"
	// crosses segments. A glob without a slash is tried against the base name.
	Paths []string
}

// MatchAll is the pattern that accepts every event.
var MatchAll = Pattern{}

// ForKinds is shorthand for a pattern limited to kinds.
func ForKinds(kinds ...event.Kind) Pattern {
	return Pattern{Kinds: kinds}
}

// Matcher is a compiled Pattern.
type Matcher struct {
	pattern Pattern
	globs   []compiledGlob
}

type compiledGlob struct {
	g        glob.Glob
	basename bool
}

// Compile validates p and prepares it for matching.
func Compile(p Pattern) (*Matcher, error) {
	m := &Matcher{pattern: p}
	for _, raw := range p.Paths {
		g, err := glob.Compile(filepath.ToSlash(raw), '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		m.globs = append(m.globs, compiledGlob{g: g, basename: !strings.Contains(raw, "/")})
	}
	return m, nil
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() Pattern { return m.pattern }

// Match reports whether ev fits the pattern.
func (m *Matcher) Match(ev event.FileEvent) bool {
	if len(m.pattern.Kinds) > 0 && !slices.Contains(m.pattern.Kinds, ev.Kind) {
		return false
	}
	if len(m.globs) == 0 {
		return true
	}

	p := filepath.ToSlash(ev.Path)
	base := filepath.Base(ev.Path)
	for _, cg := range m.globs {
		if cg.basename {
			if cg.g.Match(base) {
				return true
			}
			continue
		}
		if cg.g.Match(p) {
			return true
		}
	}
	return false
}
