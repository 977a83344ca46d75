package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrFrontMatter is returned when a note opens a front matter block that is
// unterminated or cannot be decoded.
var ErrFrontMatter = errors.New("invalid front matter")

type fenceFormat int

const (
	fenceYAML fenceFormat = iota
	fenceTOML
)

// splitFrontMatter separates a leading front matter block from the body.
// A note without one yields a nil map and the full source.
func splitFrontMatter(src []byte) (map[string]any, []byte, error) {
	src = bytes.TrimPrefix(src, []byte("\ufeff"))

	first, rest, ok := cutLine(src)
	if !ok && len(first) == 0 {
		return nil, src, nil
	}

	var format fenceFormat
	switch string(first) {
	case "---":
		format = fenceYAML
	case "+++":
		format = fenceTOML
	default:
		return nil, src, nil
	}

	var block []byte
	body := rest
	closed := false
	for len(body) > 0 {
		line, next, _ := cutLine(body)
		if isClosingFence(line, format) {
			block = rest[:len(rest)-len(body)]
			body = next
			closed = true
			break
		}
		body = next
	}
	if !closed {
		return nil, nil, fmt.Errorf("%w: missing closing %s", ErrFrontMatter, first)
	}

	fm := map[string]any{}
	switch format {
	case fenceYAML:
		if err := yaml.Unmarshal(block, &fm); err != nil {
			return nil, nil, fmt.Errorf("%w: yaml: %w", ErrFrontMatter, err)
		}
	case fenceTOML:
		if err := toml.Unmarshal(block, &fm); err != nil {
			return nil, nil, fmt.Errorf("%w: toml: %w", ErrFrontMatter, err)
		}
	}
	// "---\n---" decodes to a nil map
	if fm == nil {
		fm = map[string]any{}
	}
	return fm, body, nil
}

func isClosingFence(line []byte, format fenceFormat) bool {
	s := strings.TrimRight(string(line), " \t")
	if format == fenceTOML {
		return s == "+++"
	}
	return s == "---" || s == "..."
}

// cutLine returns the first line without its terminator, the remainder, and
// whether a terminator was found.
func cutLine(b []byte) (line, rest []byte, found bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimSuffix(b, []byte("\r")), nil, false
	}
	return bytes.TrimSuffix(b[:i], []byte("\r")), b[i+1:], true
}

// stringValue returns fm[key] when it is a non-empty string.
func stringValue(fm map[string]any, key string) string {
	s, _ := fm[key].(string)
	return strings.TrimSpace(s)
}

// listValue accepts a YAML/TOML list or a comma or space separated string.
func listValue(fm map[string]any, key string) []string {
	switch v := fm[key].(type) {
	case string:
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
