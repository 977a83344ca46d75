// Package parser extracts a structural summary from markdown notes: title,
// tags, wikilinks and a top-level block count.
//
// Front matter may be YAML (fenced by ---) or TOML (fenced by +++). Its
// title overrides the first level-one heading and its tags are merged ahead
// of inline #tags. Wikilinks and tags inside code, inline code and raw HTML
// are ignored.
package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/steveyegge/kiln/internal/event"
)

var (
	wikilinkRe = regexp.MustCompile(`(!?)\[\[([^\[\]\n]+)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|[\s(,;])#([\p{L}\p{N}_][\p{L}\p{N}_\-/]*)`)
)

// Link is one [[target#heading|alias]] reference.
type Link struct {
	Target  string `json:"target"`
	Heading string `json:"heading,omitempty"`
	// Block is the id of a [[target#^block]] reference.
	Block string `json:"block,omitempty"`
	Alias string `json:"alias,omitempty"`
	Embed bool   `json:"embed,omitempty"`
}

// Display returns the alias when present, otherwise the target.
func (l Link) Display() string {
	if l.Alias != "" {
		return l.Alias
	}
	return l.Target
}

// Note is the parsed form of a markdown file.
type Note struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	// Wikilinks lists link targets in document order, duplicates included.
	Wikilinks   []string       `json:"wikilinks"`
	Links       []Link         `json:"links"`
	Blocks      int            `json:"blocks"`
	FrontMatter map[string]any `json:"front_matter,omitempty"`
}

// Summary converts the note into the payload carried by derived events.
func (n *Note) Summary() *event.NoteSummary {
	return &event.NoteSummary{
		Title:     n.Title,
		Tags:      n.Tags,
		Wikilinks: n.Wikilinks,
		Blocks:    n.Blocks,
	}
}

// Parser is safe for concurrent use.
type Parser struct {
	md goldmark.Markdown
}

// New returns a parser using CommonMark plus the GitHub extensions.
func New() *Parser {
	return &Parser{
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Parse summarizes src. Only malformed front matter is an error; any byte
// sequence is valid markdown.
func (p *Parser) Parse(src []byte) (*Note, error) {
	fm, body, err := splitFrontMatter(src)
	if err != nil {
		return nil, err
	}

	doc := p.md.Parser().Parse(text.NewReader(body))
	plain := plainText(doc, body)

	note := &Note{
		Blocks:      doc.ChildCount(),
		FrontMatter: fm,
		Links:       extractLinks(plain),
	}
	note.Wikilinks = make([]string, 0, len(note.Links))
	for _, l := range note.Links {
		note.Wikilinks = append(note.Wikilinks, l.Target)
	}

	note.Title = stringValue(fm, "title")
	if note.Title == "" {
		note.Title = firstHeading(doc, body)
	}
	note.Tags = mergeTags(listValue(fm, "tags"), extractTags(plain))
	return note, nil
}

// plainText concatenates the document's text outside code and raw HTML, one
// line per block.
func plainText(doc ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.CodeSpan, *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock, *ast.RawHTML, *ast.AutoLink:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(n.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		}
		if !entering && n.Type() == ast.TypeBlock {
			b.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// inlineText returns all text below n, code spans included.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(n.Value(src))
			if n.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(n.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func firstHeading(doc ast.Node, src []byte) string {
	for c := doc.FirstChild(); c != nil; c = c.NextSibling() {
		if h, ok := c.(*ast.Heading); ok && h.Level == 1 {
			return inlineText(h, src)
		}
	}
	return ""
}

func extractLinks(plain string) []Link {
	matches := wikilinkRe.FindAllStringSubmatch(plain, -1)
	links := make([]Link, 0, len(matches))
	for _, m := range matches {
		l, ok := parseLink(m[2])
		if !ok {
			continue
		}
		l.Embed = m[1] == "!"
		links = append(links, l)
	}
	return links
}

// parseLink splits "target#heading|alias". A link with an empty target
// points into the current note and is kept only if it names a heading.
func parseLink(inner string) (Link, bool) {
	var l Link
	target, alias, _ := strings.Cut(inner, "|")
	l.Alias = strings.TrimSpace(alias)

	target, anchor, _ := strings.Cut(target, "#")
	l.Target = strings.TrimSpace(target)
	anchor = strings.TrimSpace(anchor)
	if block, ok := strings.CutPrefix(anchor, "^"); ok {
		l.Block = block
	} else {
		l.Heading = anchor
	}
	return l, l.Target != "" || l.Heading != "" || l.Block != ""
}

func extractTags(plain string) []string {
	var tags []string
	for _, m := range tagRe.FindAllStringSubmatch(plain, -1) {
		tag := strings.TrimRight(m[1], "/-")
		if tag == "" || isNumeric(tag) {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

// mergeTags keeps the first spelling of each tag, compared case-insensitively.
func mergeTags(groups ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, group := range groups {
		for _, tag := range group {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
