package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/parser"
)

var parseCmd = &cobra.Command{
	Use:     "parse <file>...",
	GroupID: "inspect",
	Short:   "Parse notes and print what the markdown handler extracts",
	Long: `Parse one or more markdown files with the same parser the watch pipeline
uses and print the title, tags, wikilinks and block count. Use "-" to read
from stdin.

This does not touch the note index.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

// parsedFile is one entry of parse --json output.
type parsedFile struct {
	Path string       `json:"path"`
	Note *parser.Note `json:"note"`
}

func runParse(cmd *cobra.Command, args []string) error {
	p := parser.New()
	out := make([]parsedFile, 0, len(args))

	for _, path := range args {
		src, err := readSource(cmd, path)
		if err != nil {
			return err
		}
		note, err := p.Parse(src)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if note.Title == "" && path != "-" {
			note.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		out = append(out, parsedFile{Path: path, Note: note})
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	for i, f := range out {
		if i > 0 {
			fmt.Fprintln(w)
		}
		renderNote(w, f)
	}
	return nil
}

func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func renderNote(w io.Writer, f parsedFile) {
	n := f.Note
	fmt.Fprintf(w, "%s %s\n", renderAccent(n.Title), renderMuted(f.Path))
	row(w, "blocks", n.Blocks)

	tags := renderMuted("none")
	if len(n.Tags) > 0 {
		tags = "#" + strings.Join(n.Tags, " #")
	}
	row(w, "tags", tags)

	if len(n.Links) == 0 {
		row(w, "wikilinks", renderMuted("none"))
		return
	}
	row(w, "wikilinks", len(n.Links))
	for _, l := range n.Links {
		line := "  - " + l.Target
		if l.Heading != "" {
			line += "#" + l.Heading
		}
		if l.Block != "" {
			line += "#^" + l.Block
		}
		if l.Alias != "" {
			line += renderMuted(" as " + l.Alias)
		}
		if l.Embed {
			line += renderMuted(" (embed)")
		}
		fmt.Fprintln(w, line)
	}
}
