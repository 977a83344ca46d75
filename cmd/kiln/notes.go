package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/store"
)

var notesCmd = &cobra.Command{
	Use:     "notes",
	GroupID: "inspect",
	Short:   "List notes from the index",
	Long: `List notes recorded in the note index, newest first.

Example usage:
  kiln notes                 # every indexed note
  kiln notes --since 2h      # notes indexed in the last two hours
  kiln notes --since yesterday
  kiln notes --since "3 days ago"
  kiln notes --tag project   # notes tagged #project`,
	Args: cobra.NoArgs,
	RunE: runNotes,
}

var backlinksCmd = &cobra.Command{
	Use:     "backlinks <note>",
	GroupID: "inspect",
	Short:   "List notes that link to a note",
	Long: `List the indexed notes containing a [[wikilink]] to the given note name.
Names compare case-insensitively and a trailing .md is ignored.`,
	Args: cobra.ExactArgs(1),
	RunE: runBacklinks,
}

var (
	notesSince string
	notesTag   string
	notesLimit int
	indexPath  string
)

func init() {
	notesCmd.Flags().StringVar(&notesSince, "since", "", `only notes indexed since then (e.g. 2h, "yesterday", "3 days ago")`)
	notesCmd.Flags().StringVar(&notesTag, "tag", "", "only notes with this tag")
	notesCmd.Flags().IntVarP(&notesLimit, "limit", "n", 0, "maximum number of notes (0 = all)")
	for _, c := range []*cobra.Command{notesCmd, backlinksCmd} {
		c.Flags().StringVar(&indexPath, "index", "", "index database (default: handlers.index.path)")
		rootCmd.AddCommand(c)
	}
}

// openIndex opens the configured index. It refuses to create a new one.
func openIndex(cmd *cobra.Command) (*store.DB, error) {
	path := indexPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Handlers.Index.Path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no note index at %s (run \"kiln watch\" first)", path)
	}
	return store.Open(cmd.Context(), path)
}

func runNotes(cmd *cobra.Command, _ []string) error {
	since, err := parseSince(notesSince, time.Now())
	if err != nil {
		return err
	}
	db, err := openIndex(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	notes, err := db.RecentNotes(cmd.Context(), since, 0)
	if err != nil {
		return err
	}

	if notesTag != "" {
		tagged, err := db.NotesWithTag(cmd.Context(), notesTag)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(tagged))
		for _, p := range tagged {
			keep[p] = true
		}
		filtered := notes[:0]
		for _, n := range notes {
			if keep[n.Path] {
				filtered = append(filtered, n)
			}
		}
		notes = filtered
	}
	if notesLimit > 0 && len(notes) > notesLimit {
		notes = notes[:notesLimit]
	}

	if jsonOutput {
		if notes == nil {
			notes = []store.Note{}
		}
		return printJSON(cmd.OutOrStdout(), notes)
	}
	w := cmd.OutOrStdout()
	if len(notes) == 0 {
		fmt.Fprintln(w, renderMuted("No notes found"))
		return nil
	}
	for _, n := range notes {
		fmt.Fprintf(w, "%s  %s %s\n",
			renderMuted(n.IndexedAt.Local().Format(time.DateTime)),
			renderAccent(n.Title),
			renderMuted(n.Path))
	}
	return nil
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince turns a --since value into a cutoff. It takes a Go duration
// counted back from now, or a natural-language expression such as
// "yesterday" or "3 days ago". Empty means no cutoff.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since %s: duration must not be negative", s)
		}
		return now.Add(-d), nil
	}

	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("--since %q: not a duration or a recognizable time", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", s)
	}
	return r.Time, nil
}

func runBacklinks(cmd *cobra.Command, args []string) error {
	db, err := openIndex(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	paths, err := db.Backlinks(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), paths)
	}
	printPaths(cmd.OutOrStdout(), args[0], paths)
	return nil
}

func printPaths(w io.Writer, target string, paths []string) {
	if len(paths) == 0 {
		fmt.Fprintf(w, "%s\n", renderMuted("No notes link to "+target))
		return
	}
	fmt.Fprintf(w, "%s %s\n", renderAccent(fmt.Sprintf("%d", len(paths))), "notes link to "+target)
	for _, p := range paths {
		fmt.Fprintln(w, "  "+p)
	}
}
