package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/kiln/internal/config"
	"github.com/steveyegge/kiln/internal/queue"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "run",
	Short:   "Write a kiln.yaml config file",
	Long: `Create kiln.yaml in the current directory. Without --yes, an interactive
form asks for the watched paths, queue overflow policy, debounce window and
whether to enable the dashboard.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	initYes    bool
	initForce  bool
	initOutput string
)

func init() {
	initCmd.Flags().BoolVarP(&initYes, "yes", "y", false, "accept defaults without prompting")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "kiln.yaml", "file to write")
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the values the init form collects.
type initAnswers struct {
	Paths     string
	Overflow  string
	Debounce  string
	Dashboard bool
	Index     bool
}

func defaultAnswers() initAnswers {
	def := config.Default()
	return initAnswers{
		Paths:     strings.Join(def.Watch.Paths, ", "),
		Overflow:  def.Queue.Overflow,
		Debounce:  def.Watch.Debounce.String(),
		Dashboard: def.Handlers.Dashboard.Enabled,
		Index:     def.Handlers.Index.Enabled,
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
	}

	a := defaultAnswers()
	if !initYes && term.IsTerminal(int(os.Stdin.Fd())) {
		if err := initForm(&a).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
				return nil
			}
			return err
		}
	}

	doc, err := a.document()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(initOutput); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(initOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", initOutput, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", renderPass("wrote"), initOutput)
	fmt.Fprintln(cmd.OutOrStdout(), renderMuted("Run \"kiln watch\" to start."))
	return nil
}

func initForm(a *initAnswers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Directories to watch").
				Description("Comma-separated").
				Placeholder(".").
				Value(&a.Paths).
				Validate(func(s string) error {
					if len(splitList(s)) == 0 {
						return errors.New("at least one path is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("When the event queue is full").
				Options(
					huh.NewOption("block until handlers catch up", queue.Block.String()),
					huh.NewOption("drop the oldest event", queue.DropOldest.String()),
					huh.NewOption("reject the new event", queue.Reject.String()),
				).
				Value(&a.Overflow),
			huh.NewInput().
				Title("Debounce window").
				Value(&a.Debounce).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Keep a SQLite note index?").
				Value(&a.Index),
			huh.NewConfirm().
				Title("Serve the live dashboard?").
				Value(&a.Dashboard),
		),
	)
}

// document returns the YAML document for the answers. Only settings that
// differ from the defaults or that users commonly edit are written.
func (a initAnswers) document() (map[string]any, error) {
	paths := splitList(a.Paths)
	if len(paths) == 0 {
		return nil, errors.New("at least one path is required")
	}
	if _, err := queue.ParsePolicy(a.Overflow); err != nil {
		return nil, err
	}
	debounce, err := time.ParseDuration(a.Debounce)
	if err != nil {
		return nil, fmt.Errorf("invalid debounce window: %w", err)
	}

	return map[string]any{
		"watch": map[string]any{
			"paths":     paths,
			"recursive": true,
			"exclude":   []string{"**/.git/**", "**/.obsidian/**"},
			"debounce":  debounce.String(),
		},
		"queue": map[string]any{
			"overflow": a.Overflow,
		},
		"handlers": map[string]any{
			"index":     map[string]any{"enabled": a.Index},
			"dashboard": map[string]any{"enabled": a.Dashboard},
		},
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
