package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/watch"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the state of a running watcher",
	Long: `Query a running "kiln watch" through its dashboard and print the manager
status and performance counters.

The watcher must run with the dashboard enabled. The address defaults to
handlers.dashboard.addr from the config.`,
	RunE: runStatus,
}

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "dashboard address (default: handlers.dashboard.addr)")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is what status prints with --json.
type statusReport struct {
	Status watch.Status           `json:"status"`
	Stats  watch.PerformanceStats `json:"stats"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Handlers.Dashboard.Addr
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var r statusReport
	if err := getJSON(ctx, addr, "/status", &r.Status); err != nil {
		return err
	}
	if err := getJSON(ctx, addr, "/stats", &r.Stats); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), r)
	}
	renderStatus(cmd.OutOrStdout(), r)
	return nil
}

func getJSON(ctx context.Context, addr, path string, v any) error {
	url := "http://" + addr + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("no watcher reachable at %s (is the dashboard enabled?): %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}

func renderStatus(w io.Writer, r statusReport) {
	st, s := r.Status, r.Stats

	state := renderPass(st.State.String())
	if !st.Running {
		state = renderWarn(st.State.String())
	}
	fmt.Fprintf(w, "%s %s\n", renderAccent("kiln"), state)

	fmt.Fprintln(w, renderAccent("Watches"))
	if len(st.ActiveWatches) == 0 {
		fmt.Fprintln(w, "  "+renderMuted("none"))
	}
	for _, h := range st.ActiveWatches {
		row(w, h.ID, fmt.Sprintf("%s %s", h.Path, renderMuted("("+h.Backend+")")))
	}

	fmt.Fprintln(w, renderAccent("Pipeline"))
	row(w, "filters", strings.Join(st.Filters, ", "))
	row(w, "handlers", strings.Join(st.RegisteredHandlers, ", "))
	row(w, "pending debounce", st.PendingDebounce)
	q := st.Queue
	row(w, "queue", fmt.Sprintf("%d/%d %s, high water %d", q.Len, q.Capacity, q.Policy, q.HighWater))

	fmt.Fprintln(w, renderAccent("Counters"))
	row(w, "raw received", s.RawReceived)
	row(w, "filtered", s.Filtered)
	row(w, "debounced", s.Debounced)
	row(w, "derived", s.Derived)
	row(w, "dispatched", s.TotalEvents)
	row(w, "unhandled", s.Unhandled)
	drops := fmt.Sprintf("%d dropped, %d rejected", s.Dropped, s.Rejected)
	if s.Dropped+s.Rejected > 0 {
		drops = renderWarn(drops)
	}
	row(w, "overflow", drops)
	if s.BackendErrors > 0 {
		row(w, "backend errors", renderFail(fmt.Sprint(s.BackendErrors)))
	}
	if !s.LastEventAt.IsZero() {
		row(w, "last event", s.LastEventAt.Local().Format(time.DateTime))
	}
	if s.Latency.Count > 0 {
		l := s.Latency
		row(w, "latency", fmt.Sprintf("p50 %s  p95 %s  p99 %s  max %s", l.P50, l.P95, l.P99, l.Max))
	}

	if len(s.Handlers) > 0 {
		fmt.Fprintln(w, renderAccent("Handlers"))
		names := make([]string, 0, len(s.Handlers))
		for name := range s.Handlers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h := s.Handlers[name]
			line := fmt.Sprintf("%d calls, mean %s, max %s", h.Invocations, h.MeanTime(), h.MaxTime)
			if h.Errors > 0 {
				line += " " + renderFail(fmt.Sprintf("%d errors (last: %s)", h.Errors, h.LastError))
			}
			row(w, name, line)
		}
	}
}
