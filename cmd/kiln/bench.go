package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/loadtest"
	"github.com/steveyegge/kiln/internal/queue"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "inspect",
	Short:   "Push synthetic events through the pipeline and report throughput",
	Long: `Run a load test against an in-memory pipeline: concurrent producers submit
synthetic note changes, a sink handler counts them, and kiln reports
throughput, latency percentiles and how the overflow policy behaved.

Queue capacity, overflow policy, debounce window and handler concurrency
come from the config unless overridden by flags.

Example usage:
  kiln bench                                   # 10 producers x 100 events
  kiln bench -p 50 -e 1000 --overflow reject   # stress the reject policy
  kiln bench --delay 1ms --capacity 16         # slow handlers, small queue`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

var (
	benchProducers int
	benchEvents    int
	benchPaths     int
	benchDelay     time.Duration
	benchCapacity  int
	benchOverflow  string
	benchDebounce  time.Duration
)

func init() {
	def := loadtest.DefaultConfig()
	benchCmd.Flags().IntVarP(&benchProducers, "producers", "p", def.Producers, "concurrent producers")
	benchCmd.Flags().IntVarP(&benchEvents, "events", "e", def.EventsPerProducer, "events per producer")
	benchCmd.Flags().IntVar(&benchPaths, "paths", def.Paths, "distinct paths per producer")
	benchCmd.Flags().DurationVar(&benchDelay, "delay", 0, "simulated handler work per event")
	benchCmd.Flags().IntVar(&benchCapacity, "capacity", 0, "queue capacity (default: queue.capacity)")
	benchCmd.Flags().StringVar(&benchOverflow, "overflow", "", "overflow policy (default: queue.overflow)")
	benchCmd.Flags().DurationVar(&benchDebounce, "debounce", -1, "debounce window (default: watch.debounce)")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lc := loadtest.DefaultConfig()
	lc.Producers = benchProducers
	lc.EventsPerProducer = benchEvents
	lc.Paths = benchPaths
	lc.HandlerDelay = benchDelay
	lc.QueueCapacity = cfg.Queue.Capacity
	lc.MaxConcurrent = cfg.Handlers.MaxConcurrent
	lc.DebounceWindow = cfg.Watch.Debounce

	overflow := cfg.Queue.Overflow
	if benchOverflow != "" {
		overflow = benchOverflow
	}
	if lc.Overflow, err = queue.ParsePolicy(overflow); err != nil {
		return err
	}
	if benchCapacity > 0 {
		lc.QueueCapacity = benchCapacity
	}
	if benchDebounce >= 0 {
		lc.DebounceWindow = benchDebounce
	}

	r, err := loadtest.Run(cmd.Context(), lc)
	if err != nil {
		return err
	}
	verr := r.Verify()

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), r); err != nil {
			return err
		}
		return verr
	}
	r.Print(cmd.OutOrStdout())
	if verr != nil {
		return fmt.Errorf("accounting check failed: %w", verr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderPass("All events accounted for"))
	return nil
}
