package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kiln/internal/backend"
)

var backendsCmd = &cobra.Command{
	Use:     "backends",
	GroupID: "inspect",
	Short:   "List watch backends and which one would be selected",
	Long: `List the registered watch backends with their capabilities, and show the
backend the selector picks for the configured watch settings.`,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

type backendInfo struct {
	Name         string `json:"name"`
	Recursive    bool   `json:"recursive"`
	KernelEvents bool   `json:"kernel_events"`
	Latency      string `json:"latency"`
	ResourceCost int    `json:"resource_cost"`
	Selected     bool   `json:"selected"`
}

func runBackends(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sel := backend.DefaultSelector()
	var chosen backend.Registration
	if name := cfg.Watch.Backend; name != "" {
		chosen, err = sel.Lookup(name)
	} else {
		chosen, err = sel.Select(backend.Requirements{Recursive: cfg.Watch.Recursive})
	}
	if err != nil {
		return err
	}

	var infos []backendInfo
	for _, name := range sel.Names() {
		reg, err := sel.Lookup(name)
		if err != nil {
			return err
		}
		c := reg.Capabilities
		infos = append(infos, backendInfo{
			Name:         reg.Name,
			Recursive:    c.Recursive,
			KernelEvents: c.KernelEvents,
			Latency:      c.Latency.String(),
			ResourceCost: c.ResourceCost,
			Selected:     reg.Name == chosen.Name,
		})
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), infos)
	}
	w := cmd.OutOrStdout()
	for _, b := range infos {
		name := b.Name
		if b.Selected {
			name = renderPass(name + " *")
		}
		kind := "polling"
		if b.KernelEvents {
			kind = "kernel events"
		}
		row(w, name, fmt.Sprintf("%s, latency ~%s, cost %d/10", kind, b.Latency, b.ResourceCost))
	}
	return nil
}
