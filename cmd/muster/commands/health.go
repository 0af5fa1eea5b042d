package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/muster/internal/routing"
)

func newHealthCmd(g *globalOptions) *cobra.Command {
	var (
		output      string
		destination string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show agent routing health",
		Long: `Show the routing health of every agent, computed from the routing events
the daemon has persisted in Redis.

Status is derived from each agent's recent block rate:
  healthy / warn / critical  routable, degraded agents are used last
  circuit_open               not routable until its window recovers
  insufficient_data          too few recent events to judge

Examples:
  muster health
  muster health --agent coder-1
  muster health -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "default" && output != "json" {
				return fail("invalid output format", fmt.Sprintf("Unknown format: %s", output), "Valid formats: default, json")
			}

			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			monitor := routing.NewHealthMonitor(s.cfg.HealthSettings())
			log := routing.NewRedisEventLog(s.rdb, s.cfg.Instance, s.cfg.Health.WindowSize)
			if _, err := log.Rehydrate(ctx, monitor); err != nil {
				return fail("failed to read routing history", err.Error())
			}

			snapshots := monitor.Snapshots()
			if destination != "" {
				snapshots = []routing.Snapshot{monitor.Snapshot(destination)}
			}

			w := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(w, map[string]any{
					"instance":     s.cfg.Instance,
					"destinations": snapshots,
					"unrouted":     monitor.Unrouted(),
				})
			}

			if len(snapshots) == 0 {
				fmt.Fprintf(w, "No routing history for instance '%s'\n", s.cfg.Instance)
				return nil
			}

			fmt.Fprintf(w, "%-20s %-17s %-6s %-8s %-9s %-7s %s\n",
				"AGENT", "STATUS", "EVENTS", "BLOCKED", "THROTTLED", "RATE", "LATENCY")
			for _, snap := range snapshots {
				latency := "-"
				if snap.Latency > 0 {
					latency = snap.Latency.Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%-20s %s %-6d %-8d %-9d %-7s %s\n",
					snap.Destination,
					pad(string(snap.Status), 17),
					snap.Total,
					snap.Blocked,
					snap.Throttled,
					fmt.Sprintf("%.0f%%", snap.BlockRate*100),
					latency,
				)
			}
			if n := monitor.Unrouted(); n > 0 {
				fmt.Fprintf(w, "\n%d requests found no viable agent\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or json")
	cmd.Flags().StringVar(&destination, "agent", "", "Show a single agent")
	return cmd
}
