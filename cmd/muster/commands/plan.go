package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/engine"
	"github.com/dyluth/muster/internal/printer"
)

func newPlanCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List, start and follow battle plans",
		Long: `Battle plans are YAML templates of phases. Starting a plan binds it to
work items; every phase then runs once per item on an agent with the
phase's role, in dependency order.

start and cancel are handled by the running daemon ('muster run').
list reads the plan directory and status reads Redis directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newPlanListCmd(g),
		newPlanStartCmd(g),
		newPlanStatusCmd(g),
		newPlanCancelCmd(g),
	)
	return cmd
}

func newPlanListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the battle plans in the plan directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			registry := battleplan.NewRegistry(afero.NewOsFs(), cfg.Plans.Dir,
				battleplan.WithRegistryLogger(slog.New(slog.DiscardHandler)))
			loadErr := registry.Load()
			plans := registry.List()

			w := cmd.OutOrStdout()
			if len(plans) == 0 {
				fmt.Fprintf(w, "No battle plans found in '%s'\n", cfg.Plans.Dir)
			} else {
				fmt.Fprintf(w, "%-20s %-8s %-7s %s\n", "NAME", "VERSION", "PHASES", "DESCRIPTION")
				for _, p := range plans {
					fmt.Fprintf(w, "%-20s %-8s %-7d %s\n", p.Name, p.Version, len(p.Phases), p.Description)
				}
			}

			if loadErr != nil {
				printer.Warning("Some plans failed to load: %v\n", loadErr)
			}
			return nil
		},
	}
}

type planStartOptions struct {
	vars    []string
	timeout time.Duration
	wait    bool
}

func newPlanStartCmd(g *globalOptions) *cobra.Command {
	opts := &planStartOptions{}

	cmd := &cobra.Command{
		Use:   "start PLAN ITEM_ID...",
		Short: "Start a battle plan over work items",
		Long: `Ask the daemon to start PLAN bound to the given work items.
Variables override the plan's defaults and are copied into each item's
context as var.<name>.

Examples:
  muster plan start feature 3f2a9c1e 9b7d0e44 --var branch=main
  muster plan start release 3f2a9c1e --wait`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseKeyValues("var", opts.vars)
			if err != nil {
				return fail("invalid --var", err.Error())
			}

			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			itemIDs := make([]string, 0, len(args)-1)
			for _, ref := range args[1:] {
				id, err := resolve(cmd, s, ref)
				if err != nil {
					return err
				}
				itemIDs = append(itemIDs, id)
			}

			reply, err := engine.Submit(ctx, s.rdb, s.cfg.Instance, &engine.PlanRequest{
				Action:    engine.ActionStart,
				Plan:      args[0],
				ItemIDs:   itemIDs,
				Variables: vars,
			}, opts.timeout)
			if err != nil {
				return requestError(err, s.cfg.Instance)
			}
			if reply.Error != "" {
				return fail("plan was not started", reply.Error,
					"List available plans:\n  muster plan list")
			}

			printer.Success("Started execution %s of plan '%s' over %d items\n", reply.ExecutionID, args[0], len(itemIDs))
			if !opts.wait {
				printer.Info("Follow it with:\n  muster plan status %s\n", reply.ExecutionID)
				return nil
			}

			exec, err := waitForExecution(cmd, s, reply.ExecutionID)
			if err != nil {
				return err
			}
			writeExecution(cmd.OutOrStdout(), exec)
			if exec.Status != battleplan.ExecutionCompleted {
				return fail("execution did not complete", fmt.Sprintf("%s finished as %s", exec.ID, exec.Status))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "Plan variable as key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for the daemon to accept the request")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Wait for the execution to finish")
	return cmd
}

// waitForExecution polls the persisted execution until it is terminal.
func waitForExecution(cmd *cobra.Command, s *session, id string) (*battleplan.Execution, error) {
	store := battleplan.NewExecutionStore(s.rdb, s.cfg.Instance)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		exec, err := store.Load(cmd.Context(), id)
		if err != nil && !errors.Is(err, battleplan.ErrExecutionNotFound) {
			return nil, err
		}
		if exec != nil && exec.IsTerminal() {
			return exec, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newPlanStatusCmd(g *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status [EXECUTION_ID]",
		Short: "Show battle plan executions",
		Long: `Without an id, list executions newest first. With an id, show every
phase and task of that execution.

Examples:
  muster plan status
  muster plan status 0d4c2a5b-... -o json`,
		Args: cobra.MaximumNArgs(1),
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

			store := battleplan.NewExecutionStore(s.rdb, s.cfg.Instance)
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				exec, err := store.Load(ctx, args[0])
				if err != nil {
					if errors.Is(err, battleplan.ErrExecutionNotFound) {
						return fail("execution not found", err.Error(), "List executions:\n  muster plan status")
					}
					return err
				}
				if output == "json" {
					return writeJSON(w, exec)
				}
				writeExecution(w, exec)
				return nil
			}

			execs, err := store.List(ctx)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(w, execs)
			}
			if len(execs) == 0 {
				fmt.Fprintf(w, "No executions found for instance '%s'\n", s.cfg.Instance)
				return nil
			}
			fmt.Fprintf(w, "%-36s %-16s %-10s %-6s %s\n", "ID", "PLAN", "STATUS", "ITEMS", "STARTED")
			for _, e := range execs {
				fmt.Fprintf(w, "%-36s %-16s %s %-6d %s\n",
					e.ID, e.Plan, pad(string(e.Status), 10), len(e.ItemIDs), e.StartedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or json")
	return cmd
}

func newPlanCancelCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel a running execution",
		Long: `Cancel a running execution. Tasks already running finish; no new tasks
start and unfinished phases are marked failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			reply, err := engine.Submit(ctx, s.rdb, s.cfg.Instance, &engine.PlanRequest{
				Action:      engine.ActionCancel,
				ExecutionID: args[0],
			}, timeout)
			if err != nil {
				return requestError(err, s.cfg.Instance)
			}
			if reply.Error != "" {
				return fail("execution was not cancelled", reply.Error)
			}

			printer.Success("Cancelled execution %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the daemon to answer")
	return cmd
}

func requestError(err error, instanceName string) error {
	if errors.Is(err, engine.ErrNoReply) {
		return fail("no reply from muster daemon",
			fmt.Sprintf("Nothing answered on instance '%s'. The request stays queued until a daemon picks it up.", instanceName),
			"Start the daemon:\n  muster run")
	}
	return fail("request failed", err.Error())
}

// writeExecution prints an execution with one line per phase and task.
func writeExecution(w io.Writer, e *battleplan.Execution) {
	fmt.Fprintf(w, "Execution %s\n", e.ID)
	fmt.Fprintf(w, "  Plan:    %s (v%s)\n", e.Plan, e.PlanVersion)
	fmt.Fprintf(w, "  Status:  %s\n", printer.StatusWord(string(e.Status)))
	fmt.Fprintf(w, "  Items:   %s\n", strings.Join(e.ItemIDs, ", "))
	fmt.Fprintf(w, "  Started: %s\n", e.StartedAt.Local().Format(time.DateTime))
	if !e.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Took:    %s\n", e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond))
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", e.Error)
	}

	fmt.Fprintln(w)
	for _, ph := range e.Phases {
		line := fmt.Sprintf("  %-16s %s", ph.Name, printer.StatusWord(string(ph.Status)))
		if ph.Reason != "" {
			line += " (" + ph.Reason + ")"
		}
		fmt.Fprintln(w, line)
		for _, t := range ph.Tasks {
			mark := "✓"
			if !t.Succeeded {
				mark = "✗"
			}
			task := fmt.Sprintf("    %s %s", mark, t.ItemID)
			if t.Agent != "" {
				task += " @" + t.Agent
			}
			if t.Reason != "" {
				task += " " + t.Reason
			}
			if t.Error != "" {
				task += ": " + t.Error
			}
			fmt.Fprintln(w, task)
		}
	}
}

// pad right-pads s before coloring it.
func pad(s string, width int) string {
	padding := ""
	if n := width - len(s); n > 0 {
		padding = strings.Repeat(" ", n)
	}
	return printer.StatusWord(s) + padding
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
