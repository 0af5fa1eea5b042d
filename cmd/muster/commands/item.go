package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/muster/internal/itemview"
	"github.com/dyluth/muster/internal/printer"
	"github.com/dyluth/muster/internal/timespec"
	"github.com/dyluth/muster/pkg/workstore"
)

func newItemCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Create, inspect and move work items",
		Long: `Create, inspect and move work items.

Items follow a fixed lifecycle:
  backlog -> ready -> in_progress -> in_review -> done
  in_review -> in_progress (changes requested)
  any open state -> blocked -> back to where it was
  any open state -> failed

Every write is checked against the item's version, so two writers can never
silently overwrite each other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newItemCreateCmd(g),
		newItemGetCmd(g),
		newItemListCmd(g),
		newItemWatchCmd(g),
		newItemWaitCmd(g),
		newItemTransitionCmd(g),
		newItemDependCmd(g),
		newItemAcceptCmd(g),
		newItemBlockCmd(g),
		newItemUnblockCmd(g),
	)
	return cmd
}

type itemCreateOptions struct {
	id          string
	title       string
	description string
	dependsOn   []string
	group       string
	context     []string
}

func newItemCreateCmd(g *globalOptions) *cobra.Command {
	opts := &itemCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		Long: `Create a work item. It starts as ready when every dependency is done,
and as backlog otherwise.

Examples:
  muster item create --title "Add login page"
  muster item create --title "Wire login API" --depends-on 3f2a9c1e --group auth --context repo=web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			itemContext, err := parseKeyValues("context", opts.context)
			if err != nil {
				return fail("invalid --context", err.Error())
			}

			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			deps := make([]string, 0, len(opts.dependsOn))
			for _, dep := range opts.dependsOn {
				id, err := resolve(cmd, s, dep)
				if err != nil {
					return err
				}
				deps = append(deps, id)
			}

			item := &workstore.WorkItem{
				ID:          opts.id,
				Title:       opts.title,
				Description: opts.description,
				DependsOn:   deps,
				GroupID:     opts.group,
				Context:     itemContext,
			}
			id, err := s.store.Create(ctx, item)
			if err != nil {
				return storeError("failed to create work item", err)
			}

			printer.Success("Created work item %s (%s)\n", id, printer.Status(item.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.id, "id", "", "Item id (generated when omitted)")
	cmd.Flags().StringVarP(&opts.title, "title", "t", "", "Item title (required)")
	cmd.Flags().StringVarP(&opts.description, "description", "d", "", "Item description")
	cmd.Flags().StringSliceVar(&opts.dependsOn, "depends-on", nil, "Ids (or unique prefixes) this item depends on")
	cmd.Flags().StringVar(&opts.group, "group", "", "Convoy group id")
	cmd.Flags().StringArrayVar(&opts.context, "context", nil, "Context entry as key=value (repeatable)")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newItemGetCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ITEM_ID",
		Short: "Show one work item as JSON",
		Long: `Show the complete work item as pretty-printed JSON.
Accepts a full id or a unique prefix of at least 6 characters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolve(cmd, s, args[0])
			if err != nil {
				return err
			}
			if err := itemview.GetItem(ctx, s.store, id, cmd.OutOrStdout()); err != nil {
				return storeError("failed to read work item", err)
			}
			return nil
		},
	}
}

// listFlags are the filters shared by list and watch.
type listFlags struct {
	output   string
	since    string
	until    string
	title    string
	status   string
	assignee string
	group    string
}

func (f *listFlags) register(cmd *cobra.Command, withTime bool) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "default", "Output format: default or jsonl")
	if withTime {
		cmd.Flags().StringVar(&f.since, "since", "", "Show items created after time (duration or RFC3339)")
		cmd.Flags().StringVar(&f.until, "until", "", "Show items created before time (duration or RFC3339)")
	}
	cmd.Flags().StringVar(&f.title, "title", "", "Filter by title (glob pattern, ** crosses '/')")
	cmd.Flags().StringVar(&f.status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&f.assignee, "assignee", "", "Filter by assignee (exact match)")
	cmd.Flags().StringVar(&f.group, "group", "", "Filter by convoy group (exact match)")
}

func (f *listFlags) parse() (itemview.OutputFormat, *itemview.Criteria, error) {
	format, err := itemview.ParseOutputFormat(f.output)
	if err != nil {
		return "", nil, fail("invalid output format", err.Error(), "Valid formats: default, jsonl")
	}

	since, until, err := timespec.ParseRange(f.since, f.until, time.Now())
	if err != nil {
		return "", nil, fail("invalid time filter", err.Error(),
			"Use a duration like '2h' or an RFC3339 time like '2025-10-29T13:00:00Z'")
	}

	criteria := &itemview.Criteria{
		Since:     since,
		Until:     until,
		TitleGlob: f.title,
		Assignee:  f.assignee,
		Group:     f.group,
	}
	if f.status != "" {
		st, err := workstore.ParseStatus(f.status)
		if err != nil {
			return "", nil, fail("invalid status filter", err.Error(), validStatuses())
		}
		criteria.Status = st
	}
	if err := criteria.Validate(); err != nil {
		return "", nil, fail("invalid filter", err.Error())
	}
	return format, criteria, nil
}

func newItemListCmd(g *globalOptions) *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items with filtering",
		Long: `List work items, oldest first.

Output Formats:
  default - Human-readable table with id, status, version, assignee and title
  jsonl   - Line-delimited JSON, one item per line

Examples:
  # Everything in review
  muster item list --status in_review

  # Items created in the last two hours for one convoy
  muster item list --group auth --since 2h

  # Ids of failed items
  muster item list --status failed -o jsonl | jq -r .id`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, criteria, err := flags.parse()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			return itemview.ListItems(ctx, s.store, s.cfg.Instance, format, criteria, cmd.OutOrStdout())
		},
	}

	flags.register(cmd, true)
	return cmd
}

func newItemWatchCmd(g *globalOptions) *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream work item changes",
		Long: `Stream every accepted work item change as it happens until interrupted.

Examples:
  muster item watch
  muster item watch --assignee coder-1 -o jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, criteria, err := flags.parse()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			sub, err := s.store.SubscribeItemEvents(ctx)
			if err != nil {
				return fmt.Errorf("failed to subscribe to item events: %w", err)
			}
			defer sub.Close()

			if format == itemview.OutputFormatDefault {
				printer.Step("Watching work items on instance '%s' (Ctrl-C to stop)\n", s.cfg.Instance)
			}
			return itemview.Stream(ctx, sub, format, criteria, cmd.OutOrStdout())
		},
	}

	flags.register(cmd, false)
	return cmd
}

func newItemWaitCmd(g *globalOptions) *cobra.Command {
	var (
		statuses []string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait ITEM_ID",
		Short: "Wait for a work item to reach a status",
		Long: `Block until the item reaches one of the given statuses. Fails early if the
item finishes in a different terminal status.

Examples:
  muster item wait 3f2a9c1e --status in_review --status done --timeout 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]workstore.Status, 0, len(statuses))
			for _, raw := range statuses {
				st, err := workstore.ParseStatus(raw)
				if err != nil {
					return fail("invalid status", err.Error(), validStatuses())
				}
				targets = append(targets, st)
			}

			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolve(cmd, s, args[0])
			if err != nil {
				return err
			}

			item, err := itemview.WaitForStatus(ctx, s.store, id, targets, timeout)
			if err != nil {
				return fail("work item did not reach the expected status", err.Error())
			}
			printer.Success("Work item %s is %s\n", item.ID, printer.Status(item.Status))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", []string{string(workstore.StatusDone)}, "Status to wait for (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

func newItemTransitionCmd(g *globalOptions) *cobra.Command {
	var (
		expectVersion int64
		assignee      string
	)

	cmd := &cobra.Command{
		Use:   "transition ITEM_ID STATUS",
		Short: "Move a work item to a new status",
		Long: `Move a work item from its current status to STATUS.

Use --expect-version to fail instead of acting on an item someone else has
changed since you last read it.

Examples:
  muster item transition 3f2a9c1e in_review
  muster item transition 3f2a9c1e done --expect-version 4`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := workstore.ParseStatus(args[1])
			if err != nil {
				return fail("invalid status", err.Error(), validStatuses())
			}

			var opts []workstore.TransitionOption
			if expectVersion > 0 {
				opts = append(opts, workstore.WithExpectedVersion(expectVersion))
			}
			if cmd.Flags().Changed("assignee") {
				opts = append(opts, workstore.WithAssignee(assignee))
			}
			return transition(cmd, g, args[0], func(*workstore.WorkItem) workstore.Status { return to }, opts...)
		},
	}

	cmd.Flags().Int64Var(&expectVersion, "expect-version", 0, "Fail unless the stored version matches")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Set the assignee in the same write")
	return cmd
}

func newItemAcceptCmd(g *globalOptions) *cobra.Command {
	var assignee string

	cmd := &cobra.Command{
		Use:   "accept ITEM_ID",
		Short: "Accept a ready work item (ready -> in_progress)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, g, args[0], func(*workstore.WorkItem) workstore.Status {
				return workstore.StatusInProgress
			}, workstore.WithAssignee(assignee))
		},
	}

	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "Who takes the item (required)")
	cmd.MarkFlagRequired("assignee")
	return cmd
}

func newItemBlockCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "block ITEM_ID",
		Short: "Hold a work item on an external block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, g, args[0], func(*workstore.WorkItem) workstore.Status {
				return workstore.StatusBlocked
			})
		},
	}
}

func newItemUnblockCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock ITEM_ID",
		Short: "Return a blocked work item to the status it was blocked from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, g, args[0], func(cur *workstore.WorkItem) workstore.Status {
				return cur.BlockedFrom
			})
		},
	}
}

// transition reads the item, picks the target with next and applies it
// from the status that was read.
func transition(cmd *cobra.Command, g *globalOptions, ref string, next func(*workstore.WorkItem) workstore.Status, opts ...workstore.TransitionOption) error {
	ctx := cmd.Context()
	s, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := resolve(cmd, s, ref)
	if err != nil {
		return err
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return storeError("failed to read work item", err)
	}

	to := next(cur)
	if to == "" {
		return fail("work item is not blocked", fmt.Sprintf("%s is %s", id, cur.Status))
	}

	updated, err := s.store.Transition(ctx, id, cur.Status, to, opts...)
	if err != nil {
		return storeError("transition rejected", err)
	}

	printer.Success("%s: %s -> %s (v%d)\n", id, printer.Status(cur.Status), printer.Status(updated.Status), updated.Version)
	return nil
}

func newItemDependCmd(g *globalOptions) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "depend ITEM_ID DEPENDS_ON_ID",
		Short: "Add or remove a dependency edge",
		Long: `Make ITEM_ID depend on DEPENDS_ON_ID, or remove that edge with --remove.
Edges that would create a cycle are rejected with the offending path.

Examples:
  muster item depend 3f2a9c1e 9b7d0e44
  muster item depend 3f2a9c1e 9b7d0e44 --remove`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolve(cmd, s, args[0])
			if err != nil {
				return err
			}
			dep, err := resolve(cmd, s, args[1])
			if err != nil {
				return err
			}

			cur, err := s.store.Get(ctx, id)
			if err != nil {
				return storeError("failed to read work item", err)
			}

			var updated *workstore.WorkItem
			if remove {
				updated, err = s.store.RemoveDependency(ctx, id, dep, cur.Version)
			} else {
				updated, err = s.store.AddDependency(ctx, id, dep, cur.Version)
			}
			if err != nil {
				return storeError("dependency change rejected", err)
			}

			printer.Success("%s depends on [%s] (%s, v%d)\n", id, strings.Join(updated.DependsOn, ", "),
				printer.Status(updated.Status), updated.Version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the edge instead of adding it")
	return cmd
}

// resolve maps an id or unique prefix to a stored id, printing a helpful
// error otherwise.
func resolve(cmd *cobra.Command, s *session, ref string) (string, error) {
	id, err := itemview.ResolveID(cmd.Context(), s.store, ref)
	if err == nil {
		return id, nil
	}

	var amb *itemview.AmbiguousError
	switch {
	case errors.As(err, &amb):
		return "", fail("ambiguous work item id", itemview.FormatAmbiguousError(amb))
	case itemview.IsNotFound(err):
		return "", fail("work item not found",
			fmt.Sprintf("No work item matches '%s' on instance '%s'.", ref, s.cfg.Instance),
			"List items:\n  muster item list")
	}
	return "", err
}

// storeError explains the store's typed errors.
func storeError(title string, err error) error {
	var (
		conflict   *workstore.ConflictError
		invalid    *workstore.InvalidTransitionError
		cycle      *workstore.CycleError
		notFoundID *itemview.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		return fail(title, err.Error(), "Re-read the item and retry:\n  muster item get "+conflict.ID)
	case errors.As(err, &invalid):
		return fail(title, err.Error(), "Allowed moves are listed in:\n  muster item --help")
	case errors.As(err, &cycle):
		return fail(title, err.Error())
	case errors.As(err, &notFoundID), workstore.IsNotFound(err):
		return fail(title, err.Error(), "List items:\n  muster item list")
	}
	return fail(title, err.Error())
}

func validStatuses() string {
	names := make([]string, len(workstore.AllStatuses))
	for i, st := range workstore.AllStatuses {
		names[i] = string(st)
	}
	return "Valid statuses: " + strings.Join(names, ", ")
}
