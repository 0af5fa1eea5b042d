package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/muster/internal/engine"
	"github.com/dyluth/muster/internal/printer"
)

type runOptions struct {
	logFormat    string
	logLevel     string
	drainTimeout time.Duration
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the muster daemon",
		Long: `Run the muster daemon for one instance.

The daemon restores routing health from Redis, loads battle plans from the
configured directory (reloading on change), samples host resources, consumes
plan start and cancel requests and serves /healthz, /health and /metrics.

On SIGINT or SIGTERM it stops taking requests, waits for running executions
up to --drain-timeout and then exits.

Examples:
  # Run with ./muster.yml
  muster run

  # JSON logs at debug level
  muster run --config /etc/muster.yml --log-format json --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.logFormat, "log-format", "json", "Log format (json or text)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for running executions on shutdown")
	return cmd
}

// newLogger builds the daemon's structured logger.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func runDaemon(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, opts.logLevel)
	if err != nil {
		return fail("invalid logging flags", err.Error(),
			"Valid formats: json, text. Valid levels: debug, info, warn, error")
	}
	slog.SetDefault(logger)

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg,
		engine.WithLogger(logger),
		engine.WithDrainTimeout(opts.drainTimeout))
	if err != nil {
		return fail("failed to start muster", err.Error(),
			fmt.Sprintf("Check the agents section of %s", g.configPath))
	}
	defer e.Close()

	printer.Info("Muster starting for instance '%s' with %d agents\n", cfg.Instance, len(cfg.Agents))

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		return fail("muster stopped with an error", err.Error(),
			fmt.Sprintf("Check Redis at %s is reachable", cfg.Redis.URL))
	}

	printer.Info("Muster stopped\n")
	return nil
}

