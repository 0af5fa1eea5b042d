package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/muster/internal/config"
	"github.com/dyluth/muster/internal/printer"
	"github.com/dyluth/muster/pkg/workstore"
)

var (
	version string
	commit  string
	date    string
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath   string
	instanceName string
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "muster",
		Short: "Muster - work orchestration for agent fleets",
		Long: `Muster tracks work items in Redis, routes tasks to healthy agents and
runs battle plans: multi-phase workflows executed across convoys of items.

Run the daemon with 'muster run', then drive it with the item and plan
commands from any machine that can reach the same Redis.`,
		Version: version,
		// Prevent silent success when unknown flags are passed to root command
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		// Enable strict flag parsing - unknown flags will cause an error
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to muster.yml")
	cmd.PersistentFlags().StringVarP(&opts.instanceName, "name", "n", "", "Target instance name (overrides config and "+config.EnvInstanceName+")")

	cmd.AddCommand(
		newRunCmd(opts),
		newItemCmd(opts),
		newPlanCmd(opts),
		newHealthCmd(opts),
	)
	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Cobra's own error printing is silenced; errors are printed by the printer package.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !printed(err) {
		printer.Error("Error", err.Error(), nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// printedError marks errors whose details printer already wrote.
type printedError struct{ error }

func printed(err error) bool {
	var p printedError
	return errors.As(err, &p)
}

// fail prints a formatted error and returns an error Execute will not print again.
func fail(title, explanation string, suggestions ...string) error {
	return printedError{printer.Error(title, explanation, suggestions)}
}

// loadConfig reads the config file. A missing file at the default path
// yields the defaults, so item and plan commands work without one.
func (o *globalOptions) loadConfig() (*config.MusterConfig, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || o.configPath != config.DefaultPath {
			return nil, fail("invalid configuration",
				err.Error(),
				fmt.Sprintf("Check the file passed with --config (%s)", o.configPath))
		}
		cfg = &config.MusterConfig{Version: "1.0"}
		cfg.ApplyEnv(os.Getenv)
		if err := cfg.Validate(); err != nil {
			return nil, fail("invalid configuration", err.Error(),
				fmt.Sprintf("Check %s and %s", config.EnvInstanceName, config.EnvRedisURL))
		}
	}
	if o.instanceName != "" {
		cfg.Instance = o.instanceName
	}
	return cfg, nil
}

// session is a CLI connection to one instance's Redis.
type session struct {
	cfg   *config.MusterConfig
	rdb   *redis.Client
	store *workstore.Store
}

func (s *session) Close() error {
	return s.rdb.Close()
}

// connect loads config and verifies Redis is reachable.
func (o *globalOptions) connect(ctx context.Context) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fail("invalid Redis URL", err.Error(),
			fmt.Sprintf("Set redis.url in %s or %s", o.configPath, config.EnvRedisURL))
	}
	rdb := redis.NewClient(redisOpts)

	store, err := workstore.NewStoreWithClient(rdb, cfg.Instance)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to create work store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		rdb.Close()
		return nil, printedError{printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Redis.URL),
			map[string]string{"Instance": cfg.Instance, "Error": err.Error()},
			[]string{
				"Start Redis, or point muster at another server:\n  export " + config.EnvRedisURL + "=redis://host:6379/0",
			},
		)}
	}

	return &session{cfg: cfg, rdb: rdb, store: store}, nil
}

// parseKeyValues turns repeated key=value flags into a map.
func parseKeyValues(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected key=value", flag, pair)
		}
		out[k] = v
	}
	return out, nil
}
