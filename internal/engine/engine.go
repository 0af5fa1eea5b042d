// Package engine is the muster daemon. It wires the work-item store, the
// backpressure guard, routing and health, the resource monitor, the convoy
// scheduler and the battle plan executor together, consumes plan requests
// from Redis and serves health and metrics over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/muster/internal/backpressure"
	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/config"
	"github.com/dyluth/muster/internal/convoy"
	"github.com/dyluth/muster/internal/dispatch"
	"github.com/dyluth/muster/internal/docker"
	"github.com/dyluth/muster/internal/metrics"
	"github.com/dyluth/muster/internal/resource"
	"github.com/dyluth/muster/internal/routing"
	"github.com/dyluth/muster/pkg/workstore"
)

const (
	defaultPollInterval = time.Second
	defaultDrainTimeout = 30 * time.Second
	pruneInterval       = 5 * time.Minute
)

// Engine is the long-running daemon for one instance.
type Engine struct {
	cfg    *config.MusterConfig
	rdb    *redis.Client
	closer func() error

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	guard      *backpressure.Guard
	store      *workstore.Store
	eventLog   *routing.RedisEventLog
	health     *routing.HealthMonitor
	router     *routing.Router
	resources  *resource.Monitor
	scheduler  *convoy.Scheduler
	agents     *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	executor   *battleplan.Executor
	plans      *battleplan.Registry
	http       *HealthServer

	watchPlans   bool
	pollInterval time.Duration
	drainTimeout time.Duration
	draining     atomic.Bool
	logger       *slog.Logger
}

type options struct {
	rdb          *redis.Client
	docker       client.APIClient
	fs           afero.Fs
	sampler      resource.Sampler
	logger       *slog.Logger
	pollInterval time.Duration
	drainTimeout time.Duration
}

// Option configures an Engine.
type Option func(*options)

// WithRedisClient uses rdb instead of dialing cfg.Redis.URL. The caller keeps
// ownership of rdb.
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithDockerClient supplies the Docker client for image agents.
func WithDockerClient(cli client.APIClient) Option {
	return func(o *options) { o.docker = cli }
}

// WithPlansFs reads plans from fs instead of the local disk. Watching is
// disabled for non-disk filesystems.
func WithPlansFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithSampler replaces the host resource sampler.
func WithSampler(s resource.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPollInterval sets how long each blocking read of the request queue waits.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithDrainTimeout bounds how long shutdown waits for running executions.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// New builds every component from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.MusterConfig, opts ...Option) (*Engine, error) {
	o := options{
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:          cfg,
		pollInterval: o.pollInterval,
		drainTimeout: o.drainTimeout,
		logger:       o.logger.With("instance", cfg.Instance),
		closer:       func() error { return nil },
	}

	e.rdb = o.rdb
	if e.rdb == nil {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		e.rdb = redis.NewClient(redisOpts)
		e.closer = e.rdb.Close
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	e.guard = backpressure.NewGuard(cfg.BackpressureSettings(),
		backpressure.WithMetrics(e.metrics), backpressure.WithLogger(e.logger))

	store, err := workstore.NewStoreWithClient(e.rdb, cfg.Instance,
		workstore.WithAdmitter(e.guard), workstore.WithLogger(e.logger))
	if err != nil {
		e.closer()
		return nil, fmt.Errorf("failed to create work store: %w", err)
	}
	e.store = store

	e.eventLog = routing.NewRedisEventLog(e.rdb, cfg.Instance, cfg.Health.WindowSize)
	e.health = routing.NewHealthMonitor(cfg.HealthSettings(),
		routing.WithEventSink(e.eventLog),
		routing.WithHealthMetrics(e.metrics),
		routing.WithHealthLogger(e.logger))
	e.router = routing.NewRouter("engine:"+cfg.Instance, e.health, routing.WithRouterLogger(e.logger))

	resOpts := []resource.Option{resource.WithMetrics(e.metrics), resource.WithLogger(e.logger)}
	if o.sampler != nil {
		resOpts = append(resOpts, resource.WithSampler(o.sampler))
	}
	e.resources = resource.NewMonitor(cfg.ResourceSettings(), resOpts...)
	e.scheduler = convoy.NewScheduler(e.resources, convoy.WithMetrics(e.metrics), convoy.WithLogger(e.logger))

	e.agents, err = buildAgents(ctx, cfg, o.docker)
	if err != nil {
		e.closer()
		return nil, err
	}
	e.dispatcher = dispatch.NewDispatcher(e.router, e.agents, dispatch.WithLogger(e.logger))

	e.executor = battleplan.NewExecutor(e.store, e.scheduler, e.dispatcher,
		battleplan.WithConvoyConfig(cfg.Convoy),
		battleplan.WithRetryPolicy(cfg.RetryPolicy()),
		battleplan.WithExecutorMetrics(e.metrics),
		battleplan.WithExecutorLogger(e.logger))

	fs := o.fs
	e.watchPlans = cfg.WatchPlans()
	if fs == nil {
		fs = afero.NewOsFs()
	} else if _, onDisk := fs.(*afero.OsFs); !onDisk {
		e.watchPlans = false
	}
	e.plans = battleplan.NewRegistry(fs, cfg.Plans.Dir, battleplan.WithRegistryLogger(e.logger))

	if cfg.HTTP.Addr != "-" {
		e.http = NewHealthServer(e, cfg.HTTP.Addr)
	}

	return e, nil
}

// buildAgents turns the configured agents into routable destinations. A
// Docker client is only created when an image agent needs one.
func buildAgents(ctx context.Context, cfg *config.MusterConfig, cli client.APIClient) (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()

	if cfg.HasContainerAgents() && cli == nil {
		dc, err := docker.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		cli = dc
	}

	network := ""
	if cfg.Docker != nil {
		network = cfg.Docker.Network
	}

	for _, name := range cfg.AgentNames() {
		a := cfg.Agents[name]

		var exec dispatch.TaskExecutor
		if a.IsContainer() {
			memory, err := a.MemoryBytes()
			if err != nil {
				return nil, fmt.Errorf("agent '%s': %w", name, err)
			}
			exec = &dispatch.ContainerExecutor{
				AgentID:      name,
				Role:         a.Role,
				InstanceName: cfg.Instance,
				Image:        a.Image,
				Env:          a.Environment,
				Network:      network,
				Memory:       memory,
				Runner:       docker.NewRunner(cli),
			}
		} else {
			exec = &dispatch.CommandExecutor{
				AgentID: name,
				Role:    a.Role,
				Command: a.Command,
				Dir:     a.Dir,
				Env:     a.Environment,
			}
		}

		if err := reg.Register(dispatch.Agent{Candidate: a.Candidate(name), Executor: exec}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Run starts every component and blocks until ctx is cancelled or a component
// fails. On the way out it stops accepting plan requests, waits for running
// executions (up to the drain timeout), then closes the guard and waits for
// in-flight store writes.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible: %w", err)
	}

	n, err := e.eventLog.Rehydrate(ctx, e.health)
	if err != nil {
		e.logger.Warn("failed to restore routing history",
			"component", "engine", "error", err)
	}
	e.health.Recompute()

	if err := e.plans.Load(); err != nil {
		e.logger.Warn("battle plans loaded with errors",
			"component", "engine", "dir", e.plans.Dir(), "error", err)
	}

	e.logEvent("engine_started",
		"agents", len(e.agents.Agents()),
		"plans", len(e.plans.List()),
		"routing_events_restored", n)

	e.resources.Start(ctx)
	defer e.resources.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(e.health.Run(gctx, e.cfg.Health.RecomputeInterval))
	})
	g.Go(func() error {
		return e.consumeRequests(gctx)
	})
	g.Go(func() error {
		return e.watchItems(gctx)
	})
	g.Go(func() error {
		return e.pruneCallers(gctx)
	})
	if e.watchPlans {
		g.Go(func() error {
			if err := e.plans.Watch(gctx); err != nil {
				e.logger.Warn("plan hot reload disabled",
					"component", "engine", "dir", e.plans.Dir(), "error", err)
			}
			return nil
		})
	}
	if e.http != nil {
		g.Go(func() error {
			return e.http.Serve(gctx)
		})
	}

	runErr := g.Wait()

	e.drain(context.WithoutCancel(ctx))

	e.logEvent("engine_stopped")
	return runErr
}

// drain waits for executions and store writes to finish.
func (e *Engine) drain(ctx context.Context) {
	e.draining.Store(true)
	e.logEvent("drain_started", "running", len(e.executor.Running()))

	dctx, cancel := context.WithTimeout(ctx, e.drainTimeout)
	defer cancel()

	if err := e.executor.Shutdown(dctx); err != nil {
		e.logger.Warn("executions still running at drain timeout were cancelled",
			"component", "engine", "error", err)
	}

	e.guard.Close()
	if err := e.guard.Wait(dctx); err != nil {
		e.logger.Warn("store writes still in flight at drain timeout",
			"component", "engine", "in_flight", e.guard.Stats().InFlight)
	}

	e.logEvent("drain_complete")
}

// watchItems logs every accepted item mutation.
func (e *Engine) watchItems(ctx context.Context) error {
	sub, err := e.store.SubscribeItemEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to item events: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case item, ok := <-sub.Events():
			if !ok {
				return nil
			}
			e.logger.Debug("item_changed",
				"component", "engine", "event_type", "item_changed",
				"item_id", item.ID, "status", string(item.Status),
				"version", item.Version, "assignee", item.Assignee)

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			e.logger.Warn("item subscription error",
				"component", "engine", "error", err)
		}
	}
}

// pruneCallers drops idle per-caller token buckets.
func (e *Engine) pruneCallers(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.guard.PruneIdle(); n > 0 {
				e.logger.Debug("pruned idle callers", "component", "engine", "count", n)
			}
		}
	}
}

// Close releases the Redis client if the engine created it.
func (e *Engine) Close() error {
	return e.closer()
}

// Draining reports whether shutdown has begun.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Store returns the engine's work-item store.
func (e *Engine) Store() *workstore.Store { return e.store }

// Executor returns the battle plan executor.
func (e *Engine) Executor() *battleplan.Executor { return e.executor }

// Plans returns the plan registry.
func (e *Engine) Plans() *battleplan.Registry { return e.plans }

// Health returns the routing health monitor.
func (e *Engine) Health() *routing.HealthMonitor { return e.health }

// Guard returns the backpressure guard.
func (e *Engine) Guard() *backpressure.Guard { return e.guard }

// Agents returns the agent registry.
func (e *Engine) Agents() *dispatch.Registry { return e.agents }

func (e *Engine) logEvent(eventType string, fields ...any) {
	args := append([]any{"component", "engine", "event_type", eventType}, fields...)
	e.logger.Info(eventType, args...)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
