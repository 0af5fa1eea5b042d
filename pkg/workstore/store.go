package workstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEdgeRejected is returned when a dependency edge is structurally valid but
// would break the Ready invariant or touches a terminal item.
var ErrEdgeRejected = errors.New("dependency edge rejected")

// createAttempts bounds internal retries of Create when a dependency changes
// underneath the transaction. Create has no caller-supplied version, so these
// conflicts are resolved here rather than surfaced.
const createAttempts = 3

// Admitter gates every store mutation. The backpressure guard implements it.
// release must be called exactly once when the mutation finishes.
type Admitter interface {
	Admit(ctx context.Context, callerID string) (release func(), err error)
}

type callerKey struct{}

// AnonymousCaller is used for mutations whose context carries no caller id.
const AnonymousCaller = "anonymous"

// WithCaller attaches the calling agent's id to ctx. Rate limits are per caller.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey{}, callerID)
}

// CallerFromContext returns the caller id set by WithCaller, or AnonymousCaller.
func CallerFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey{}).(string); ok && id != "" {
		return id
	}
	return AnonymousCaller
}

// itemReader is the read surface shared by *redis.Client and *redis.Tx.
type itemReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Store provides instance-scoped, optimistic-concurrency access to work items.
// Every mutation is a WATCH/MULTI/EXEC compare-and-swap on the item's own keys,
// so writes to unrelated items never contend. The store is safe for concurrent use.
type Store struct {
	rdb          *redis.Client
	instanceName string
	admitter     Admitter
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAdmitter routes every mutation through a.
func WithAdmitter(a Admitter) Option {
	return func(s *Store) { s.admitter = a }
}

// WithLogger sets the logger used for best-effort event publication failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store with its own Redis connection pool.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: muster instance identifier (must not be empty)
func NewStore(redisOpts *redis.Options, instanceName string, opts ...Option) (*Store, error) {
	return NewStoreWithClient(redis.NewClient(redisOpts), instanceName, opts...)
}

// NewStoreWithClient creates a store on an existing Redis client so the routing
// log and execution records can share one pool.
func NewStoreWithClient(rdb *redis.Client, instanceName string, opts ...Option) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	s := &Store{
		rdb:          rdb,
		instanceName: instanceName,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying client for components sharing the connection.
func (s *Store) RedisClient() *redis.Client {
	return s.rdb
}

// InstanceName returns the namespace this store writes under.
func (s *Store) InstanceName() string {
	return s.instanceName
}

func (s *Store) admit(ctx context.Context) (func(), error) {
	if s.admitter == nil {
		return func() {}, nil
	}
	return s.admitter.Admit(ctx, CallerFromContext(ctx))
}

// Create stores a new work item at version 1 and returns its id.
// An id is generated when item.ID is empty. The initial status is Ready when
// every dependency is Done (or there are none) and Backlog otherwise; any
// status on the input is ignored. On success the caller's item is updated with
// the stored id, status, version and timestamps.
func (s *Store) Create(ctx context.Context, item *WorkItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", fmt.Errorf("invalid work item: %w", err)
	}

	release, err := s.admit(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	deps := uniqueSorted(item.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return "", fmt.Errorf("invalid work item: item cannot depend on itself")
		}
	}

	key := ItemKey(s.instanceName, id)
	watchKeys := []string{key}
	for _, dep := range deps {
		watchKeys = append(watchKeys, ItemKey(s.instanceName, dep))
	}

	var created *WorkItem
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check item existence: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}

		status := StatusReady
		for _, dep := range deps {
			st, err := tx.HGet(ctx, ItemKey(s.instanceName, dep), "status").Result()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("dependency %s: %w", dep, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to read dependency %s: %w", dep, err)
			}
			if Status(st) != StatusDone {
				status = StatusBacklog
			}
		}

		now := s.now().UTC()
		w := item.Clone()
		w.ID = id
		w.Status = status
		w.BlockedFrom = ""
		w.Version = 1
		w.DependsOn = deps
		w.Blocks = []string{}
		w.CreatedAt = now
		w.UpdatedAt = now

		hash, err := ItemToHash(w)
		if err != nil {
			return fmt.Errorf("failed to serialize item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			if len(deps) > 0 {
				pipe.SAdd(ctx, DependsOnKey(s.instanceName, id), toArgs(deps)...)
				for _, dep := range deps {
					pipe.SAdd(ctx, BlocksKey(s.instanceName, dep), id)
				}
			}
			s.indexAdd(ctx, pipe, w)
			return nil
		})
		if err != nil {
			return err
		}
		created = w
		return nil
	}

	for attempt := 1; ; attempt++ {
		err = s.rdb.Watch(ctx, txf, watchKeys...)
		if !errors.Is(err, redis.TxFailedErr) || attempt >= createAttempts {
			break
		}
	}
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return "", &ConflictError{ID: id}
		}
		return "", fmt.Errorf("failed to create item: %w", err)
	}

	*item = *created.Clone()
	s.publish(ctx, created)
	return id, nil
}

// Get retrieves a work item by id. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*WorkItem, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *Store) get(ctx context.Context, c itemReader, id string) (*WorkItem, error) {
	hash, err := c.HGetAll(ctx, ItemKey(s.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read item from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	item, err := HashToItem(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize item %s: %w", id, err)
	}

	deps, err := c.SMembers(ctx, DependsOnKey(s.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dependencies: %w", err)
	}
	blocks, err := c.SMembers(ctx, BlocksKey(s.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dependents: %w", err)
	}
	sort.Strings(deps)
	sort.Strings(blocks)
	item.DependsOn = deps
	item.Blocks = blocks

	return item, nil
}

// Update writes the caller's copy of an item if, and only if, item.Version still
// matches the stored version. Title, description, assignee, group, context and
// artifacts are taken from item; status and edges can only change through
// Transition and AddDependency. On success item.Version is the new version.
// A stale version yields *ConflictError and nothing is written.
func (s *Store) Update(ctx context.Context, item *WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("invalid work item: id is required")
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}

	release, err := s.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := ItemKey(s.instanceName, item.ID)
	var updated *WorkItem
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if cur.Version != item.Version {
			return &ConflictError{ID: item.ID, Expected: item.Version, Actual: cur.Version}
		}

		next := cur.Clone()
		next.Title = item.Title
		next.Description = item.Description
		next.Assignee = item.Assignee
		next.GroupID = item.GroupID
		next.Context = item.Clone().Context
		next.Artifacts = append([]string{}, item.Artifacts...)
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()

		if err := s.commit(ctx, tx, cur, next); err != nil {
			return err
		}
		updated = next
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return s.conflictFromStore(ctx, item.ID, item.Version)
		}
		return err
	}

	*item = *updated.Clone()
	s.publish(ctx, updated)
	return nil
}

// TransitionOption adjusts a Transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	assignee        *string
	expectedVersion int64
}

// WithAssignee sets the assignee in the same atomic write as the status change.
func WithAssignee(assignee string) TransitionOption {
	return func(o *transitionOptions) { o.assignee = &assignee }
}

// WithExpectedVersion additionally requires the stored version to match.
func WithExpectedVersion(v int64) TransitionOption {
	return func(o *transitionOptions) { o.expectedVersion = v }
}

// Transition moves an item from one status to another.
//
// Returns *InvalidTransitionError if from -> to is not an edge of the state
// machine, if a blocked item is not returning to the state it was blocked from,
// or (wrapping ErrDependenciesPending) if the item would become Ready while a
// dependency is not Done. Returns *ConflictError if the stored status is not
// from, or a concurrent write raced this one.
//
// When an item becomes Done, dependents in Backlog whose dependencies are now
// all Done are promoted to Ready.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*WorkItem, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{ID: id, From: from, To: to}
	}

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	release, err := s.admit(ctx)
	if err != nil {
		return nil, err
	}

	key := ItemKey(s.instanceName, id)
	var updated *WorkItem
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return &ConflictError{
				ID: id, Expected: cur.Version, Actual: cur.Version,
				ExpectedStatus: from, ActualStatus: cur.Status,
			}
		}
		if o.expectedVersion > 0 && cur.Version != o.expectedVersion {
			return &ConflictError{ID: id, Expected: o.expectedVersion, Actual: cur.Version}
		}
		if from == StatusBlocked && to != StatusFailed && to != cur.BlockedFrom {
			return &InvalidTransitionError{
				ID: id, From: from, To: to,
				Reason: fmt.Sprintf("blocked item can only return to %s", cur.BlockedFrom),
			}
		}
		if to == StatusReady {
			pending, err := s.pendingDependencies(ctx, tx, cur.DependsOn)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return &InvalidTransitionError{
					ID: id, From: from, To: to,
					Reason: "waiting on " + strings.Join(pending, ", "),
					Err:    ErrDependenciesPending,
				}
			}
		}

		next := cur.Clone()
		next.Status = to
		switch {
		case to == StatusBlocked:
			next.BlockedFrom = from
		case from == StatusBlocked:
			next.BlockedFrom = ""
		}
		if o.assignee != nil {
			next.Assignee = *o.assignee
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()

		if err := s.commit(ctx, tx, cur, next); err != nil {
			return err
		}
		updated = next
		return nil
	}

	err = s.rdb.Watch(ctx, txf, key)
	release()
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, s.conflictFromStore(ctx, id, 0)
		}
		return nil, err
	}

	s.publish(ctx, updated)

	if to == StatusDone {
		s.promoteDependents(ctx, updated.Blocks)
	}
	return updated.Clone(), nil
}

// PromoteReady moves a Backlog item to Ready if its dependencies are all Done.
// It reports whether the item is Ready afterwards; an item already past Ready
// reports false without error.
func (s *Store) PromoteReady(ctx context.Context, id string) (bool, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch item.Status {
	case StatusReady:
		return true, nil
	case StatusBacklog:
	default:
		return false, nil
	}

	if _, err := s.Transition(ctx, id, StatusBacklog, StatusReady); err != nil {
		if errors.Is(err, ErrDependenciesPending) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) promoteDependents(ctx context.Context, dependents []string) {
	for _, depID := range dependents {
		if _, err := s.PromoteReady(ctx, depID); err != nil {
			s.logger.Warn("failed to promote dependent",
				"component", "workstore", "item_id", depID, "error", err)
		}
	}
}

// pendingDependencies watches the dependency keys and returns those not Done.
func (s *Store) pendingDependencies(ctx context.Context, tx *redis.Tx, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(deps))
	for _, dep := range deps {
		keys = append(keys, ItemKey(s.instanceName, dep))
	}
	if err := tx.Watch(ctx, keys...).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch dependencies: %w", err)
	}

	var pending []string
	for _, dep := range deps {
		st, err := tx.HGet(ctx, ItemKey(s.instanceName, dep), "status").Result()
		if errors.Is(err, redis.Nil) {
			pending = append(pending, dep+" (missing)")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dependency %s: %w", dep, err)
		}
		if Status(st) != StatusDone {
			pending = append(pending, dep)
		}
	}
	return pending, nil
}

// AddDependency records that id depends on dependsOn.
//
// expectedVersion is the version of id the caller last observed. The edge is
// rejected with *CycleError if dependsOn already (transitively) depends on id,
// and with ErrEdgeRejected if it would leave a non-Backlog item waiting on an
// unfinished dependency or if id is terminal. Adding an existing edge is a no-op.
func (s *Store) AddDependency(ctx context.Context, id, dependsOn string, expectedVersion int64) (*WorkItem, error) {
	if id == dependsOn {
		return nil, &CycleError{ItemID: id, DependsOn: dependsOn, Path: []string{id, id}}
	}

	release, err := s.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	key := ItemKey(s.instanceName, id)
	depKey := ItemKey(s.instanceName, dependsOn)
	epochKey := GraphEpochKey(s.instanceName)

	var updated *WorkItem
	changed := false
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &ConflictError{ID: id, Expected: expectedVersion, Actual: cur.Version}
		}
		depStatus, err := tx.HGet(ctx, depKey, "status").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("dependency %s: %w", dependsOn, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read dependency: %w", err)
		}
		if contains(cur.DependsOn, dependsOn) {
			updated = cur
			return nil
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrEdgeRejected, id, cur.Status)
		}
		if Status(depStatus) != StatusDone && cur.Status != StatusBacklog {
			return fmt.Errorf("%w: %s is %s and %s is not done", ErrEdgeRejected, id, cur.Status, dependsOn)
		}

		path, err := s.findPath(ctx, tx, dependsOn, id)
		if err != nil {
			return err
		}
		if path != nil {
			return &CycleError{ItemID: id, DependsOn: dependsOn, Path: append([]string{id}, path...)}
		}

		next := cur.Clone()
		next.DependsOn = uniqueSorted(append(next.DependsOn, dependsOn))
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		hash, err := ItemToHash(next)
		if err != nil {
			return fmt.Errorf("failed to serialize item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.SAdd(ctx, DependsOnKey(s.instanceName, id), dependsOn)
			pipe.SAdd(ctx, BlocksKey(s.instanceName, dependsOn), id)
			pipe.Incr(ctx, epochKey)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		changed = true
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key, depKey, epochKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, s.conflictFromStore(ctx, id, expectedVersion)
		}
		return nil, err
	}

	if changed {
		s.publish(ctx, updated)
	}
	return updated.Clone(), nil
}

// RemoveDependency deletes the edge id -> dependsOn. Removing a missing edge is a no-op.
func (s *Store) RemoveDependency(ctx context.Context, id, dependsOn string, expectedVersion int64) (*WorkItem, error) {
	release, err := s.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	key := ItemKey(s.instanceName, id)
	var updated *WorkItem
	changed := false
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &ConflictError{ID: id, Expected: expectedVersion, Actual: cur.Version}
		}
		if !contains(cur.DependsOn, dependsOn) {
			updated = cur
			return nil
		}

		next := cur.Clone()
		next.DependsOn = remove(next.DependsOn, dependsOn)
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		hash, err := ItemToHash(next)
		if err != nil {
			return fmt.Errorf("failed to serialize item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.SRem(ctx, DependsOnKey(s.instanceName, id), dependsOn)
			pipe.SRem(ctx, BlocksKey(s.instanceName, dependsOn), id)
			pipe.Incr(ctx, GraphEpochKey(s.instanceName))
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		changed = true
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, s.conflictFromStore(ctx, id, expectedVersion)
		}
		return nil, err
	}

	if changed {
		s.publish(ctx, updated)
	}
	return updated.Clone(), nil
}

// findPath walks depends_on edges depth-first from `from` and returns the
// chain ending at `to`, or nil if `to` is unreachable.
func (s *Store) findPath(ctx context.Context, c itemReader, from, to string) ([]string, error) {
	visited := make(map[string]bool)

	var walk func(node string) ([]string, error)
	walk = func(node string) ([]string, error) {
		if node == to {
			return []string{node}, nil
		}
		if visited[node] {
			return nil, nil
		}
		visited[node] = true

		deps, err := c.SMembers(ctx, DependsOnKey(s.instanceName, node)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read dependencies of %s: %w", node, err)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			path, err := walk(dep)
			if err != nil {
				return nil, err
			}
			if path != nil {
				return append([]string{node}, path...), nil
			}
		}
		return nil, nil
	}

	return walk(from)
}

// ListByStatus returns the items in a status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*WorkItem, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	return s.listIndex(ctx, StatusIndexKey(s.instanceName, status))
}

// ListByAssignee returns the items held by an assignee, oldest first.
func (s *Store) ListByAssignee(ctx context.Context, assignee string) ([]*WorkItem, error) {
	return s.listIndex(ctx, AssigneeIndexKey(s.instanceName, assignee))
}

// ListByGroup returns the items in a convoy group, oldest first.
func (s *Store) ListByGroup(ctx context.Context, groupID string) ([]*WorkItem, error) {
	return s.listIndex(ctx, GroupIndexKey(s.instanceName, groupID))
}

// ListAll returns every item across all statuses, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*WorkItem, error) {
	var all []*WorkItem
	for _, st := range AllStatuses {
		items, err := s.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

func (s *Store) listIndex(ctx context.Context, indexKey string) ([]*WorkItem, error) {
	ids, err := s.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	items := make([]*WorkItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// commit writes next inside the MULTI block and moves its index entries.
func (s *Store) commit(ctx context.Context, tx *redis.Tx, cur, next *WorkItem) error {
	hash, err := ItemToHash(next)
	if err != nil {
		return fmt.Errorf("failed to serialize item: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ItemKey(s.instanceName, next.ID), hash)
		s.reindex(ctx, pipe, cur, next)
		return nil
	})
	return err
}

func (s *Store) indexAdd(ctx context.Context, pipe redis.Pipeliner, w *WorkItem) {
	z := redis.Z{Score: float64(w.CreatedAt.UnixMilli()), Member: w.ID}
	pipe.ZAdd(ctx, StatusIndexKey(s.instanceName, w.Status), z)
	if w.Assignee != "" {
		pipe.ZAdd(ctx, AssigneeIndexKey(s.instanceName, w.Assignee), z)
	}
	if w.GroupID != "" {
		pipe.ZAdd(ctx, GroupIndexKey(s.instanceName, w.GroupID), z)
	}
}

func (s *Store) reindex(ctx context.Context, pipe redis.Pipeliner, cur, next *WorkItem) {
	z := redis.Z{Score: float64(next.CreatedAt.UnixMilli()), Member: next.ID}
	if cur.Status != next.Status {
		pipe.ZRem(ctx, StatusIndexKey(s.instanceName, cur.Status), next.ID)
		pipe.ZAdd(ctx, StatusIndexKey(s.instanceName, next.Status), z)
	}
	if cur.Assignee != next.Assignee {
		if cur.Assignee != "" {
			pipe.ZRem(ctx, AssigneeIndexKey(s.instanceName, cur.Assignee), next.ID)
		}
		if next.Assignee != "" {
			pipe.ZAdd(ctx, AssigneeIndexKey(s.instanceName, next.Assignee), z)
		}
	}
	if cur.GroupID != next.GroupID {
		if cur.GroupID != "" {
			pipe.ZRem(ctx, GroupIndexKey(s.instanceName, cur.GroupID), next.ID)
		}
		if next.GroupID != "" {
			pipe.ZAdd(ctx, GroupIndexKey(s.instanceName, next.GroupID), z)
		}
	}
}

// conflictFromStore builds the ConflictError for a transaction that lost a race,
// reporting the version that won.
func (s *Store) conflictFromStore(ctx context.Context, id string, expected int64) error {
	actual, err := s.rdb.HGet(ctx, ItemKey(s.instanceName, id), "version").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("transaction aborted and version re-read failed: %w", err)
	}
	if expected == 0 {
		expected = actual - 1
	}
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

// publish announces a committed mutation. Delivery is at-most-once, like Redis
// Pub/Sub itself, so a failure here never fails the write.
func (s *Store) publish(ctx context.Context, item *WorkItem) {
	data, err := json.Marshal(item)
	if err != nil {
		s.logger.Warn("failed to marshal item event", "component", "workstore", "item_id", item.ID, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, ItemEventsChannel(s.instanceName), data).Err(); err != nil {
		s.logger.Warn("failed to publish item event", "component", "workstore", "item_id", item.ID, "error", err)
	}
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
