package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisEventLog keeps the routing event log in Redis: one list per destination,
// newest first, trimmed to the health window so it never outgrows what the
// monitor can use.
//
// Keys:
//   - muster:{instance}:routing:{destination} (list of event JSON)
//   - muster:{instance}:routing_destinations (set of destinations)
//   - muster:{instance}:routing:_unrouted (decisions with no destination)
type RedisEventLog struct {
	rdb          *redis.Client
	instanceName string
	windowSize   int
}

// NewRedisEventLog creates a log that retains windowSize events per destination.
func NewRedisEventLog(rdb *redis.Client, instanceName string, windowSize int) *RedisEventLog {
	if windowSize <= 0 {
		windowSize = DefaultHealthConfig().WindowSize
	}
	return &RedisEventLog{rdb: rdb, instanceName: instanceName, windowSize: windowSize}
}

// RoutingLogKey returns the list key for a destination.
func RoutingLogKey(instanceName, destination string) string {
	if destination == "" {
		destination = "_unrouted"
	}
	return fmt.Sprintf("muster:%s:routing:%s", instanceName, destination)
}

// RoutingDestinationsKey returns the set of destinations with a log.
func RoutingDestinationsKey(instanceName string) string {
	return fmt.Sprintf("muster:%s:routing_destinations", instanceName)
}

// Append implements EventSink.
func (l *RedisEventLog) Append(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal routing event: %w", err)
	}

	key := RoutingLogKey(l.instanceName, e.Destination)
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(l.windowSize-1))
		if e.Destination != "" {
			pipe.SAdd(ctx, RoutingDestinationsKey(l.instanceName), e.Destination)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append routing event: %w", err)
	}
	return nil
}

// replaceAttempts bounds optimistic retries when appends race a Replace.
const replaceAttempts = 3

// Replace implements EventSink. The stored event with e's id is overwritten in
// place; an event already trimmed from the log is appended instead.
func (l *RedisEventLog) Replace(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal routing event: %w", err)
	}

	key := RoutingLogKey(l.instanceName, e.Destination)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		idx := -1
		for i, s := range raw {
			var stored Event
			if json.Unmarshal([]byte(s), &stored) == nil && stored.ID == e.ID {
				idx = i
				break
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if idx >= 0 {
				pipe.LSet(ctx, key, int64(idx), data)
				return nil
			}
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, int64(l.windowSize-1))
			if e.Destination != "" {
				pipe.SAdd(ctx, RoutingDestinationsKey(l.instanceName), e.Destination)
			}
			return nil
		})
		return err
	}

	for attempt := 1; ; attempt++ {
		err = l.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) || attempt >= replaceAttempts {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to replace routing event: %w", err)
	}
	return nil
}

// Load returns the retained events for every destination, oldest first.
func (l *RedisEventLog) Load(ctx context.Context) (map[string][]Event, error) {
	dests, err := l.rdb.SMembers(ctx, RoutingDestinationsKey(l.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list routing destinations: %w", err)
	}
	sort.Strings(dests)

	out := make(map[string][]Event, len(dests))
	for _, dest := range dests {
		events, err := l.Events(ctx, dest)
		if err != nil {
			return nil, err
		}
		out[dest] = events
	}
	return out, nil
}

// Events returns the retained events for one destination, oldest first.
func (l *RedisEventLog) Events(ctx context.Context, destination string) ([]Event, error) {
	raw, err := l.rdb.LRange(ctx, RoutingLogKey(l.instanceName, destination), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read routing log for %s: %w", destination, err)
	}

	events := make([]Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Event
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal routing event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Rehydrate loads the persisted windows into m so health survives a restart.
// Events are not re-appended to the log. Returns the number of events loaded.
func (l *RedisEventLog) Rehydrate(ctx context.Context, m *HealthMonitor) (int, error) {
	byDest, err := l.Load(ctx)
	if err != nil {
		return 0, err
	}

	unrouted, err := l.Events(ctx, "")
	if err != nil {
		return 0, err
	}
	byDest[""] = unrouted

	n := 0
	for _, events := range byDest {
		for _, e := range events {
			m.restore(e)
			n++
		}
	}
	return n, nil
}
