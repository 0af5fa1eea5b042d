package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Request actions.
const (
	ActionStart  = "start"
	ActionCancel = "cancel"
)

// replyTTL bounds how long an unread reply stays in Redis.
const replyTTL = time.Minute

// PlanRequest asks the daemon to start or cancel an execution.
//
// Example JSON:
//
//	{"id": "9c1e...", "action": "start", "plan": "feature", "item_ids": ["abc"], "variables": {"branch": "main"}}
type PlanRequest struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	Plan        string            `json:"plan,omitempty"`
	ItemIDs     []string          `json:"item_ids,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
}

// Validate checks the request carries what its action needs.
func (r *PlanRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id is required")
	}
	switch r.Action {
	case ActionStart:
		if r.Plan == "" {
			return fmt.Errorf("start request requires a plan")
		}
		if len(r.ItemIDs) == 0 {
			return fmt.Errorf("start request requires at least one item id")
		}
	case ActionCancel:
		if r.ExecutionID == "" {
			return fmt.Errorf("cancel request requires an execution id")
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// PlanReply is the daemon's answer to one request.
type PlanReply struct {
	RequestID   string `json:"request_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RequestQueueKey returns the list the daemon pops requests from.
func RequestQueueKey(instanceName string) string {
	return fmt.Sprintf("muster:%s:plan_requests", instanceName)
}

// ReplyKey returns the list a request's reply is pushed to.
func ReplyKey(instanceName, requestID string) string {
	return fmt.Sprintf("muster:%s:plan_replies:%s", instanceName, requestID)
}

// ErrNoReply is returned by Submit when the daemon did not answer in time.
var ErrNoReply = errors.New("no reply from muster daemon (is 'muster run' running?)")

// Submit enqueues req for the daemon and waits up to timeout for its reply.
// An empty req.ID is filled in.
func Submit(ctx context.Context, rdb redis.Cmdable, instanceName string, req *PlanRequest, timeout time.Duration) (*PlanReply, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := rdb.RPush(ctx, RequestQueueKey(instanceName), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	res, err := rdb.BLPop(ctx, timeout, ReplyKey(instanceName, req.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoReply
	}
	if err != nil {
		return nil, fmt.Errorf("failed waiting for reply: %w", err)
	}

	var reply PlanReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse reply: %w", err)
	}
	return &reply, nil
}

// consumeRequests pops requests until ctx is cancelled.
func (e *Engine) consumeRequests(ctx context.Context) error {
	key := RequestQueueKey(e.cfg.Instance)
	e.logEvent("request_consumer_started", "queue", key)

	for {
		res, err := e.rdb.BLPop(ctx, e.pollInterval, key).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			e.logger.Warn("failed to read plan requests",
				"component", "engine", "instance", e.cfg.Instance, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.pollInterval):
			}
			continue
		}

		var req PlanRequest
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			e.logger.Warn("discarding malformed plan request",
				"component", "engine", "instance", e.cfg.Instance, "error", err)
			continue
		}

		reply := e.handleRequest(ctx, &req)
		if req.ID != "" {
			e.reply(ctx, reply)
		}
	}
}

// handleRequest starts or cancels an execution.
func (e *Engine) handleRequest(ctx context.Context, req *PlanRequest) *PlanReply {
	reply := &PlanReply{RequestID: req.ID}
	if err := req.Validate(); err != nil {
		reply.Error = err.Error()
		return reply
	}

	switch req.Action {
	case ActionStart:
		plan, err := e.plans.Get(req.Plan)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		id, err := e.executor.Start(ctx, plan, req.ItemIDs, req.Variables)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.ExecutionID = id

	case ActionCancel:
		reply.ExecutionID = req.ExecutionID
		if err := e.executor.Cancel(ctx, req.ExecutionID); err != nil {
			reply.Error = err.Error()
		}
	}

	e.logEvent("plan_request_handled",
		"request_id", req.ID, "action", req.Action, "plan", req.Plan,
		"execution_id", reply.ExecutionID, "error", reply.Error)
	return reply
}

func (e *Engine) reply(ctx context.Context, reply *PlanReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	key := ReplyKey(e.cfg.Instance, reply.RequestID)
	wctx := context.WithoutCancel(ctx)
	_, err = e.rdb.TxPipelined(wctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(wctx, key, data)
		pipe.Expire(wctx, key, replyTTL)
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to send plan reply",
			"component", "engine", "instance", e.cfg.Instance, "request_id", reply.RequestID, "error", err)
	}
}
