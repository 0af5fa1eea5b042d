package workstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between WorkItem and Redis hashes.
//
// Scalar fields get their own hash field so the version column can be read and
// compared on its own. The context map and artifact list are JSON-encoded.
// Dependency edges are kept in separate sets and are not part of the hash.

// ItemToHash converts a WorkItem to Redis hash fields.
func ItemToHash(w *WorkItem) (map[string]interface{}, error) {
	ctxMap := w.Context
	if ctxMap == nil {
		ctxMap = map[string]string{}
	}
	contextJSON, err := json.Marshal(ctxMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	artifacts := w.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	return map[string]interface{}{
		"id":            w.ID,
		"title":         w.Title,
		"description":   w.Description,
		"status":        string(w.Status),
		"blocked_from":  string(w.BlockedFrom),
		"assignee":      w.Assignee,
		"version":       w.Version,
		"group_id":      w.GroupID,
		"context":       string(contextJSON),
		"artifacts":     string(artifactsJSON),
		"created_at_ms": w.CreatedAt.UnixMilli(),
		"updated_at_ms": w.UpdatedAt.UnixMilli(),
	}, nil
}

// HashToItem converts Redis hash fields back to a WorkItem.
// DependsOn and Blocks are left empty; the store fills them from their sets.
func HashToItem(hash map[string]string) (*WorkItem, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	ctxMap := map[string]string{}
	if raw := hash["context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ctxMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}

	artifacts := []string{}
	if raw := hash["artifacts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &WorkItem{
		ID:          hash["id"],
		Title:       hash["title"],
		Description: hash["description"],
		Status:      Status(hash["status"]),
		BlockedFrom: Status(hash["blocked_from"]),
		Assignee:    hash["assignee"],
		Version:     version,
		GroupID:     hash["group_id"],
		Context:     ctxMap,
		Artifacts:   artifacts,
		DependsOn:   []string{},
		Blocks:      []string{},
		CreatedAt:   time.UnixMilli(createdAtMs).UTC(),
		UpdatedAt:   time.UnixMilli(updatedAtMs).UTC(),
	}, nil
}
