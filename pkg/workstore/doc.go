// Package workstore is the shared, durable backlog of work items used by the
// battle plan executor, the convoy scheduler and the CLI.
//
// # Work item store
//
// Items are stored as Redis hashes under muster:{instance}:item:{id}. Dependency
// edges live in two sets per item (deps and blocks) so the reverse index is
// maintained in the same transaction as the forward edge.
//
// # Concurrency
//
// Every mutation runs inside WATCH/MULTI/EXEC on the keys it reads. If any
// watched key changes before EXEC the transaction is discarded and the caller
// receives a *ConflictError with the version that won. Nothing is ever merged.
// Writes to different items watch different keys and never contend.
//
// Callers reload and retry with Retry or UpdateWithRetry:
//
//	item, err := store.UpdateWithRetry(ctx, id, func(w *workstore.WorkItem) error {
//		w.Artifacts = append(w.Artifacts, "report.md")
//		return nil
//	}, workstore.DefaultRetryPolicy())
//
// # Status lifecycle
//
//	backlog -> ready -> in_progress -> in_review -> done
//	                         ^              |
//	                         +--------------+
//
// Any non-terminal status may move to blocked (and back to the status it came
// from) or to failed. done and failed are terminal.
//
// # Admission
//
// When built WithAdmitter, each mutation first asks the admitter for a slot
// using the caller id attached by WithCaller. A denied admission returns the
// admitter's error and no Redis command is sent.
package workstore
