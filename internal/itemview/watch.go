package itemview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dyluth/muster/internal/printer"
	"github.com/dyluth/muster/pkg/workstore"
)

// Feed is the subset of *workstore.ItemSubscription Stream consumes.
type Feed interface {
	Events() <-chan *workstore.WorkItem
	Errors() <-chan error
}

// Stream writes every item change from feed that matches filters until ctx
// is cancelled or the feed closes. Feed errors are reported inline and the
// stream continues.
func Stream(ctx context.Context, feed Feed, format OutputFormat, filters *Criteria, w io.Writer) error {
	if filters == nil {
		filters = &Criteria{}
	}
	if err := filters.Validate(); err != nil {
		return err
	}

	errs := feed.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if format == OutputFormatDefault {
				fmt.Fprintf(w, "⚠️  %v\n", err)
			}

		case item, ok := <-feed.Events():
			if !ok {
				return nil
			}
			if !filters.Matches(item) {
				continue
			}
			if err := writeEvent(w, item, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, item *workstore.WorkItem, format OutputFormat) error {
	if format == OutputFormatJSONL {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	line := fmt.Sprintf("[%s] %s %s v%d", item.UpdatedAt.Local().Format("15:04:05"),
		formatID(item.ID), printer.Status(item.Status), item.Version)
	if item.Assignee != "" {
		line += " @" + item.Assignee
	}
	_, err := fmt.Fprintf(w, "%s  %s\n", line, formatTitle(item.Title))
	return err
}

// WaitForStatus polls an item until it reaches one of statuses.
// Polls every 200ms for the specified timeout duration.
func WaitForStatus(ctx context.Context, store Reader, itemID string, statuses []workstore.Status, timeout time.Duration) (*workstore.WorkItem, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		item, err := store.Get(ctx, itemID)
		if err != nil {
			if workstore.IsNotFound(err) {
				return nil, &NotFoundError{ID: itemID}
			}
			return nil, fmt.Errorf("failed to fetch work item: %w", err)
		}
		if slices.Contains(statuses, item.Status) {
			return item, nil
		}
		if item.Status.IsTerminal() {
			return item, fmt.Errorf("work item %s finished as %s", itemID, item.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return item, fmt.Errorf("timeout waiting for work item %s after %v (status %s)", itemID, timeout, item.Status)
		case <-ticker.C:
		}
	}
}
