package itemview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/muster/pkg/workstore"
)

// Reader is the subset of *workstore.Store the views read from.
type Reader interface {
	Get(ctx context.Context, id string) (*workstore.WorkItem, error)
	ListAll(ctx context.Context) ([]*workstore.WorkItem, error)
	ListByStatus(ctx context.Context, status workstore.Status) ([]*workstore.WorkItem, error)
	ListByAssignee(ctx context.Context, assignee string) ([]*workstore.WorkItem, error)
	ListByGroup(ctx context.Context, groupID string) ([]*workstore.WorkItem, error)
}

// Collect reads the items matching filters, oldest first. The narrowest
// store index the criteria allow is read, then every criterion is applied.
func Collect(ctx context.Context, store Reader, filters *Criteria) ([]*workstore.WorkItem, error) {
	if filters == nil {
		filters = &Criteria{}
	}
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	var (
		items []*workstore.WorkItem
		err   error
	)
	switch {
	case filters.Status != "":
		items, err = store.ListByStatus(ctx, filters.Status)
	case filters.Assignee != "":
		items, err = store.ListByAssignee(ctx, filters.Assignee)
	case filters.Group != "":
		items, err = store.ListByGroup(ctx, filters.Group)
	default:
		items, err = store.ListAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}

	matched := items[:0]
	for _, item := range items {
		if filters.Matches(item) {
			matched = append(matched, item)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

// ListItems writes the items matching filters to w in the requested format.
func ListItems(ctx context.Context, store Reader, instanceName string, format OutputFormat, filters *Criteria, w io.Writer) error {
	items, err := Collect(ctx, store, filters)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, items, instanceName, time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, items); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

// GetItem writes a single item as pretty-printed JSON.
func GetItem(ctx context.Context, store Reader, itemID string, w io.Writer) error {
	item, err := store.Get(ctx, itemID)
	if err != nil {
		if workstore.IsNotFound(err) {
			return &NotFoundError{ID: itemID}
		}
		return fmt.Errorf("failed to fetch work item: %w", err)
	}
	if err := FormatSingleJSON(w, item); err != nil {
		return fmt.Errorf("failed to format work item: %w", err)
	}
	return nil
}

// MinShortIDLength is the minimum length accepted for an id prefix.
const MinShortIDLength = 6

// ResolveID maps a full id or a unique id prefix to the stored id.
func ResolveID(ctx context.Context, store Reader, id string) (string, error) {
	if _, err := store.Get(ctx, id); err == nil {
		return id, nil
	} else if !workstore.IsNotFound(err) {
		return "", fmt.Errorf("failed to fetch work item: %w", err)
	}

	if len(id) < MinShortIDLength {
		return "", &NotFoundError{ID: id}
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to search for work item: %w", err)
	}
	var matches []string
	for _, item := range all {
		if strings.HasPrefix(item.ID, id) {
			matches = append(matches, item.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ID: id}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{ShortID: id, Matches: matches}
	}
}

// NotFoundError indicates no work item matched an id or prefix.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work item '%s' not found", e.ID)
}

// AmbiguousError indicates several work items share a prefix.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d work items", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching ids, then "...and N more".
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d work items:\n", err.ShortID, len(err.Matches))

	shown := min(len(err.Matches), 10)
	for _, id := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the work item.")
	return b.String()
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
