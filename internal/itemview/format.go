package itemview

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/muster/internal/printer"
	"github.com/dyluth/muster/pkg/workstore"
)

// OutputFormat specifies how to format item output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated titles
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete items as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

const tableRow = "%-10s %-11s %-5s %-14s %-8s %s\n"

// FormatTable writes items as a table with columns ID, STATUS, VER,
// ASSIGNEE, AGE and TITLE. Returns the number of items written.
func FormatTable(w io.Writer, items []*workstore.WorkItem, instanceName string, now time.Time) int {
	if len(items) == 0 {
		fmt.Fprintf(w, "No work items found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Work items for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, tableRow, "ID", "STATUS", "VER", "ASSIGNEE", "AGE", "TITLE")
	fmt.Fprintf(w, tableRow,
		"----------", "-----------", "-----", "--------------", "--------", "----------------------------------------")

	for _, item := range items {
		// pad before coloring; escape codes have no display width
		status := fmt.Sprintf("%-11s", item.Status)
		status = strings.Replace(status, string(item.Status), printer.Status(item.Status), 1)

		fmt.Fprintf(w, "%-10s %s %-5s %-14s %-8s %s\n",
			formatID(item.ID),
			status,
			fmt.Sprintf("v%d", item.Version),
			formatAssignee(item.Assignee),
			formatAge(item.CreatedAt, now),
			formatTitle(item.Title),
		)
	}

	noun := "item"
	if len(items) != 1 {
		noun = "items"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(items), noun)

	return len(items)
}

// FormatJSONL writes items as line-delimited JSON, one item per line.
func FormatJSONL(w io.Writer, items []*workstore.WorkItem) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one item as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, item *workstore.WorkItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal item to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatID truncates an id to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAssignee(assignee string) string {
	if assignee == "" {
		return "-"
	}
	if len(assignee) > 14 {
		return assignee[:11] + "..."
	}
	return assignee
}

// formatTitle keeps the first non-empty line, at most 40 characters.
func formatTitle(title string) string {
	for _, line := range strings.Split(title, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 40 {
			return line[:37] + "..."
		}
		return line
	}
	return "-"
}

// formatAge shows relative time like "2m ago" or "1h ago".
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
