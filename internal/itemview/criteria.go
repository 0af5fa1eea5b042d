// Package itemview renders work items for the muster CLI: filtered tables,
// JSONL streams, single-item detail and live change feeds.
package itemview

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dyluth/muster/pkg/workstore"
)

// Criteria defines filtering criteria for work items.
// All filters are ANDed together - an item must match ALL criteria to pass.
type Criteria struct {
	Since     time.Time        // CreatedAt lower bound, zero = no filter
	Until     time.Time        // CreatedAt upper bound, zero = no filter
	TitleGlob string           // doublestar pattern over the title, empty = no filter
	Status    workstore.Status // exact match, empty = no filter
	Assignee  string           // exact match, empty = no filter
	Group     string           // exact match on group id, empty = no filter
}

// Validate rejects malformed title patterns and unknown statuses.
func (c *Criteria) Validate() error {
	if c.TitleGlob != "" && !doublestar.ValidatePattern(c.TitleGlob) {
		return fmt.Errorf("invalid title pattern: %q", c.TitleGlob)
	}
	if c.Status != "" {
		if err := c.Status.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches returns true if the item matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(item *workstore.WorkItem) bool {
	if !c.Since.IsZero() && item.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && item.CreatedAt.After(c.Until) {
		return false
	}

	if c.TitleGlob != "" {
		matched, err := doublestar.Match(c.TitleGlob, item.Title)
		if err != nil || !matched {
			return false
		}
	}

	if c.Status != "" && item.Status != c.Status {
		return false
	}
	if c.Assignee != "" && item.Assignee != c.Assignee {
		return false
	}
	if c.Group != "" && item.GroupID != c.Group {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.TitleGlob != "" ||
		c.Status != "" ||
		c.Assignee != "" ||
		c.Group != ""
}
