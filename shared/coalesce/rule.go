package coalesce

import (
	"errors"
	"fmt"
	"strings"

	"event-sync-relay/shared/events"
)

// Rule marks an (event, path) pair for coalescing. GroupingField, when set,
// splits the pair into one group per payload value of that field.
type Rule struct {
	Event         string `json:"event"`
	Path          string `json:"path"`
	GroupingField string `json:"grouping_field,omitempty"`
}

func (r Rule) String() string {
	if r.GroupingField == "" {
		return r.Path + " " + r.Event
	}
	return r.Path + " " + r.Event + " by " + r.GroupingField
}

// groupingValue reads the grouping field. Missing and null values both land
// in the shared "no group" bucket.
func (r Rule) groupingValue(data map[string]any) (any, bool) {
	if r.GroupingField == "" || data == nil {
		return nil, false
	}
	v, ok := data[r.GroupingField]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ValidateRules reports configuration errors. Duplicate pairs are allowed;
// the engine keeps the first.
func ValidateRules(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		if strings.TrimSpace(r.Event) == "" {
			errs = append(errs, fmt.Errorf("merge rule %d: event is required", i))
		}
		if strings.TrimSpace(r.Path) == "" {
			errs = append(errs, fmt.Errorf("merge rule %d: path is required", i))
		}
		if r.GroupingField == events.MergedListKey {
			errs = append(errs, fmt.Errorf("merge rule %d: grouping field %q collides with the merged list", i, r.GroupingField))
		}
	}
	return errors.Join(errs...)
}
