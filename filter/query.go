package filter

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"crest-api/domain"
)

// FromQuery decodes filter and sort state from request query parameters.
// List parameters are comma separated; time bounds are RFC 3339. Unknown
// enum values are kept as-is: the engine treats them as matching nothing.
func FromQuery(values url.Values) (State, SortState, error) {
	s := State{
		TagIDs:      splitList(values.Get("tags")),
		AssigneeIDs: splitList(values.Get("assignees")),
		BoardIDs:    splitList(values.Get("boards")),
		SearchText:  values.Get("q"),
	}
	for _, p := range splitList(values.Get("priorities")) {
		s.Priorities = append(s.Priorities, domain.Priority(p))
	}
	for _, st := range splitList(values.Get("statuses")) {
		s.Statuses = append(s.Statuses, domain.Status(st))
	}

	fromRaw, toRaw := values.Get("from"), values.Get("to")
	if fromRaw != "" || toRaw != "" {
		if fromRaw == "" || toRaw == "" {
			return State{}, SortState{}, fmt.Errorf("time range requires both from and to")
		}
		from, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return State{}, SortState{}, fmt.Errorf("invalid from: %w", err)
		}
		to, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return State{}, SortState{}, fmt.Errorf("invalid to: %w", err)
		}
		if to.Before(from) {
			return State{}, SortState{}, fmt.Errorf("time range end before start")
		}
		s.Range = &TimeRange{From: from, To: to}
	}

	sortState := SortState{Field: FieldNone, Direction: Ascending}
	switch f := values.Get("sort"); f {
	case "", string(FieldNone):
	case string(FieldPriority), string(FieldDueDate), string(FieldPoints):
		sortState.Field = SortField(f)
	default:
		return State{}, SortState{}, fmt.Errorf("unknown sort field %q", f)
	}
	switch d := values.Get("dir"); d {
	case "", string(Ascending):
	case string(Descending):
		sortState.Direction = Descending
	default:
		return State{}, SortState{}, fmt.Errorf("unknown sort direction %q", d)
	}
	return s, sortState, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
