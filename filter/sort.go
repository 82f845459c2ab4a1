package filter

import (
	"sort"

	"crest-api/domain"
)

// SortField selects which task attribute orders the list.
type SortField string

const (
	FieldNone     SortField = "none"
	FieldPriority SortField = "priority"
	FieldDueDate  SortField = "dueDate"
	FieldPoints   SortField = "points"
)

// SortDirection is ascending or descending.
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// SortState is the chosen sort field and direction.
type SortState struct {
	Field     SortField
	Direction SortDirection
}

// IsActive reports whether any ordering is requested.
func (s SortState) IsActive() bool {
	return s.Field != FieldNone && s.Field != ""
}

// ApplySorting returns the tasks ordered by s. FieldNone returns the input
// unchanged. The sort is stable, and tasks without a value for the chosen
// field sort last regardless of direction.
func ApplySorting(tasks []domain.Task, s SortState) []domain.Task {
	if !s.IsActive() {
		return tasks
	}
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	desc := s.Direction == Descending

	switch s.Field {
	case FieldPriority:
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
			if desc {
				return ri > rj
			}
			return ri < rj
		})
	case FieldDueDate:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].DueDate, out[j].DueDate
			if a == nil || b == nil {
				return a != nil && b == nil
			}
			if desc {
				return a.After(*b)
			}
			return a.Before(*b)
		})
	case FieldPoints:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].Points, out[j].Points
			if a == nil || b == nil {
				return a != nil && b == nil
			}
			if desc {
				return *a > *b
			}
			return *a < *b
		})
	}
	return out
}
