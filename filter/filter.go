// Package filter implements the pure filtering and sorting engine applied to
// in-memory task lists before display. Every function is a pure computation
// over its inputs and is safe to call concurrently.
package filter

import (
	"strings"
	"time"

	"crest-api/domain"
)

// TimeRange constrains tasks to those scheduled inside [From, To], inclusive.
// A task matches on its due date when present, otherwise its start date.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// State is the full set of user-chosen predicate criteria. Empty sets and
// zero values impose no constraint; categories compose with AND, values
// within a category with OR.
type State struct {
	TagIDs      []string
	Priorities  []domain.Priority
	Statuses    []domain.Status
	AssigneeIDs []string
	BoardIDs    []string
	SearchText  string
	Range       *TimeRange
}

// IsActive reports whether at least one category imposes a constraint.
func (s State) IsActive() bool {
	return len(s.TagIDs) > 0 ||
		len(s.Priorities) > 0 ||
		len(s.Statuses) > 0 ||
		len(s.AssigneeIDs) > 0 ||
		len(s.BoardIDs) > 0 ||
		s.SearchText != "" ||
		s.Range != nil
}

// Apply returns the tasks passing every active category of s, preserving
// input order. The input slice is never mutated.
func Apply(tasks []domain.Task, s State) []domain.Task {
	if !s.IsActive() {
		return tasks
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if Matches(t, s) {
			out = append(out, t)
		}
	}
	return out
}

// Matches reports whether a single task passes every active category.
func Matches(t domain.Task, s State) bool {
	return MatchesTagFilter(t, s.TagIDs) &&
		matchesPriority(t, s.Priorities) &&
		matchesStatus(t, s.Statuses) &&
		matchesAssignee(t, s.AssigneeIDs) &&
		matchesBoard(t, s.BoardIDs) &&
		matchesSearch(t, s.SearchText) &&
		matchesRange(t, s.Range)
}

// MatchesTagFilter reports whether the task's tags intersect the selected
// set. An empty set always passes.
func MatchesTagFilter(t domain.Task, tagIDs []string) bool {
	if len(tagIDs) == 0 {
		return true
	}
	return intersects(t.TagIDs, tagIDs)
}

func matchesPriority(t domain.Task, priorities []domain.Priority) bool {
	if len(priorities) == 0 {
		return true
	}
	for _, p := range priorities {
		if t.Priority == p {
			return true
		}
	}
	return false
}

func matchesStatus(t domain.Task, statuses []domain.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if t.Status == st {
			return true
		}
	}
	return false
}

func matchesAssignee(t domain.Task, assigneeIDs []string) bool {
	if len(assigneeIDs) == 0 {
		return true
	}
	return intersects(t.AssigneeIDs, assigneeIDs)
}

func matchesBoard(t domain.Task, boardIDs []string) bool {
	if len(boardIDs) == 0 {
		return true
	}
	for _, id := range boardIDs {
		if t.BoardID == id {
			return true
		}
	}
	return false
}

func matchesSearch(t domain.Task, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(t.Title), q) ||
		strings.Contains(strings.ToLower(t.Description), q)
}

func matchesRange(t domain.Task, r *TimeRange) bool {
	if r == nil {
		return true
	}
	when := t.DueDate
	if when == nil {
		when = t.StartDate
	}
	if when == nil {
		return false
	}
	return !when.Before(r.From) && !when.After(r.To)
}

func intersects(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
