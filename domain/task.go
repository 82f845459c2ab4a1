package domain

import "time"

// Status is the workflow state of a task.
type Status string

const (
	StatusToDo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// Priority is the ordered urgency of a task.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityHigh    Priority = "high"
	PriorityMedium  Priority = "medium"
	PriorityLow     Priority = "low"
	PriorityBacklog Priority = "backlog"
)

var priorityRanks = map[Priority]int{
	PriorityUrgent:  0,
	PriorityHigh:    1,
	PriorityMedium:  2,
	PriorityLow:     3,
	PriorityBacklog: 4,
}

// Rank returns the sort rank of the priority, most urgent first. Unknown
// priorities rank after every known one.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

// Known reports whether the priority is one of the fixed enum values.
func (p Priority) Known() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Task is a board item in the read model. The collaboration service treats it
// as read-only; mutations happen through the external task CRUD API.
type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Points      *int       `json:"points,omitempty"`
	TagIDs      []string   `json:"tagIds,omitempty"`
	AssigneeIDs []string   `json:"assigneeIds,omitempty"`
}
