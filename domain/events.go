package domain

import "encoding/json"

// Room event types, shared by the hub and the presence client.
const (
	EventRoomUsers    = "room-users"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventTaskSelected = "task-selected"
	EventTaskChanged  = "task-changed"
)

// Event is the typed envelope relayed through a room. Data holds the payload
// for the given Type and is decoded lazily by consumers.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TaskSelection broadcasts a collaborator's current task focus. An empty
// TaskID clears the selection.
type TaskSelection struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	TaskID string `json:"taskId,omitempty"`
	Color  string `json:"color,omitempty"`
}

// TaskChange announces that a task was mutated, so other room members can
// raise a toast.
type TaskChange struct {
	TaskID    string `json:"taskId"`
	UpdatedBy string `json:"updatedBy"`
}

// LeftUser carries the identity key of a departed collaborator.
type LeftUser struct {
	ID string `json:"id"`
}

// NewEvent marshals payload into an Event envelope of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}
