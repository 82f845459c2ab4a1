package domain

// UserRef identifies the user joining a room. ID is the stable per-connection
// identity key; UserID is the account identifier behind it.
type UserRef struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

// Collaborator is a remote user's presence record as observed in a room:
// identity, display color and current task selection. It lives only for the
// duration of the room membership and is never persisted past it.
type Collaborator struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	FullName       string `json:"fullName"`
	Color          string `json:"color"`
	SelectedTaskID string `json:"selectedTaskId,omitempty"`
}
