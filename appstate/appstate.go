// Package appstate holds the client application's global UI state as an
// explicit value with reducer-style transitions, passed to consumers rather
// than living in ambient mutable globals. The state is initialized at boot
// and lives for the whole process.
package appstate

import "time"

// Notification is an in-app toast entry, typically raised from a task-changed
// room event.
type Notification struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// State is the full application state.
type State struct {
	SidebarCollapsed   bool
	DarkMode           bool
	ImpersonatedUserID string
	Notifications      []Notification
}

// Each transition is a pure function: it returns the next state and leaves
// its input untouched.

func SetSidebarCollapsed(s State, collapsed bool) State {
	s.SidebarCollapsed = collapsed
	return s
}

func SetDarkMode(s State, on bool) State {
	s.DarkMode = on
	return s
}

func SetImpersonatedUser(s State, userID string) State {
	s.ImpersonatedUserID = userID
	return s
}

func ClearImpersonation(s State) State {
	s.ImpersonatedUserID = ""
	return s
}

func PushNotification(s State, n Notification) State {
	next := make([]Notification, len(s.Notifications), len(s.Notifications)+1)
	copy(next, s.Notifications)
	s.Notifications = append(next, n)
	return s
}

func MarkNotificationRead(s State, id string) State {
	next := make([]Notification, len(s.Notifications))
	copy(next, s.Notifications)
	for i := range next {
		if next[i].ID == id {
			next[i].Read = true
		}
	}
	s.Notifications = next
	return s
}

func ClearNotifications(s State) State {
	s.Notifications = nil
	return s
}
