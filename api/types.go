package api

import (
	"context"

	"crest-api/domain"
)

// TaskStore abstracts the task read model for handlers.
type TaskStore interface {
	FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
}

// TaskEvicter is implemented by caching stores that can drop a workspace's
// cached tasks when a mutation is announced.
type TaskEvicter interface {
	Evict(ctx context.Context, workspaceID string)
}

// Authenticator extracts identity and workspace permissions from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
	PermissionsFromAuthHeader(string) (string, domain.Permission, error)
}

// RoomHub is the room registry surface consumed by the HTTP handlers.
type RoomHub interface {
	Join(ctx context.Context, room string, user domain.UserRef) (domain.Collaborator, []domain.Collaborator)
	Leave(ctx context.Context, room, connID string)
	Select(ctx context.Context, room, connID, taskID string)
	Notify(ctx context.Context, room, taskID, updatedBy string)
	Subscribe(room, connID string) (<-chan []byte, func(), error)
	CloseRoom(ctx context.Context, room string)
}
