package api

import (
	"context"

	"pms-board/board"
	"pms-board/domain"
	"pms-board/outbox"
	"pms-board/storage"
)

// Backend is the subset of the project-management backend the handlers call.
type Backend interface {
	Task(ctx context.Context, taskID int64) (domain.Task, error)
	MarkAsDone(ctx context.Context, taskID int64) error
	Projects(ctx context.Context) ([]domain.Project, error)
	Project(ctx context.Context, projectID int64) (domain.Project, error)
	MembersByProject(ctx context.Context, projectID int64) ([]domain.Member, error)
	UnassignedMembers(ctx context.Context, projectID int64) ([]domain.Member, error)
	AssignMembers(ctx context.Context, taskID int64, memberIDs []int64) ([]domain.Assignment, error)
	ScheduleMeeting(ctx context.Context, m domain.Meeting) (domain.Meeting, error)
}

// TaskLister fetches the tasks a board is built from.
type TaskLister interface {
	TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error)
}

// TaskCache is a TaskLister that can drop a project's cached tasks.
type TaskCache interface {
	TaskLister
	Evict(ctx context.Context, projectID int64)
}

// Outbox queues status changes for delivery.
type Outbox interface {
	Enqueue(change board.StatusChange) error
	// Pending reports whether a change of the task is still undelivered.
	Pending(taskID int64) bool
	Stats() outbox.Stats
}

// LayoutStore persists the in-column order of a project's board.
type LayoutStore interface {
	LoadLayout(ctx context.Context, projectID int64) (board.Layout, error)
	SaveLayout(ctx context.Context, projectID int64, layout board.Layout) error
}

// DeadLetters parks status changes the backend never acknowledged.
type DeadLetters interface {
	DeadLetter(ctx context.Context, f storage.FailedUpdate) error
}

// Publisher fans board updates out to other service instances.
type Publisher interface {
	Publish(ctx context.Context, u storage.BoardUpdate) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents applying the same move of a board session twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, sessionID, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the move is rejected.
	Remove(ctx context.Context, sessionID, userID, key string) error
	// Forget drops the keys of a closed session.
	Forget(ctx context.Context, sessionID string) error
}
