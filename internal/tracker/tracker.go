// Package tracker talks to the external bd issue tracker. The daemon
// consumes a small imperative slice of it: create epics and child tasks,
// wire dependencies, flip statuses as execution progresses, and post
// comments. The production implementation shells out to the bd CLI; an
// in-memory implementation backs tests and tracker-less deployments.
package tracker

import (
	"context"
	"time"
)

// Status is the bd-side lifecycle state of an issue.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// CreateResult is bd's answer to a create call.
type CreateResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Task mirrors the fields of a bd issue this daemon reads back.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Assignee    string    `json:"assignee"`
	ParentID    string    `json:"parent_id"`
	Labels      []string  `json:"labels"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Comment is one tracker comment on a task.
type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker is the imperative API the orchestrator and executors rely on.
type Tracker interface {
	// CreateEpic opens a new epic issue and returns its tracker identity.
	CreateEpic(ctx context.Context, title, description string, labels []string) (CreateResult, error)
	// CreateTask opens a child task under parentID (usually an epic).
	CreateTask(ctx context.Context, title, description, parentID, assignee string, labels []string) (CreateResult, error)
	// AddDependency records that taskID cannot start before dependsOnID closes.
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	// UpdateStatus flips a task's lifecycle state.
	UpdateStatus(ctx context.Context, taskID string, status Status) error
	// CloseTask closes a task with its result as the close reason.
	CloseTask(ctx context.Context, taskID, reason string) error
	// MarkBlocked sets a task blocked and posts the failure as a comment.
	MarkBlocked(ctx context.Context, taskID, reason string) error
	// Comment posts a comment; an empty author falls back to the client's.
	Comment(ctx context.Context, taskID, author, text string) error
	// ShowTask reads a task back.
	ShowTask(ctx context.Context, taskID string) (*Task, error)
}
