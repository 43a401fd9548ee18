package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"finger/internal/errors"
)

// MemoryTracker keeps the whole tracker in memory with the same semantics as
// the CLI client. It backs tests and deployments without a bd binary.
type MemoryTracker struct {
	mu       sync.Mutex
	seq      int
	tasks    map[string]*Task
	comments map[string][]Comment
	deps     map[string][]string
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker builds an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		tasks:    make(map[string]*Task),
		comments: make(map[string][]Comment),
		deps:     make(map[string][]string),
	}
}

func (m *MemoryTracker) create(title, description, parentID, assignee string, labels []string) CreateResult {
	m.seq++
	id := fmt.Sprintf("bd-%d", m.seq)
	now := time.Now()
	m.tasks[id] = &Task{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      StatusOpen,
		Assignee:    assignee,
		ParentID:    parentID,
		Labels:      append([]string(nil), labels...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return CreateResult{ID: id, Title: title}
}

// CreateEpic opens an epic issue.
func (m *MemoryTracker) CreateEpic(_ context.Context, title, description string, labels []string) (CreateResult, error) {
	if title == "" {
		return CreateResult{}, errors.Validation("tracker epic requires a title")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(title, description, "", "", labels), nil
}

// CreateTask opens a task, optionally under a known parent.
func (m *MemoryTracker) CreateTask(_ context.Context, title, description, parentID, assignee string, labels []string) (CreateResult, error) {
	if title == "" {
		return CreateResult{}, errors.Validation("tracker task requires a title")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentID != "" {
		if _, ok := m.tasks[parentID]; !ok {
			return CreateResult{}, errors.Validation("tracker parent %s not found", parentID)
		}
	}
	return m.create(title, description, parentID, assignee, labels), nil
}

// AddDependency records taskID blocked-by dependsOnID.
func (m *MemoryTracker) AddDependency(_ context.Context, taskID, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return errors.Validation("tracker task %s not found", taskID)
	}
	if _, ok := m.tasks[dependsOnID]; !ok {
		return errors.Validation("tracker task %s not found", dependsOnID)
	}
	m.deps[taskID] = append(m.deps[taskID], dependsOnID)
	return nil
}

// UpdateStatus flips a known task's status.
func (m *MemoryTracker) UpdateStatus(_ context.Context, taskID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return errors.Validation("tracker task %s not found", taskID)
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// CloseTask closes the task and keeps the reason as a comment.
func (m *MemoryTracker) CloseTask(ctx context.Context, taskID, reason string) error {
	if err := m.UpdateStatus(ctx, taskID, StatusClosed); err != nil {
		return err
	}
	return m.Comment(ctx, taskID, "", reason)
}

// MarkBlocked blocks the task and keeps the failure as a comment.
func (m *MemoryTracker) MarkBlocked(ctx context.Context, taskID, reason string) error {
	if err := m.UpdateStatus(ctx, taskID, StatusBlocked); err != nil {
		return err
	}
	return m.Comment(ctx, taskID, "", reason)
}

// Comment appends a comment to a known task.
func (m *MemoryTracker) Comment(_ context.Context, taskID, author, text string) error {
	if author == "" {
		author = DefaultAuthor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return errors.Validation("tracker task %s not found", taskID)
	}
	m.comments[taskID] = append(m.comments[taskID], Comment{
		Author:    author,
		Text:      text,
		CreatedAt: time.Now(),
	})
	return nil
}

// ShowTask returns a copy of the task.
func (m *MemoryTracker) ShowTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.Validation("tracker task %s not found", taskID)
	}
	cp := *task
	cp.Labels = append([]string(nil), task.Labels...)
	return &cp, nil
}

// Comments returns the comments posted to a task, oldest first.
func (m *MemoryTracker) Comments(taskID string) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment(nil), m.comments[taskID]...)
}

// Dependencies returns the recorded blocked-by ids for a task.
func (m *MemoryTracker) Dependencies(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deps[taskID]...)
}
