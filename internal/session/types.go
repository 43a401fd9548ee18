// Package session manages user sessions: an ordered message log per session,
// a project-directory index, on-disk persistence bucketed by project, and
// context compression for long conversations.
package session

import (
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser         = "user"
	RoleAssistant    = "assistant"
	RoleSystem       = "system"
	RoleOrchestrator = "orchestrator"
)

// Message kinds.
const (
	KindText       = "text"
	KindCommand    = "command"
	KindPlanUpdate = "plan_update"
	KindTaskUpdate = "task_update"
)

// Message is one entry in a session's log. Content is non-empty after
// trimming.
type Message struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Kind        string    `json:"kind,omitempty"`
}

// Session is one user session bound to a project directory.
type Session struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ProjectDir      string         `json:"projectDir"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	LastAccessedAt  time.Time      `json:"lastAccessedAt"`
	Messages        []Message      `json:"messages"`
	ActiveWorkflows []string       `json:"activeWorkflows,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// clone deep-copies the session so callers can hand out snapshots.
func (s *Session) clone() Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.ActiveWorkflows = append([]string(nil), s.ActiveWorkflows...)
	if s.Context != nil {
		cp.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return cp
}

// validRole reports whether role is one of the defined roles.
func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleOrchestrator:
		return true
	}
	return false
}

// validKind reports whether kind is empty or one of the defined kinds.
func validKind(kind string) bool {
	switch kind {
	case "", KindText, KindCommand, KindPlanUpdate, KindTaskUpdate:
		return true
	}
	return false
}

// ContextKeyCompressedHistory holds the rolling summary produced by context
// compression.
const ContextKeyCompressedHistory = "compressedHistory"

// CompressionResult reports what CompressContext did.
type CompressionResult struct {
	Compressed bool   `json:"compressed"`
	Removed    int    `json:"removed"`
	Remaining  int    `json:"remaining"`
	Summary    string `json:"summary,omitempty"`
}

// summarize builds the default compression summary: up to 100 characters per
// user message plus the set of task identifiers seen in the trimmed window.
func summarize(old []Message) string {
	var parts []string
	taskSeen := map[string]bool{}
	var taskIDs []string
	for _, msg := range old {
		if msg.Role == RoleUser {
			content := strings.TrimSpace(msg.Content)
			if runes := []rune(content); len(runes) > 100 {
				content = string(runes[:100])
			}
			if content != "" {
				parts = append(parts, content)
			}
		}
		if msg.TaskID != "" && !taskSeen[msg.TaskID] {
			taskSeen[msg.TaskID] = true
			taskIDs = append(taskIDs, msg.TaskID)
		}
	}
	summary := strings.Join(parts, " | ")
	if len(taskIDs) > 0 {
		if summary != "" {
			summary += " "
		}
		summary += "[tasks: " + strings.Join(taskIDs, ", ") + "]"
	}
	return summary
}
