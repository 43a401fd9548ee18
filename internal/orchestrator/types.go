// Package orchestrator drives a user task through the phased workflow state
// machine: design, planning, bounded parallel dispatch onto pooled resources,
// blocked-task review, verification, and checkpointed recovery. The machine
// exposes its transitions as registry actions so a ReAct planner can operate
// it one decision at a time.
package orchestrator

import (
	"context"
	"time"

	"finger/internal/resource"
)

// Workflow phases. completed and failed are terminal; paused and
// blocked_review park the workflow until a START action resumes it.
const (
	PhaseUnderstanding    = "understanding"
	PhaseHighDesign       = "high_design"
	PhaseDetailDesign     = "detail_design"
	PhaseDeliverables     = "deliverables"
	PhasePlan             = "plan"
	PhaseParallelDispatch = "parallel_dispatch"
	PhaseBlockedReview    = "blocked_review"
	PhaseVerify           = "verify"
	PhaseCompleted        = "completed"
	PhaseFailed           = "failed"
	PhaseReplanning       = "replanning"
	PhasePaused           = "paused"
)

// TerminalPhase reports whether the workflow can never leave phase.
func TerminalPhase(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseFailed
}

// Task statuses inside the plan graph.
const (
	TaskPending    = "pending"
	TaskReady      = "ready"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskBlocked    = "blocked"
)

// TerminalTask reports whether status is a final task state.
func TerminalTask(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}

func validTaskStatus(status string) bool {
	switch status {
	case TaskPending, TaskReady, TaskInProgress, TaskCompleted, TaskFailed, TaskBlocked:
		return true
	}
	return false
}

// TaskResult is the recorded outcome of one dispatch.
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskNode is one task in the plan graph.
type TaskNode struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	DependsOn   []string    `json:"dependsOn,omitempty"`
	Assignee    string      `json:"assignee,omitempty"`
	TrackerID   string      `json:"trackerId,omitempty"`
	Status      string      `json:"status"`
	Result      *TaskResult `json:"result,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Iterations  int         `json:"iterations"`
	LastError   string      `json:"lastError,omitempty"`
}

func (n *TaskNode) clone() TaskNode {
	cp := *n
	cp.DependsOn = append([]string(nil), n.DependsOn...)
	if n.Result != nil {
		r := *n.Result
		cp.Result = &r
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		cp.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// PlanTask is one task as submitted by the PLAN action, before graph
// normalization assigns ids and readiness.
type PlanTask struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
}

// Artifacts collects the design-phase outputs the workflow accumulates
// before planning. DeliverablesDefined distinguishes an empty deliverable
// list from one never submitted.
type Artifacts struct {
	HighDesign          string   `json:"highDesign,omitempty"`
	DetailDesign        string   `json:"detailDesign,omitempty"`
	Deliverables        []string `json:"deliverables,omitempty"`
	DeliverablesDefined bool     `json:"deliverablesDefined"`
}

// DispatchRequest carries everything a dispatcher needs to run one task.
type DispatchRequest struct {
	TaskID      string
	TrackerID   string
	EpicID      string
	SessionID   string
	LoopID      string
	Description string
	Assignee    string
	Resources   []resource.Resource
}

// DispatchResult is what a dispatcher reports back for one task.
type DispatchResult struct {
	Success bool
	Output  string
	Error   string
	Rounds  int
}

// Dispatcher executes one task on an allocated resource. Implementations are
// called concurrently and must be safe for parallel use.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) DispatchResult
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, req DispatchRequest) DispatchResult

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, req DispatchRequest) DispatchResult {
	return f(ctx, req)
}

// DispatchReport summarizes one PARALLEL_DISPATCH or BLOCKED_REVIEW round.
type DispatchReport struct {
	Dispatched        []string                   `json:"dispatched,omitempty"`
	Completed         []string                   `json:"completed,omitempty"`
	Failed            []string                   `json:"failed,omitempty"`
	Skipped           []string                   `json:"skipped,omitempty"`
	Missing           []resource.MissingResource `json:"missing,omitempty"`
	Observations      []string                   `json:"observations,omitempty"`
	KnownCapabilities []string                   `json:"knownCapabilities,omitempty"`
	Escalated         bool                       `json:"escalated,omitempty"`
}

// VerifyReport is the outcome of a VERIFY action.
type VerifyReport struct {
	Total            int      `json:"total"`
	Completed        int      `json:"completed"`
	Failed           int      `json:"failed"`
	CompletionRate   float64  `json:"completionRate"`
	MissingArtifacts []string `json:"missingArtifacts,omitempty"`
	Passed           bool     `json:"passed"`
}
