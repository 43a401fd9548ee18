// Package loop owns the hierarchical loop/node model: per-epic task flows,
// phase-bounded loops moving queue → running → history, append-only nodes,
// pending user input, and context-window compression.
package loop

import (
	"time"
)

// Phases a loop can belong to. The three history lists of an EpicTaskFlow are
// keyed by these.
const (
	PhasePlan      = "plan"
	PhaseDesign    = "design"
	PhaseExecution = "execution"
)

// Loop statuses. A loop moves queue → running → history exactly once.
const (
	LoopQueued  = "queue"
	LoopRunning = "running"
	LoopHistory = "history"
)

// Node types.
const (
	NodeUser   = "user"
	NodeOrch   = "orch"
	NodeExec   = "exec"
	NodeTool   = "tool"
	NodeReview = "review"
)

// Node statuses. done and failed are final.
const (
	NodeWaiting = "waiting"
	NodeRunning = "running"
	NodeDone    = "done"
	NodeFailed  = "failed"
)

// ValidPhase reports whether phase names one of the three loop phases.
func ValidPhase(phase string) bool {
	return phase == PhasePlan || phase == PhaseDesign || phase == PhaseExecution
}

func validNodeType(t string) bool {
	switch t {
	case NodeUser, NodeOrch, NodeExec, NodeTool, NodeReview:
		return true
	}
	return false
}

func validNodeStatus(s string) bool {
	switch s {
	case NodeWaiting, NodeRunning, NodeDone, NodeFailed:
		return true
	}
	return false
}

func terminalNodeStatus(s string) bool {
	return s == NodeDone || s == NodeFailed
}

// Node is one step inside a loop. Nodes are append-only; a terminal status is
// final.
type Node struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Title     string         `json:"title"`
	Text      string         `json:"text,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (n *Node) clone() Node {
	cp := *n
	if n.Metadata != nil {
		cp.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Loop is one phase-bounded ReAct execution for an epic.
type Loop struct {
	ID           string     `json:"id"`
	EpicID       string     `json:"epicId"`
	Phase        string     `json:"phase"`
	Status       string     `json:"status"`
	Nodes        []Node     `json:"nodes,omitempty"`
	SourceLoopID string     `json:"sourceLoopId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Result       string     `json:"result,omitempty"`
}

func (l *Loop) clone() Loop {
	cp := *l
	cp.Nodes = make([]Node, len(l.Nodes))
	for i := range l.Nodes {
		cp.Nodes[i] = l.Nodes[i].clone()
	}
	if l.StartedAt != nil {
		t := *l.StartedAt
		cp.StartedAt = &t
	}
	if l.CompletedAt != nil {
		t := *l.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// ContextWindow accounts for an epic's token budget.
type ContextWindow struct {
	MaxTokens  int `json:"maxTokens"`
	UsedTokens int `json:"usedTokens"`
	Threshold  int `json:"threshold"`
}

// CompressedContext records one compression pass over an epic's history.
type CompressedContext struct {
	OriginalTokens   int       `json:"originalTokens"`
	CompressedTokens int       `json:"compressedTokens"`
	Summary          string    `json:"summary"`
	PreservedCycles  int       `json:"preservedCycles"`
	Timestamp        time.Time `json:"timestamp"`
}

// EpicTaskFlow is the per-epic container: current status (a phase or a
// terminal marker), three history lists, the pending-loop queue, and at most
// one running loop.
type EpicTaskFlow struct {
	EpicID     string             `json:"epicId"`
	Status     string             `json:"status"`
	UserTask   string             `json:"userTask,omitempty"`
	Queue      []string           `json:"queue,omitempty"`
	Running    string             `json:"running,omitempty"`
	History    map[string][]Loop  `json:"history"`
	Window     ContextWindow      `json:"window"`
	Compressed *CompressedContext `json:"compressed,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

func (f *EpicTaskFlow) cloneShallowHistory() EpicTaskFlow {
	cp := *f
	cp.Queue = append([]string(nil), f.Queue...)
	cp.History = make(map[string][]Loop, len(f.History))
	for phase, loops := range f.History {
		list := make([]Loop, len(loops))
		for i := range loops {
			list[i] = loops[i].clone()
		}
		cp.History[phase] = list
	}
	if f.Compressed != nil {
		c := *f.Compressed
		cp.Compressed = &c
	}
	return cp
}

// historyCount returns how many loops have reached history across all phases.
func (f *EpicTaskFlow) historyCount() int {
	n := 0
	for _, loops := range f.History {
		n += len(loops)
	}
	return n
}

// PendingInput is a registered question awaiting a user answer.
type PendingInput struct {
	EpicID    string         `json:"epicId"`
	LoopID    string         `json:"loopId"`
	NodeID    string         `json:"nodeId"`
	Question  string         `json:"question"`
	Options   []string       `json:"options,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
