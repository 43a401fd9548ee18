// Package bus implements the daemon's single-process event fabric: typed
// pub/sub with group subscriptions, a bounded history ring, an optional
// per-session JSONL sink, and WebSocket client fanout.
package bus

import (
	"time"
)

// Event is the unit every component emits. Payload travels by value; the bus
// never retains references into component state.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	WorkflowID string         `json:"workflowId,omitempty"`
	TaskID     string         `json:"taskId,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Event types recognized across the daemon. Components may emit additional
// ad-hoc types; these are the ones subscribers and the WebSocket surface
// rely on.
const (
	// Task lifecycle.
	EventTaskStarted      = "task_started"
	EventTaskCompleted    = "task_completed"
	EventTaskFailed       = "task_failed"
	EventWorkflowProgress = "workflow_progress"

	// Loop lifecycle.
	EventLoopCreated       = "loop.created"
	EventLoopQueued        = "loop.queued"
	EventLoopStarted       = "loop.started"
	EventLoopNodeUpdated   = "loop.node.updated"
	EventLoopNodeCompleted = "loop.node.completed"
	EventLoopCompleted     = "loop.completed"

	// Epic lifecycle.
	EventEpicCreated           = "epic.created"
	EventEpicCompleted         = "epic.completed"
	EventEpicPhaseTransition   = "epic.phase_transition"
	EventEpicUserInputRequired = "epic.user_input_required"
	EventEpicUserInputReceived = "epic.user_input_received"

	// Resources.
	EventResourceAllocated = "resource.allocated"
	EventResourceReleased  = "resource.released"
	EventResourceShortage  = "resource_shortage"

	// Context accounting.
	EventContextCompressed = "context.compressed"

	// Kernel and orchestration plumbing.
	EventPhaseTransition = "phase_transition"
	EventKernelEvent     = "kernel_event"
	EventTurnRetry       = "turn_retry"
	EventPlanUpdated     = "plan_updated"

	// Daemon.
	EventDaemonHeartbeat = "daemon.heartbeat"
)

// Subscription groups. A group names a set of event types so subscribers can
// watch a concern instead of enumerating types.
const (
	GroupTask        = "TASK"
	GroupResource    = "RESOURCE"
	GroupHumanInLoop = "HUMAN_IN_LOOP"
	GroupLoop        = "LOOP"
	GroupEpic        = "EPIC"
	GroupKernel      = "KERNEL"
	GroupContext     = "CONTEXT"
	GroupDaemon      = "DAEMON"
)

var groupMembers = map[string][]string{
	GroupTask: {
		EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventWorkflowProgress,
	},
	GroupResource: {
		EventResourceAllocated, EventResourceReleased, EventResourceShortage,
	},
	GroupHumanInLoop: {
		EventEpicUserInputRequired, EventEpicUserInputReceived,
	},
	GroupLoop: {
		EventLoopCreated, EventLoopQueued, EventLoopStarted,
		EventLoopNodeUpdated, EventLoopNodeCompleted, EventLoopCompleted,
	},
	GroupEpic: {
		EventEpicCreated, EventEpicCompleted, EventEpicPhaseTransition,
		EventEpicUserInputRequired, EventEpicUserInputReceived,
	},
	GroupKernel: {
		EventPhaseTransition, EventKernelEvent, EventTurnRetry,
	},
	GroupContext: {
		EventContextCompressed,
	},
	GroupDaemon: {
		EventDaemonHeartbeat,
	},
}

// GroupTypes returns the event types belonging to a named group, or nil for
// an unknown group. The returned slice is a copy.
func GroupTypes(group string) []string {
	members, ok := groupMembers[group]
	if !ok {
		return nil
	}
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// GroupOf returns the groups an event type belongs to. Most types belong to
// exactly one group; epic.user_input_* belong to both EPIC and HUMAN_IN_LOOP.
func GroupOf(eventType string) []string {
	var groups []string
	for group, members := range groupMembers {
		for _, member := range members {
			if member == eventType {
				groups = append(groups, group)
				break
			}
		}
	}
	return groups
}

// InGroup reports whether eventType belongs to group.
func InGroup(eventType, group string) bool {
	for _, member := range groupMembers[group] {
		if member == eventType {
			return true
		}
	}
	return false
}
