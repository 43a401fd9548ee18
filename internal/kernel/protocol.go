// Package kernel fronts the external LLM kernel binary as per-session child
// processes speaking a line-delimited JSON protocol: one submission object per
// line down stdin, one event object per line up stdout. The Manager keys
// children by session and provider, multiplexes turns, queues input submitted
// while a turn is active, and maps kernel failures onto the daemon's error
// taxonomy.
package kernel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire structs carry the kernel's own snake_case field names. Everything else
// in this repo serializes camelCase; the boundary is this file.

// Submission is one request line written to the kernel's stdin.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op discriminates on Type; only the fields belonging to the named type are
// serialized.
type Op struct {
	Type    string       `json:"type"`
	Items   []InputItem  `json:"items,omitempty"`
	Options *TurnOptions `json:"options,omitempty"`

	// Approval replies.
	ID       string `json:"id,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// Operation types accepted by the kernel.
const (
	OpUserTurn      = "user_turn"
	OpInterrupt     = "interrupt"
	OpShutdown      = "shutdown"
	OpExecApproval  = "exec_approval"
	OpPatchApproval = "patch_approval"
)

// Approval decisions. Denied is the kernel's default when a reply is missing.
const (
	DecisionApproved           = "approved"
	DecisionApprovedForSession = "approved_for_session"
	DecisionDenied             = "denied"
	DecisionAbort              = "abort"
)

// ValidDecision reports whether s names an approval decision.
func ValidDecision(s string) bool {
	switch s {
	case DecisionApproved, DecisionApprovedForSession, DecisionDenied, DecisionAbort:
		return true
	}
	return false
}

// MarshalJSON keeps the tagged-union contract: user_turn always carries an
// items array, approval ops carry id and decision, unit ops carry only type.
func (o Op) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case OpUserTurn:
		items := o.Items
		if items == nil {
			items = []InputItem{}
		}
		return json.Marshal(struct {
			Type    string       `json:"type"`
			Items   []InputItem  `json:"items"`
			Options *TurnOptions `json:"options,omitempty"`
		}{o.Type, items, o.Options})
	case OpExecApproval, OpPatchApproval:
		return json.Marshal(struct {
			Type     string `json:"type"`
			ID       string `json:"id"`
			Decision string `json:"decision"`
		}{o.Type, o.ID, o.Decision})
	case OpInterrupt, OpShutdown:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{o.Type})
	default:
		return nil, fmt.Errorf("unknown op type %q", o.Type)
	}
}

// InputItem is one element of a user turn.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ItemText is the only input item type the daemon produces.
const ItemText = "text"

// Text builds a text input item.
func Text(text string) InputItem {
	return InputItem{Type: ItemText, Text: text}
}

// UserTurn builds a user_turn op.
func UserTurn(items []InputItem, opts *TurnOptions) Op {
	return Op{Type: OpUserTurn, Items: items, Options: opts}
}

// TurnOptions is the per-turn configuration envelope the kernel understands.
// Zero fields are omitted; the kernel applies its own defaults (mode "main").
type TurnOptions struct {
	SystemPrompt          string          `json:"system_prompt,omitempty"`
	SessionID             string          `json:"session_id,omitempty"`
	Mode                  string          `json:"mode,omitempty"`
	HistoryItems          json.RawMessage `json:"history_items,omitempty"`
	DeveloperInstructions string          `json:"developer_instructions,omitempty"`
	UserInstructions      string          `json:"user_instructions,omitempty"`
	EnvironmentContext    string          `json:"environment_context,omitempty"`
	TurnContext           *TurnContext    `json:"turn_context,omitempty"`
	ContextWindow         *ContextWindow  `json:"context_window,omitempty"`
	Compact               bool            `json:"compact,omitempty"`
	ForkUserMessageIndex  *int            `json:"fork_user_message_index,omitempty"`
	ContextLedger         *ContextLedger  `json:"context_ledger,omitempty"`
	Responses             json.RawMessage `json:"responses,omitempty"`
	Tools                 json.RawMessage `json:"tools,omitempty"`
	ToolExecution         *ToolExecution  `json:"tool_execution,omitempty"`
}

// TurnContext scopes a turn to a working directory and execution policy.
type TurnContext struct {
	Cwd      string `json:"cwd,omitempty"`
	Approval string `json:"approval,omitempty"`
	Sandbox  string `json:"sandbox,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ContextWindow tunes the kernel's compaction thresholds.
type ContextWindow struct {
	MaxInputTokens            *int64   `json:"max_input_tokens,omitempty"`
	BaselineTokens            *int64   `json:"baseline_tokens,omitempty"`
	AutoCompactThresholdRatio *float64 `json:"auto_compact_threshold_ratio,omitempty"`
}

// ContextLedger configures the kernel's shared context ledger for an agent.
type ContextLedger struct {
	Enabled        bool     `json:"enabled"`
	RootDir        string   `json:"root_dir,omitempty"`
	AgentID        string   `json:"agent_id"`
	Role           string   `json:"role,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	CanReadAll     bool     `json:"can_read_all,omitempty"`
	ReadableAgents []string `json:"readable_agents,omitempty"`
	FocusEnabled   bool     `json:"focus_enabled,omitempty"`
	FocusMaxChars  int      `json:"focus_max_chars,omitempty"`
}

// ToolExecution points the kernel's tool calls back at the daemon.
type ToolExecution struct {
	DaemonURL string `json:"daemon_url"`
	AgentID   string `json:"agent_id"`
}

// Event is one response line read from the kernel's stdout. ID matches the
// submission it answers; session_configured arrives once with ID "session".
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// SessionConfiguredID is the fixed submission id of the readiness handshake.
const SessionConfiguredID = "session"

// Event msg types emitted by the kernel, plus the bridge-synthesized
// pending_input_queued acknowledgment.
const (
	MsgSessionConfigured  = "session_configured"
	MsgTaskStarted        = "task_started"
	MsgTaskComplete       = "task_complete"
	MsgTurnAborted        = "turn_aborted"
	MsgShutdownComplete   = "shutdown_complete"
	MsgError              = "error"
	MsgToolCall           = "tool_call"
	MsgToolResult         = "tool_result"
	MsgToolError          = "tool_error"
	MsgModelRound         = "model_round"
	MsgPendingInputQueued = "pending_input_queued"
)

// Turn abort reasons carried by turn_aborted events.
const (
	AbortUserInterrupt = "user_interrupt"
	AbortTaskReplaced  = "task_replaced"
	AbortShutdown      = "shutdown"
)

// EventMsg is the union of every kernel event payload. Type discriminates;
// the kernel serializes absent optionals as null, which decodes onto the zero
// value here.
type EventMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID string `json:"session_id,omitempty"`

	// task_started
	ModelContextWindow int64 `json:"model_context_window,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`
	MetadataJSON     string `json:"metadata_json,omitempty"`

	// turn_aborted
	Reason string `json:"reason,omitempty"`

	// error / tool_error
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	// tool_call / tool_result
	Seq        int64           `json:"seq,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	// model_round
	Round                          int64  `json:"round,omitempty"`
	FinishReason                   string `json:"finish_reason,omitempty"`
	ResponseStatus                 string `json:"response_status,omitempty"`
	InputTokens                    int64  `json:"input_tokens,omitempty"`
	OutputTokens                   int64  `json:"output_tokens,omitempty"`
	TotalTokens                    int64  `json:"total_tokens,omitempty"`
	EstimatedTokensInContextWindow int64  `json:"estimated_tokens_in_context_window,omitempty"`
	ContextUsagePercent            int64  `json:"context_usage_percent,omitempty"`
	MaxInputTokens                 int64  `json:"max_input_tokens,omitempty"`
}

// EncodeSubmission renders s as a single protocol line without the trailing
// newline.
func EncodeSubmission(s Submission) ([]byte, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("submission requires an id")
	}
	return json.Marshal(s)
}

// DecodeEvent parses one stdout line into an Event.
func DecodeEvent(line []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(line, &evt); err != nil {
		return Event{}, fmt.Errorf("decode kernel event: %w", err)
	}
	if strings.TrimSpace(evt.Msg.Type) == "" {
		return Event{}, fmt.Errorf("kernel event %q carries no msg type", evt.ID)
	}
	return evt, nil
}
