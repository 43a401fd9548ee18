// Package action holds the registry of dispatchable actions shared by the
// orchestrator and executor loops. An action couples a name, a parameter
// schema, and a handler; consumers wrap handlers to attach side effects such
// as tracker updates without changing the handler's verdict.
package action

import "context"

// Stop reasons an action may request in its result.
const (
	StopComplete = "complete"
	StopFail     = "fail"
	StopEscalate = "escalate"
)

// Result is the outcome contract every handler returns. Success and the
// optional observation feed the calling loop; ShouldStop plus StopReason let
// an action end the loop early.
type Result struct {
	Success     bool           `json:"success"`
	Observation string         `json:"observation,omitempty"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ShouldStop  bool           `json:"shouldStop,omitempty"`
	StopReason  string         `json:"stopReason,omitempty"`
}

// Success builds a passing result with an observation.
func Success(observation string) Result {
	return Result{Success: true, Observation: observation}
}

// Failure builds a failing result carrying the error text.
func Failure(errText string) Result {
	return Result{Success: false, Error: errText}
}

// Scope carries the ambient identity an action executes under. Handlers
// receive it verbatim from the loop that dispatched them.
type Scope struct {
	SessionID string
	EpicID    string
	LoopID    string
	TaskID    string
	AgentID   string
	// WorkDir anchors relative paths used by file and shell primitives.
	WorkDir string
	Values  map[string]any
}

// Handler executes one action. Handlers must honor ctx cancellation and be
// idempotent under retry with the same parameters.
type Handler func(ctx context.Context, params map[string]any, scope Scope) Result

// Middleware decorates a handler.
type Middleware func(next Handler) Handler

// Property describes a single schema parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema declares an action's parameters in JSON-Schema shape: primitive
// property types plus a required list, validated before dispatch.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ObjectSchema builds the common object schema from properties and the
// required name list.
func ObjectSchema(props map[string]Property, required ...string) Schema {
	return Schema{Type: "object", Properties: props, Required: required}
}

// Action is one registered, dispatchable operation.
type Action struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

// Wrap returns a copy of the action with mw applied to the handler.
func (a Action) Wrap(mw Middleware) Action {
	a.Handler = mw(a.Handler)
	return a
}

// Definition is the serializable face of an action, without the handler.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      Schema `json:"schema"`
}

// String reads a string parameter.
func String(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

// Number reads a numeric parameter, accepting the integer widths JSON
// decoding and handwritten params both produce.
func Number(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Bool reads a boolean parameter.
func Bool(params map[string]any, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}
