package react

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Decision is the structured output expected from the planner each round:
// one JSON object carrying a thought, an action name, and its parameters.
type Decision struct {
	Thought string         `json:"thought"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
}

// ParseError reports why a raw planner reply could not become a Decision.
// Field names the offending key when the document parsed but a required
// field was missing or malformed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("missing or malformed field %q", e.Field)
	}
	return fmt.Sprintf("reply is not a JSON decision: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type rawDecision struct {
	Thought    string         `json:"thought"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
	Parameters map[string]any `json:"parameters"`
}

// ParseDecision extracts the decision object from raw planner output. Fenced
// code blocks are stripped, then strict JSON is tried, then jsonrepair. The
// repair pass is free: only a reply that survives neither counts against the
// caller's re-prompt budget.
func ParseDecision(raw string) (Decision, error) {
	candidate := ExtractJSON(raw)
	if strings.TrimSpace(candidate) == "" {
		return Decision{}, &ParseError{Err: fmt.Errorf("empty reply")}
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(candidate), &rd); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return Decision{}, &ParseError{Err: err}
		}
		if err := json.Unmarshal([]byte(repaired), &rd); err != nil {
			return Decision{}, &ParseError{Err: err}
		}
	}

	d := Decision{
		Thought: strings.TrimSpace(rd.Thought),
		Action:  strings.TrimSpace(rd.Action),
		Params:  rd.Params,
	}
	if d.Params == nil {
		d.Params = rd.Parameters
	}
	if d.Params == nil {
		d.Params = map[string]any{}
	}
	if d.Action == "" {
		return Decision{}, &ParseError{Field: "action"}
	}
	return d, nil
}

// ExtractJSON isolates the JSON document inside raw: the body of the first
// fenced code block when present, otherwise the outermost brace span,
// otherwise the trimmed input.
func ExtractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			fence := strings.TrimSpace(rest[:nl])
			// Only treat the prefix as an info string when it looks like one.
			if fence == "" || fence == "json" || fence == "JSON" {
				body := rest[nl+1:]
				if end := strings.Index(body, "```"); end >= 0 {
					return strings.TrimSpace(body[:end])
				}
				return strings.TrimSpace(body)
			}
		}
	}

	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
