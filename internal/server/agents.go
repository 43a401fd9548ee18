package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"finger/internal/bus"
	"finger/internal/errors"
	"finger/internal/executor"
	"finger/internal/kernel"
	"finger/internal/logging"
	"finger/internal/mailbox"
)

// Agent handles mailbox messages addressed to one target.
type Agent interface {
	ID() string
	Handle(ctx context.Context, msg Inbound) (any, error)
}

// Inbound is the decoded mailbox payload. CLI producers send
// {type, content, sessionId?, projectDir?, providerId?}; a bare string
// payload becomes Content.
type Inbound struct {
	Type       string `json:"type,omitempty"`
	Content    string `json:"content"`
	SessionID  string `json:"sessionId,omitempty"`
	ProjectDir string `json:"projectDir,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// decodeInbound accepts a string, an Inbound, or any JSON-shaped map.
func decodeInbound(payload any) (Inbound, error) {
	switch v := payload.(type) {
	case nil:
		return Inbound{}, errors.Validation("message payload is required")
	case string:
		return Inbound{Content: v}, nil
	case Inbound:
		return v, nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return Inbound{}, errors.Wrap(errors.KindValidation, err, "encode payload")
		}
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Inbound{}, errors.Wrap(errors.KindValidation, err, "decode payload")
		}
		return msg, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Inbound{}, errors.Validation("unsupported payload type %T", payload)
		}
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Inbound{Content: string(raw)}, nil
		}
		return msg, nil
	}
}

// Built-in mailbox targets and their message types, mirroring the CLI
// command table.
const (
	TargetUnderstanding = "understanding-agent"
	TargetRouter        = "router-agent"
	TargetPlanner       = "planner-agent"
	TargetExecutor      = "executor-agent"
	TargetReviewer      = "reviewer-agent"
	TargetOrchestrator  = "orchestrator"
)

// registerBuiltinAgents binds the fixed targets the CLI producers address.
func (a *App) registerBuiltinAgents() {
	a.RegisterAgent(a.newKernelAgent(TargetUnderstanding,
		"Analyze the user's request. Restate the goal, constraints, and unknowns.", ""))
	a.RegisterAgent(a.newKernelAgent(TargetRouter,
		"Decide which agent should handle the request and answer with its target name.", ""))
	a.RegisterAgent(a.newKernelAgent(TargetPlanner,
		"Decompose the request into an ordered list of concrete tasks with dependencies.", ""))
	a.RegisterAgent(a.newKernelAgent(TargetReviewer,
		"Review the proposed work. Approve it or name the specific problem.", ""))
	a.RegisterAgent(&executorAgent{app: a})
	a.RegisterAgent(&orchestratorAgent{app: a})
}

// dispatch drives one mailbox entry through its target agent and lands the
// entry in a terminal state.
func (a *App) dispatch(ctx context.Context, entry mailbox.Entry) {
	if _, err := a.mailbox.UpdateStatus(entry.ID, mailbox.StatusProcessing, nil, ""); err != nil {
		a.logger.Warn("mailbox %s to processing: %v", entry.ID, err)
	}
	agent, ok := a.agent(entry.Target)
	if !ok {
		a.failEntry(entry.ID, fmt.Sprintf("unknown target %q", entry.Target))
		return
	}
	msg, err := decodeInbound(entry.Payload)
	if err != nil {
		a.failEntry(entry.ID, err.Error())
		return
	}
	result, err := agent.Handle(ctx, msg)
	if err != nil {
		a.failEntry(entry.ID, err.Error())
		return
	}
	if _, uerr := a.mailbox.UpdateStatus(entry.ID, mailbox.StatusCompleted, result, ""); uerr != nil {
		a.logger.Warn("mailbox %s to completed: %v", entry.ID, uerr)
	}
	a.metrics.IncMailbox(string(mailbox.StatusCompleted))
}

func (a *App) failEntry(id, errMsg string) {
	if _, err := a.mailbox.UpdateStatus(id, mailbox.StatusFailed, nil, errMsg); err != nil {
		a.logger.Warn("mailbox %s to failed: %v", id, err)
	}
	a.metrics.IncMailbox(string(mailbox.StatusFailed))
}

// kernelAgent answers a message with a single retried kernel turn.
type kernelAgent struct {
	app      *App
	id       string
	prompt   string
	provider string
	logger   logging.Logger
}

func (a *App) newKernelAgent(id, systemPrompt, provider string) *kernelAgent {
	return &kernelAgent{
		app:      a,
		id:       id,
		prompt:   systemPrompt,
		provider: provider,
		logger:   logging.WithPrefix(a.logger, id),
	}
}

func (k *kernelAgent) ID() string { return k.id }

func (k *kernelAgent) Handle(ctx context.Context, msg Inbound) (any, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, errors.Validation("message content is required")
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = "agent-" + k.id
	}
	provider := msg.ProviderID
	if provider == "" {
		provider = k.provider
	}
	res, err := k.app.kernel.RunTurnWithRetry(ctx, kernel.TurnRequest{
		SessionID:  sessionID,
		ProviderID: provider,
		AgentID:    k.id,
		Items:      []kernel.InputItem{kernel.Text(content)},
		Options:    &kernel.TurnOptions{SystemPrompt: k.prompt, SessionID: sessionID},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": res.LastAgentMessage}, nil
}

// executorAgent runs one task to completion through an executor ReAct loop.
type executorAgent struct {
	app *App
}

func (e *executorAgent) ID() string { return TargetExecutor }

func (e *executorAgent) Handle(ctx context.Context, msg Inbound) (any, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, errors.Validation("task description is required")
	}
	app := e.app
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = "agent-" + TargetExecutor
	}
	planner, err := executor.NewKernelPlanner(app.kernel, executor.KernelPlannerConfig{
		SessionID:  sessionID,
		ProviderID: msg.ProviderID,
		AgentID:    TargetExecutor,
	})
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(executor.Config{
		AgentID:       TargetExecutor,
		WorkDir:       msg.ProjectDir,
		Planner:       planner,
		Tracker:       app.tracker,
		Loops:         app.loops,
		Bus:           app.bus,
		MaxIterations: app.cfg.MaxRounds,
		Logger:        logging.WithPrefix(app.logger, TargetExecutor),
	})
	if err != nil {
		return nil, err
	}
	res, err := exec.ExecuteTask(ctx, executor.Task{
		TaskID:      "adhoc-" + sessionID,
		SessionID:   sessionID,
		Description: content,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		app.bus.Emit(bus.Event{
			Type:      bus.EventTaskFailed,
			SessionID: sessionID,
			AgentID:   TargetExecutor,
			Payload:   map[string]any{"error": res.Error, "stopReason": res.StopReason},
		})
	}
	return res, nil
}
