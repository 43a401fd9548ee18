package executor

import (
	"context"

	"finger/internal/errors"
	"finger/internal/kernel"
	"finger/internal/react"
)

// KernelPlanner drives ReAct rounds through a kernel bridge session: one user
// turn per decision. ResetSession closes the backing child so the next round
// starts with an empty context.
type KernelPlanner struct {
	manager *kernel.Manager
	cfg     KernelPlannerConfig
}

// KernelPlannerConfig selects the session a planner speaks through.
type KernelPlannerConfig struct {
	SessionID  string
	ProviderID string
	AgentID    string
	// Options is applied to every turn.
	Options *kernel.TurnOptions
	// TimeoutMS overrides the manager's per-turn timeout when positive.
	TimeoutMS int64
}

var (
	_ react.Planner         = (*KernelPlanner)(nil)
	_ react.SessionResetter = (*KernelPlanner)(nil)
)

// NewKernelPlanner wires a planner onto mgr.
func NewKernelPlanner(mgr *kernel.Manager, cfg KernelPlannerConfig) (*KernelPlanner, error) {
	if mgr == nil {
		return nil, errors.Validation("kernel manager is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.Validation("session id is required")
	}
	return &KernelPlanner{manager: mgr, cfg: cfg}, nil
}

// Decide runs one retried turn and returns the agent's final message.
func (p *KernelPlanner) Decide(ctx context.Context, prompt string) (string, error) {
	res, err := p.manager.RunTurnWithRetry(ctx, kernel.TurnRequest{
		SessionID:  p.cfg.SessionID,
		ProviderID: p.cfg.ProviderID,
		AgentID:    p.cfg.AgentID,
		Items:      []kernel.InputItem{kernel.Text(prompt)},
		Options:    p.cfg.Options,
		TimeoutMS:  p.cfg.TimeoutMS,
	})
	if err != nil {
		return "", err
	}
	return res.LastAgentMessage, nil
}

// ResetSession shuts the backing child down; the next Decide spawns a fresh
// one.
func (p *KernelPlanner) ResetSession(ctx context.Context) error {
	return p.manager.CloseSession(ctx, p.cfg.SessionID, p.cfg.ProviderID)
}
