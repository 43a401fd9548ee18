package orchestrator

import (
	"context"
	"fmt"

	"finger/internal/action"
	"finger/internal/errors"
	"finger/internal/logging"
	"finger/internal/react"
)

// RunConfig wires one orchestration run around a machine.
type RunConfig struct {
	Planner   react.Planner
	MaxRounds int
	Reviewer  react.Reviewer
	Snapshots react.SnapshotLogger
	Logger    logging.Logger
}

// Orchestrate drives the machine with a ReAct loop until the workflow
// completes, fails, or the loop's budget runs out. The orchestrator keeps
// one planner session across rounds so the workflow narrative accumulates.
// An escalate stop that did not already land in replanning forces the
// workflow there so the next run replans instead of resuming blindly.
func (m *Machine) Orchestrate(ctx context.Context, rc RunConfig) (react.Outcome, error) {
	if rc.Planner == nil {
		return react.Outcome{}, errors.Validation("orchestrate requires a planner")
	}
	reg := action.NewRegistry()
	if err := m.Register(reg); err != nil {
		return react.Outcome{}, err
	}
	logger := rc.Logger
	if logging.IsNil(logger) {
		logger = m.logger
	}
	loop, err := react.New(react.Config{
		Planner:  rc.Planner,
		Registry: reg,
		Reviewer: rc.Reviewer,
		Scope: action.Scope{
			SessionID: m.cfg.SessionID,
			EpicID:    m.cfg.EpicID,
			LoopID:    m.cfg.LoopID,
			AgentID:   m.cfg.AgentID,
		},
		AgentID:              m.cfg.AgentID,
		FreshSessionPerRound: false,
		Stop: react.StopConditions{
			CompleteActions: []string{ActionComplete},
			FailActions:     []string{ActionFail},
			MaxRounds:       rc.MaxRounds,
		},
		Snapshots: rc.Snapshots,
		Logger:    logger,
	})
	if err != nil {
		return react.Outcome{}, err
	}

	goal := m.UserTask()
	if phase := m.Phase(); phase != PhaseUnderstanding {
		goal = fmt.Sprintf("%s (resuming at phase %s)", goal, phase)
	}
	outcome, err := loop.Run(ctx, goal)
	if err != nil {
		return outcome, err
	}
	if outcome.StopReason == react.StopEscalate && m.Phase() != PhaseReplanning {
		if ferr := m.ForceReplanning(outcome.FinalObservation); ferr != nil {
			m.logger.Warn("force replanning after escalation: %v", ferr)
		}
	}
	return outcome, nil
}
