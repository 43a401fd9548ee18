package orchestrator

import (
	"context"
	"fmt"

	"finger/internal/executor"
	"finger/internal/logging"
	"finger/internal/react"
)

// PlannerFactory builds a planner bound to one executor agent identity.
type PlannerFactory func(agentID string) (react.Planner, error)

// ExecutorDispatcher runs dispatched tasks through executor ReAct loops, one
// fresh executor per task so concurrent dispatches never share loop state.
// The executor identity is the allocated resource.
type ExecutorDispatcher struct {
	Planners PlannerFactory
	// Base supplies the wiring every task shares: workdir, tracker, loops,
	// bus, budgets. AgentID and Planner are set per dispatch.
	Base   executor.Config
	Logger logging.Logger
}

// Dispatch implements Dispatcher. Build and planner failures come back as
// failed results rather than panics so one bad dispatch never takes down a
// parallel batch.
func (d *ExecutorDispatcher) Dispatch(ctx context.Context, req DispatchRequest) DispatchResult {
	if d.Planners == nil {
		return DispatchResult{Error: "executor dispatcher has no planner factory"}
	}
	agentID := req.Assignee
	if agentID == "" && len(req.Resources) > 0 {
		agentID = req.Resources[0].ID
	}
	if agentID == "" {
		agentID = "executor-" + req.TaskID
	}
	planner, err := d.Planners(agentID)
	if err != nil {
		return DispatchResult{Error: fmt.Sprintf("planner for %s: %v", agentID, err)}
	}

	cfg := d.Base
	cfg.AgentID = agentID
	cfg.Planner = planner
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = d.Logger
	}
	exec, err := executor.New(cfg)
	if err != nil {
		return DispatchResult{Error: fmt.Sprintf("build executor for %s: %v", agentID, err)}
	}

	res, err := exec.ExecuteTask(ctx, executor.Task{
		TaskID:      req.TaskID,
		TrackerID:   req.TrackerID,
		EpicID:      req.EpicID,
		SessionID:   req.SessionID,
		LoopID:      req.LoopID,
		Description: req.Description,
	})
	if err != nil {
		return DispatchResult{Error: err.Error()}
	}
	return DispatchResult{
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
		Rounds:  res.Rounds,
	}
}
