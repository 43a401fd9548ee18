package server

import (
	"context"
	"fmt"
	"strings"

	"finger/internal/errors"
	"finger/internal/executor"
	"finger/internal/ids"
	"finger/internal/logging"
	"finger/internal/loop"
	"finger/internal/orchestrator"
	"finger/internal/react"
	"finger/internal/session"
)

// orchestratorAgent drives a full workflow: session resolution, epic and
// loop bookkeeping, the phase machine, and parallel task dispatch.
type orchestratorAgent struct {
	app *App
}

func (o *orchestratorAgent) ID() string { return TargetOrchestrator }

// Handle runs one orchestration. A message naming an existing session with a
// checkpoint resumes it; anything else opens a fresh epic in understanding.
func (o *orchestratorAgent) Handle(ctx context.Context, msg Inbound) (any, error) {
	app := o.app
	task := strings.TrimSpace(msg.Content)

	sess, err := o.resolveSession(msg, task)
	if err != nil {
		return nil, err
	}
	if task != "" {
		o.appendMessage(sess.ID, session.Message{Role: "user", Content: task, Kind: "text"})
	}

	epicID := "epic-" + ids.NewEventID()[:8]
	if _, err := app.loops.CreateEpic(epicID, task); err != nil {
		return nil, err
	}
	lp, err := app.loops.CreateLoop(epicID, loop.PhasePlan, "")
	if err != nil {
		return nil, err
	}
	if err := app.loops.QueueLoop(lp.ID); err != nil {
		return nil, err
	}
	if _, err := app.loops.StartLoop(lp.ID); err != nil {
		return nil, err
	}

	machine, resumed, err := o.buildMachine(sess, epicID, lp.ID, task)
	if err != nil {
		return nil, err
	}
	if resumed {
		app.logger.Info("session %s resumed at phase %s", sess.ID, machine.Phase())
	}
	o.attachWorkflow(sess.ID, epicID)

	planner, err := executor.NewKernelPlanner(app.kernel, executor.KernelPlannerConfig{
		SessionID:  sess.ID,
		ProviderID: msg.ProviderID,
		AgentID:    TargetOrchestrator,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := machine.Orchestrate(ctx, orchestrator.RunConfig{
		Planner:   planner,
		MaxRounds: app.cfg.MaxRounds,
		Logger:    logging.WithPrefix(app.logger, TargetOrchestrator),
	})
	o.settle(sess.ID, epicID, lp.ID, machine, outcome, err)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"sessionId":  sess.ID,
		"epicId":     epicID,
		"phase":      machine.Phase(),
		"succeeded":  outcome.Succeeded,
		"stopReason": outcome.StopReason,
		"rounds":     outcome.Rounds,
		"summary":    outcome.FinalObservation,
	}, nil
}

// resolveSession finds the session the workflow runs in: explicit id first,
// then auto-resume, then a fresh session bound to the project directory.
func (o *orchestratorAgent) resolveSession(msg Inbound, task string) (session.Session, error) {
	app := o.app
	app.sessMu.Lock()
	defer app.sessMu.Unlock()

	if msg.SessionID != "" {
		sess, ok := app.sessions.GetSession(msg.SessionID)
		if !ok {
			return session.Session{}, errors.Validation("unknown session %s", msg.SessionID)
		}
		_ = app.sessions.MarkAccessed(sess.ID)
		return sess, nil
	}
	if task == "" {
		if sess, ok := app.sessions.AutoResume(); ok {
			return sess, nil
		}
		return session.Session{}, errors.Validation("orchestrate requires a task or a resumable session")
	}
	name := task
	if len(name) > 48 {
		name = name[:48]
	}
	return app.sessions.CreateSession(name, msg.ProjectDir)
}

// buildMachine resumes from the latest checkpoint when one exists, otherwise
// opens a fresh machine in understanding.
func (o *orchestratorAgent) buildMachine(sess session.Session, epicID, loopID, task string) (*orchestrator.Machine, bool, error) {
	app := o.app
	cfg := orchestrator.Config{
		SessionID:   sess.ID,
		EpicID:      epicID,
		UserTask:    task,
		Pool:        app.pool,
		Dispatcher:  o.dispatcher(sess),
		Tracker:     app.tracker,
		Checkpoints: app.checkpoints,
		Bus:         app.bus,
		Loops:       app.loops,
		LoopID:      loopID,
		Rules:       app.cfg.CapabilityRules,
		AgentID:     TargetOrchestrator,
		Logger:      logging.WithPrefix(app.logger, "machine"),
	}
	if _, ok, err := app.checkpoints.FindLatest(sess.ID); err == nil && ok {
		return orchestrator.Resume(cfg)
	}
	m, err := orchestrator.New(cfg)
	return m, false, err
}

// dispatcher builds executors on demand, one per allocated resource, all
// sharing the workflow's tracker, loops, and bus wiring.
func (o *orchestratorAgent) dispatcher(sess session.Session) orchestrator.Dispatcher {
	app := o.app
	return &orchestrator.ExecutorDispatcher{
		Planners: func(agentID string) (react.Planner, error) {
			return executor.NewKernelPlanner(app.kernel, executor.KernelPlannerConfig{
				SessionID: fmt.Sprintf("%s::%s", sess.ID, agentID),
				AgentID:   agentID,
			})
		},
		Base: executor.Config{
			WorkDir:       sess.ProjectDir,
			Tracker:       app.tracker,
			Loops:         app.loops,
			Bus:           app.bus,
			MaxIterations: app.cfg.MaxRounds,
		},
		Logger: logging.WithPrefix(app.logger, "dispatch"),
	}
}

// settle closes the loop-manager bookkeeping and records the outcome on the
// session log.
func (o *orchestratorAgent) settle(sessionID, epicID, loopID string, machine *orchestrator.Machine, outcome react.Outcome, runErr error) {
	app := o.app
	result := outcome.StopReason
	success := runErr == nil && outcome.Succeeded
	if runErr != nil {
		result = "failed"
	}
	if _, err := app.loops.CompleteLoop(loopID, result); err != nil {
		app.logger.Warn("complete loop %s: %v", loopID, err)
	}
	if err := app.loops.CompleteEpic(epicID, success, result); err != nil {
		app.logger.Warn("complete epic %s: %v", epicID, err)
	}

	content := outcome.FinalObservation
	if runErr != nil {
		content = runErr.Error()
	}
	if content == "" {
		content = fmt.Sprintf("workflow ended in phase %s (%s)", machine.Phase(), result)
	}
	o.appendMessage(sessionID, session.Message{
		Role:       "orchestrator",
		Content:    content,
		WorkflowID: epicID,
		Kind:       "task_update",
	})
}

func (o *orchestratorAgent) appendMessage(sessionID string, msg session.Message) {
	app := o.app
	app.sessMu.Lock()
	defer app.sessMu.Unlock()
	if _, err := app.sessions.AddMessage(sessionID, msg); err != nil {
		app.logger.Warn("append session message: %v", err)
	}
}

func (o *orchestratorAgent) attachWorkflow(sessionID, epicID string) {
	app := o.app
	app.sessMu.Lock()
	defer app.sessMu.Unlock()
	if err := app.sessions.AttachWorkflow(sessionID, epicID); err != nil {
		app.logger.Warn("attach workflow: %v", err)
	}
}
