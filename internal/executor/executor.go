// Package executor runs one dispatched task through a ReAct loop armed with
// primitive file, shell, and web actions. Every action verdict is mirrored
// onto the task's tracker issue and surfaced as an exec node on the task's
// loop, so observers and the orchestrator see per-step movement without
// polling the agent.
package executor

import (
	"context"
	"fmt"
	"strings"

	"finger/internal/action"
	"finger/internal/bus"
	"finger/internal/errors"
	"finger/internal/logging"
	"finger/internal/loop"
	"finger/internal/react"
	"finger/internal/tracker"
)

// DefaultMaxIterations bounds a task's ReAct rounds when the config leaves it
// zero.
const DefaultMaxIterations = 10

// Config wires an Executor.
type Config struct {
	// AgentID identifies this executor in events, tracker comments, and logs.
	AgentID string
	// WorkDir anchors relative paths for the file and shell primitives.
	WorkDir string
	Planner react.Planner
	// Registry supplies the action set. Nil means the built-in primitives.
	Registry *action.Registry
	// Tracker mirrors action verdicts onto the task's tracker issue. Nil
	// disables mirroring.
	Tracker tracker.Tracker
	// Loops receives one exec node per completed action. Nil falls back to
	// plain bus events.
	Loops *loop.Manager
	Bus   *bus.Bus
	// MaxIterations is the per-task round budget.
	MaxIterations int
	// KeepSession reuses one planner session across rounds instead of the
	// executor default of reconnecting fresh each round.
	KeepSession bool
	Snapshots   react.SnapshotLogger
	Logger      logging.Logger
}

// Task is one unit of dispatched work.
type Task struct {
	TaskID string
	// TrackerID is the tracker issue mirroring this task. Empty skips
	// tracker sync.
	TrackerID string
	EpicID    string
	SessionID string
	// LoopID names the running loop that receives exec progress nodes.
	LoopID      string
	Description string
}

// Result reports how a task run ended.
type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	StopReason string `json:"stopReason"`
	Rounds     int    `json:"rounds"`
}

// Executor drives tasks to completion. One Executor serves one agent identity
// and runs tasks sequentially; concurrent tasks get their own Executor.
type Executor struct {
	cfg    Config
	base   *action.Registry
	logger logging.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Executor, error) {
	if cfg.Planner == nil {
		return nil, errors.Validation("planner is required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "executor"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	base := cfg.Registry
	if base == nil {
		base = action.NewRegistry()
		if err := RegisterBuiltins(base); err != nil {
			return nil, err
		}
	}
	return &Executor{cfg: cfg, base: base, logger: logging.OrNop(cfg.Logger)}, nil
}

// ExecuteTask runs one task until COMPLETE, FAIL, or a loop stop condition
// fires. The returned error is non-nil only for hard failures (cancellation,
// planner errors, decisions that survive the repair budget); ordinary failure
// verdicts come back in the Result.
func (e *Executor) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	if strings.TrimSpace(task.Description) == "" {
		return Result{}, errors.Validation("task description is required")
	}
	reg, err := e.taskRegistry(task)
	if err != nil {
		return Result{}, err
	}
	rl, err := react.New(react.Config{
		Planner:  e.cfg.Planner,
		Registry: reg,
		Scope: action.Scope{
			SessionID: task.SessionID,
			EpicID:    task.EpicID,
			LoopID:    task.LoopID,
			TaskID:    task.TaskID,
			AgentID:   e.cfg.AgentID,
			WorkDir:   e.cfg.WorkDir,
		},
		AgentID:              e.cfg.AgentID,
		FreshSessionPerRound: !e.cfg.KeepSession,
		Stop: react.StopConditions{
			CompleteActions: []string{ActionComplete},
			FailActions:     []string{ActionFail},
			MaxRounds:       e.cfg.MaxIterations,
		},
		Snapshots: e.cfg.Snapshots,
		Logger:    e.cfg.Logger,
	})
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("agent %s: task %s starting (%d round budget)", e.cfg.AgentID, task.TaskID, e.cfg.MaxIterations)
	outcome, runErr := rl.Run(ctx, task.Description)
	res := Result{
		Success:    outcome.Succeeded,
		Output:     outcome.FinalObservation,
		StopReason: outcome.StopReason,
		Rounds:     outcome.Rounds,
	}
	if runErr != nil {
		res.Error = errors.Observation(runErr)
		e.blockTracker(ctx, task, fmt.Sprintf("aborted after %d round(s): %s", res.Rounds, capText(res.Error, 300)))
		e.logger.Warn("agent %s: task %s aborted after %d round(s): %v", e.cfg.AgentID, task.TaskID, res.Rounds, runErr)
		return res, runErr
	}
	if !res.Success {
		res.Error = outcome.FinalObservation
		// FAIL already blocked the issue through its own sync; budget and
		// stuck stops have not.
		if res.StopReason != react.StopFail {
			e.blockTracker(ctx, task, fmt.Sprintf("stopped after %d round(s): %s: %s",
				res.Rounds, res.StopReason, capText(res.Error, 300)))
		}
	}
	e.logger.Info("agent %s: task %s stopped (%s) after %d round(s)", e.cfg.AgentID, task.TaskID, res.StopReason, res.Rounds)
	return res, nil
}

// taskRegistry wraps every base action for this task: tracker sync innermost,
// progress reporting outermost.
func (e *Executor) taskRegistry(task Task) (*action.Registry, error) {
	reg := action.NewRegistry()
	for _, name := range e.base.Names() {
		a, ok := e.base.Get(name)
		if !ok {
			continue
		}
		a = a.Wrap(e.trackerSync(name, task))
		a = a.Wrap(e.progress(name, task))
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// trackerSync mirrors each verdict onto the tracker issue: COMPLETE closes it
// with the observation, FAIL blocks it with the reason, every other action
// leaves a comment. Tracker trouble is logged and never flips the verdict.
func (e *Executor) trackerSync(name string, task Task) action.Middleware {
	return func(next action.Handler) action.Handler {
		return func(ctx context.Context, params map[string]any, scope action.Scope) action.Result {
			result := next(ctx, params, scope)
			if e.cfg.Tracker == nil || task.TrackerID == "" {
				return result
			}
			// Tracker writes survive a cancelled run context.
			tctx := context.WithoutCancel(ctx)
			var err error
			switch {
			case name == ActionComplete && result.Success:
				err = e.cfg.Tracker.CloseTask(tctx, task.TrackerID, result.Observation)
			case name == ActionFail:
				reason := result.Error
				if reason == "" {
					reason = result.Observation
				}
				err = e.cfg.Tracker.MarkBlocked(tctx, task.TrackerID, reason)
			default:
				note := result.Observation
				if note == "" {
					note = result.Error
				}
				if note == "" {
					return result
				}
				err = e.cfg.Tracker.Comment(tctx, task.TrackerID, e.cfg.AgentID,
					fmt.Sprintf("%s: %s", name, capText(note, 500)))
			}
			if err != nil {
				e.logger.Warn("agent %s: tracker sync for %s on %s failed: %v", e.cfg.AgentID, name, task.TrackerID, err)
			}
			return result
		}
	}
}

// progress appends one exec node per completed action so observers see the
// step stream in real time.
func (e *Executor) progress(name string, task Task) action.Middleware {
	return func(next action.Handler) action.Handler {
		return func(ctx context.Context, params map[string]any, scope action.Scope) action.Result {
			result := next(ctx, params, scope)
			e.recordStep(task, name, result)
			return result
		}
	}
}

func (e *Executor) recordStep(task Task, name string, result action.Result) {
	status := loop.NodeDone
	if !result.Success {
		status = loop.NodeFailed
	}
	text := result.Observation
	if text == "" {
		text = result.Error
	}
	if e.cfg.Loops != nil && task.LoopID != "" {
		_, err := e.cfg.Loops.AddNode(task.LoopID, loop.Node{
			Type:     loop.NodeExec,
			Status:   status,
			Title:    name,
			Text:     capText(text, 2000),
			AgentID:  e.cfg.AgentID,
			Metadata: map[string]any{"taskId": task.TaskID},
		})
		if err == nil {
			return
		}
		e.logger.Warn("agent %s: exec node for loop %s failed: %v", e.cfg.AgentID, task.LoopID, err)
	}
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Emit(bus.Event{
		Type:       bus.EventLoopNodeUpdated,
		SessionID:  task.SessionID,
		WorkflowID: task.EpicID,
		TaskID:     task.TaskID,
		AgentID:    e.cfg.AgentID,
		Payload: map[string]any{
			"type":   loop.NodeExec,
			"status": status,
			"title":  name,
		},
	})
}

func (e *Executor) blockTracker(ctx context.Context, task Task, reason string) {
	if e.cfg.Tracker == nil || task.TrackerID == "" {
		return
	}
	if err := e.cfg.Tracker.MarkBlocked(context.WithoutCancel(ctx), task.TrackerID, reason); err != nil {
		e.logger.Warn("agent %s: tracker block for %s failed: %v", e.cfg.AgentID, task.TrackerID, err)
	}
}
