package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"finger/internal/action"
	"finger/internal/errors"
	"finger/internal/resource"
)

// Names of the workflow actions the machine exposes to its planner.
const (
	ActionHighDesign        = "HIGH_DESIGN"
	ActionDetailDesign      = "DETAIL_DESIGN"
	ActionDeliverables      = "DELIVERABLES"
	ActionPlan              = "PLAN"
	ActionParallelDispatch  = "PARALLEL_DISPATCH"
	ActionBlockedReview     = "BLOCKED_REVIEW"
	ActionVerify            = "VERIFY"
	ActionComplete          = "COMPLETE"
	ActionFail              = "FAIL"
	ActionStop              = "STOP"
	ActionStart             = "START"
	ActionQueryCapabilities = "QUERY_CAPABILITIES"
	ActionCheckpoint        = "CHECKPOINT"
)

// Actions returns the machine's workflow actions, one per transition the
// planner may trigger.
func (m *Machine) Actions() []action.Action {
	return []action.Action{
		m.highDesignAction(),
		m.detailDesignAction(),
		m.deliverablesAction(),
		m.planAction(),
		m.parallelDispatchAction(),
		m.blockedReviewAction(),
		m.verifyAction(),
		m.completeAction(),
		m.failAction(),
		m.stopAction(),
		m.startAction(),
		m.queryCapabilitiesAction(),
		m.checkpointAction(),
	}
}

// Register adds every workflow action to reg.
func (m *Machine) Register(reg *action.Registry) error {
	for _, a := range m.Actions() {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) highDesignAction() action.Action {
	return action.Action{
		Name:        ActionHighDesign,
		Description: "Record the high-level design for the user task",
		Schema: action.ObjectSchema(map[string]action.Property{
			"design": {Type: "string", Description: "Architecture and approach in a few paragraphs"},
		}, "design"),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			design, _ := action.String(params, "design")
			if err := m.RecordHighDesign(ctx, design); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success("high design recorded; next: DETAIL_DESIGN")
		},
	}
}

func (m *Machine) detailDesignAction() action.Action {
	return action.Action{
		Name:        ActionDetailDesign,
		Description: "Record the detailed design refining the high-level one",
		Schema: action.ObjectSchema(map[string]action.Property{
			"design": {Type: "string", Description: "Component-level design"},
		}, "design"),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			design, _ := action.String(params, "design")
			if err := m.RecordDetailDesign(ctx, design); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success("detailed design recorded; next: DELIVERABLES")
		},
	}
}

func (m *Machine) deliverablesAction() action.Action {
	return action.Action{
		Name:        ActionDeliverables,
		Description: "Declare the artifacts the workflow must produce",
		Schema: action.ObjectSchema(map[string]action.Property{
			"artifacts": {Type: "array", Description: "Artifact names; an empty list means verification gates on completion rate only"},
		}, "artifacts"),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			artifacts := anyStrings(params["artifacts"])
			if err := m.RecordDeliverables(ctx, artifacts); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success(fmt.Sprintf("%d deliverable(s) recorded; next: PLAN", len(artifacts)))
		},
	}
}

func (m *Machine) planAction() action.Action {
	return action.Action{
		Name:        ActionPlan,
		Description: "Submit the task plan; replaces any existing plan and resets failure history",
		Schema: action.ObjectSchema(map[string]action.Property{
			"tasks": {Type: "array", Description: "Task objects with description and optional id, dependencies, assignee"},
		}, "tasks"),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			tasks, err := parsePlanTasks(params)
			if err != nil {
				return action.Failure(errors.Observation(err))
			}
			if err := m.Plan(ctx, tasks); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success(fmt.Sprintf("plan accepted with %d task(s); next: PARALLEL_DISPATCH", len(tasks)))
		},
	}
}

func (m *Machine) parallelDispatchAction() action.Action {
	return action.Action{
		Name:        ActionParallelDispatch,
		Description: "Allocate resources and run ready tasks concurrently",
		Schema: action.ObjectSchema(map[string]action.Property{
			"taskIds": {Type: "array", Description: "Specific task ids to dispatch; omit to dispatch every ready task"},
		}),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			ids := anyStrings(params["taskIds"])
			report, err := m.ParallelDispatch(ctx, ids)
			if err != nil {
				res := action.Failure(errors.Observation(err))
				res.Data = map[string]any{"report": report}
				return res
			}
			res := action.Result{Success: true, Data: map[string]any{"report": report}}
			switch {
			case report.Escalated:
				res.Observation = "repeated task failures; workflow moved to replanning"
				res.ShouldStop = true
				res.StopReason = action.StopEscalate
			case len(report.Failed) > 0:
				res.Observation = fmt.Sprintf("dispatched %d task(s): %d completed, %d failed",
					len(report.Dispatched), len(report.Completed), len(report.Failed))
			default:
				res.Observation = fmt.Sprintf("dispatched %d task(s), all completed; next: VERIFY",
					len(report.Dispatched))
			}
			return res
		},
	}
}

func (m *Machine) blockedReviewAction() action.Action {
	return action.Action{
		Name:        ActionBlockedReview,
		Description: "Re-examine blocked tasks and run the eligible ones on the strongest available resource",
		Schema:      action.ObjectSchema(nil),
		Handler: func(ctx context.Context, _ map[string]any, _ action.Scope) action.Result {
			report, err := m.BlockedReview(ctx)
			if err != nil {
				return action.Failure(errors.Observation(err))
			}
			res := action.Result{Success: true, Data: map[string]any{"report": report}}
			res.Observation = fmt.Sprintf("review dispatched %d task(s): %d completed, %d failed, %d still blocked",
				len(report.Dispatched), len(report.Completed), len(report.Failed), len(report.Skipped))
			return res
		},
	}
}

func (m *Machine) verifyAction() action.Action {
	return action.Action{
		Name:        ActionVerify,
		Description: "Check deliverable coverage and completion rate; a pass completes the workflow",
		Schema:      action.ObjectSchema(nil),
		Handler: func(ctx context.Context, _ map[string]any, _ action.Scope) action.Result {
			report, err := m.Verify(ctx)
			if err != nil {
				return action.Failure(errors.Observation(err))
			}
			if !report.Passed {
				res := action.Failure(verifyFailReason(report))
				res.Data = map[string]any{"report": report}
				return res
			}
			return action.Result{
				Success: true,
				Observation: fmt.Sprintf("verification passed: %d/%d task(s) complete; workflow completed",
					report.Completed, report.Total),
				Data:       map[string]any{"report": report},
				ShouldStop: true,
				StopReason: action.StopComplete,
			}
		},
	}
}

func (m *Machine) completeAction() action.Action {
	return action.Action{
		Name:        ActionComplete,
		Description: "Finish the workflow; rejected while any task is unfinished",
		Schema: action.ObjectSchema(map[string]action.Property{
			"result": {Type: "string", Description: "Final result summary"},
		}),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			result, _ := action.String(params, "result")
			if err := m.Complete(ctx, result); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Result{
				Success:     true,
				Observation: "workflow completed",
				ShouldStop:  true,
				StopReason:  action.StopComplete,
			}
		},
	}
}

func (m *Machine) failAction() action.Action {
	return action.Action{
		Name:        ActionFail,
		Description: "Terminate the workflow as failed",
		Schema: action.ObjectSchema(map[string]action.Property{
			"reason": {Type: "string", Description: "Why the workflow cannot continue"},
		}),
		Handler: func(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
			reason, _ := action.String(params, "reason")
			if err := m.Fail(ctx, reason); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Result{
				Success:    false,
				Error:      "workflow failed: " + reason,
				ShouldStop: true,
				StopReason: action.StopFail,
			}
		},
	}
}

func (m *Machine) stopAction() action.Action {
	return action.Action{
		Name:        ActionStop,
		Description: "Park the workflow; a resource-related reason routes to blocked_review, anything else pauses",
		Schema: action.ObjectSchema(map[string]action.Property{
			"reason": {Type: "string", Description: "Why the workflow is stopping"},
		}, "reason"),
		Handler: func(_ context.Context, params map[string]any, _ action.Scope) action.Result {
			reason, _ := action.String(params, "reason")
			target, err := m.Stop(reason)
			if err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success(fmt.Sprintf("workflow stopped in %s; START resumes it", target))
		},
	}
}

func (m *Machine) startAction() action.Action {
	return action.Action{
		Name:        ActionStart,
		Description: "Resume a paused or blocked workflow after its blockers clear",
		Schema:      action.ObjectSchema(nil),
		Handler: func(_ context.Context, _ map[string]any, _ action.Scope) action.Result {
			if err := m.Start(); err != nil {
				return action.Failure(errors.Observation(err))
			}
			return action.Success("workflow resumed; next: PARALLEL_DISPATCH")
		},
	}
}

func (m *Machine) queryCapabilitiesAction() action.Action {
	return action.Action{
		Name:        ActionQueryCapabilities,
		Description: "List the resource pool's capabilities and status without changing phase",
		Schema:      action.ObjectSchema(nil),
		Handler: func(_ context.Context, _ map[string]any, _ action.Scope) action.Result {
			catalog, rep := m.QueryCapabilities()
			names := make([]string, 0, len(catalog))
			for name := range catalog {
				names = append(names, name)
			}
			sort.Strings(names)
			available := rep.ByStatus[resource.StatusAvailable]
			obs := fmt.Sprintf("%d resource(s), %d available; capabilities: %s",
				rep.Total, available, strings.Join(names, ", "))
			if len(names) == 0 {
				obs = fmt.Sprintf("%d resource(s), %d available; no capabilities registered",
					rep.Total, available)
			}
			res := action.Success(obs)
			res.Data = map[string]any{"catalog": catalog, "report": rep}
			return res
		},
	}
}

func (m *Machine) checkpointAction() action.Action {
	return action.Action{
		Name:        ActionCheckpoint,
		Description: "Write an out-of-band checkpoint; repeated failing checks escalate to replanning",
		Schema: action.ObjectSchema(map[string]action.Property{
			"trigger": {Type: "string", Description: "What prompted the checkpoint", Enum: []string{TriggerReentry, TriggerTaskFailure}},
			"reason":  {Type: "string", Description: "Free-form context stored with the snapshot"},
		}),
		Handler: func(_ context.Context, params map[string]any, _ action.Scope) action.Result {
			trigger, _ := action.String(params, "trigger")
			if trigger == "" {
				trigger = TriggerReentry
			}
			reason, _ := action.String(params, "reason")
			escalated, err := m.CheckpointNow(trigger, reason)
			if err != nil {
				return action.Failure(errors.Observation(err))
			}
			if escalated {
				return action.Result{
					Success:     true,
					Observation: "repeating failure detected; workflow moved to replanning",
					ShouldStop:  true,
					StopReason:  action.StopEscalate,
				}
			}
			return action.Success("checkpoint written")
		},
	}
}

// parsePlanTasks decodes the PLAN action's tasks parameter. Dependency lists
// are accepted under both "dependencies" and "dependsOn".
func parsePlanTasks(params map[string]any) ([]PlanTask, error) {
	raw, ok := params["tasks"].([]any)
	if !ok {
		return nil, errors.Validation("PLAN requires a tasks array of objects")
	}
	tasks := make([]PlanTask, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Validation("PLAN task %d must be an object", i+1)
		}
		t := PlanTask{}
		if s, ok := action.String(obj, "id"); ok {
			t.ID = s
		}
		if s, ok := action.String(obj, "description"); ok {
			t.Description = s
		}
		if s, ok := action.String(obj, "assignee"); ok {
			t.Assignee = s
		}
		deps := anyStrings(obj["dependencies"])
		if len(deps) == 0 {
			deps = anyStrings(obj["dependsOn"])
		}
		t.DependsOn = deps
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// anyStrings flattens a JSON-decoded or handwritten string list.
func anyStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
