package orchestrator

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"finger/internal/bus"
	"finger/internal/config"
	"finger/internal/errors"
	"finger/internal/resource"
)

func TestInferRequirements(t *testing.T) {
	defaults := config.DefaultCapabilityRules()
	cases := []struct {
		name  string
		desc  string
		rules []config.CapabilityRule
		want  []resource.Requirement
	}{
		{
			name: "file keywords merge into one requirement",
			desc: "create file alpha.md",
			want: []resource.Requirement{
				{Type: resource.TypeExecutor, MinLevel: 3, Capabilities: []string{"file_ops"}},
			},
		},
		{
			name: "web keywords",
			desc: "search the web for sources",
			want: []resource.Requirement{
				{Type: resource.TypeExecutor, MinLevel: 3, Capabilities: []string{"web_search"}},
			},
		},
		{
			name: "no keyword falls back to a bare executor",
			desc: "coordinate the team standup",
			want: []resource.Requirement{{Type: resource.TypeExecutor}},
		},
		{
			name: "distinct capabilities keep first-hit order",
			desc: "verify and review the api docs",
			want: []resource.Requirement{
				{Type: resource.TypeReviewer, MinLevel: 5, Capabilities: []string{"code_review"}},
				{Type: resource.TypeAPI, MinLevel: 3, Capabilities: []string{"api_integration"}},
			},
		},
		{
			name: "merging keeps the highest minimum level",
			desc: "deploy to production",
			rules: []config.CapabilityRule{
				{Keyword: "deploy", Type: "executor", Capability: "shell", MinLevel: 2},
				{Keyword: "production", Type: "executor", Capability: "shell", MinLevel: 7},
			},
			want: []resource.Requirement{
				{Type: resource.TypeExecutor, MinLevel: 7, Capabilities: []string{"shell"}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rules := tc.rules
			if rules == nil {
				rules = defaults
			}
			got := InferRequirements(tc.desc, rules)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("InferRequirements(%q) = %+v, want %+v", tc.desc, got, tc.want)
			}
		})
	}
}

func TestParallelDispatchRunsReadyTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
	addExecutor(t, f.pool, "e2", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md"},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	report, err := f.m.ParallelDispatch(ctx, nil)
	if err != nil {
		t.Fatalf("ParallelDispatch: %v", err)
	}
	if len(report.Dispatched) != 2 || len(report.Completed) != 2 || len(report.Failed) != 0 {
		t.Fatalf("report %+v", report)
	}
	found := false
	for _, capName := range report.KnownCapabilities {
		if capName == "file_ops" {
			found = true
		}
	}
	if !found {
		t.Fatalf("KnownCapabilities %v", report.KnownCapabilities)
	}
	if f.m.Phase() != PhaseParallelDispatch {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	// Each request carried the workflow identity and its allocated resource.
	reqs := f.disp.requests()
	if len(reqs) != 2 {
		t.Fatalf("dispatcher saw %d requests", len(reqs))
	}
	for _, req := range reqs {
		if req.SessionID != "sess-1" || req.EpicID != "epic-1" {
			t.Fatalf("request identity %+v", req)
		}
		if len(req.Resources) != 1 {
			t.Fatalf("request %s resources %v", req.TaskID, req.Resources)
		}
		if req.Assignee != req.Resources[0].ID {
			t.Fatalf("request %s assignee %q", req.TaskID, req.Assignee)
		}
	}

	for _, id := range []string{"task-1", "task-2"} {
		node, ok := f.m.Task(id)
		if !ok || node.Status != TaskCompleted {
			t.Fatalf("%s: %+v", id, node)
		}
		if node.Result == nil || !strings.HasPrefix(node.Result.Output, "done: create file") {
			t.Fatalf("%s result %+v", id, node.Result)
		}
		if node.StartedAt == nil || node.CompletedAt == nil || node.Iterations != 1 {
			t.Fatalf("%s timing %+v", id, node)
		}
	}

	// Resources returned to the pool.
	for _, id := range []string{"e1", "e2"} {
		res, ok := f.pool.Get(id)
		if !ok || res.Status != resource.StatusAvailable {
			t.Fatalf("resource %s: %+v", id, res)
		}
	}

	if got := len(f.eventsOf(bus.EventTaskStarted)); got != 2 {
		t.Fatalf("task_started events = %d", got)
	}
	if got := len(f.eventsOf(bus.EventTaskCompleted)); got != 2 {
		t.Fatalf("task_completed events = %d", got)
	}
	progress := f.eventsOf(bus.EventWorkflowProgress)
	if len(progress) != 1 {
		t.Fatalf("workflow_progress events = %d", len(progress))
	}
	pl := progress[0].Payload
	if pl["completed"] != 2 || pl["total"] != 2 || pl["percent"] != 100.0 {
		t.Fatalf("progress payload %v", pl)
	}
}

func TestParallelDispatchShortageParksInBlockedReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md"},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// Two concurrent tasks, one executor: the batch cannot be allocated.
	report, err := f.m.ParallelDispatch(ctx, nil)
	if !errors.IsResourceShortage(err) {
		t.Fatalf("expected resource shortage, got %v", err)
	}
	if len(report.Missing) == 0 || len(report.Dispatched) != 0 {
		t.Fatalf("report %+v", report)
	}
	if f.m.Phase() != PhaseBlockedReview {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	// Nothing ran and the partial allocation was rolled back.
	if got := len(f.disp.requests()); got != 0 {
		t.Fatalf("dispatcher saw %d requests", got)
	}
	for _, id := range []string{"task-1", "task-2"} {
		node, _ := f.m.Task(id)
		if node.Status != TaskReady {
			t.Fatalf("%s = %s, want ready", id, node.Status)
		}
	}
	res, _ := f.pool.Get("e1")
	if res.Status != resource.StatusAvailable || res.Failures != 0 {
		t.Fatalf("rollback left e1 as %+v", res)
	}

	shortages := f.eventsOf(bus.EventResourceShortage)
	if len(shortages) != 1 {
		t.Fatalf("resource_shortage events = %d", len(shortages))
	}
	summary, _ := shortages[0].Payload["summary"].(string)
	if !strings.Contains(summary, "executor") {
		t.Fatalf("shortage summary %q", summary)
	}

	// Recovery: grow the pool, resume, dispatch again.
	addExecutor(t, f.pool, "e2", resource.Capability{Name: "file_ops", Level: 5})
	if err := f.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.m.Phase() != PhasePlan {
		t.Fatalf("phase after resume = %s", f.m.Phase())
	}
	report, err = f.m.ParallelDispatch(ctx, nil)
	if err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}
	if len(report.Completed) != 2 {
		t.Fatalf("recovery report %+v", report)
	}
}

func TestParallelDispatchRejectsUnsatisfiableRequirements(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "update the sql database records"},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// The availability pre-check fails before any allocation.
	_, err := f.m.ParallelDispatch(ctx, nil)
	if !errors.IsResourceShortage(err) {
		t.Fatalf("expected resource shortage, got %v", err)
	}
	if f.m.Phase() != PhaseBlockedReview {
		t.Fatalf("phase = %s", f.m.Phase())
	}
	if got := len(f.eventsOf(bus.EventTaskStarted)); got != 0 {
		t.Fatalf("pre-check dispatched %d task(s)", got)
	}
	node, _ := f.m.Task("task-1")
	if node.Status != TaskReady {
		t.Fatalf("task-1 = %s", node.Status)
	}
}

func TestBlockedReviewPrefersStrongestResource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
	addExecutor(t, f.pool, "e2", resource.Capability{Name: "file_ops", Level: 9})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md", DependsOn: []string{"task-1"}},
		{ID: "task-3", Description: "create file gamma.md", DependsOn: []string{"task-2"}},
		{ID: "task-4", Description: "query the database for rows", DependsOn: []string{"task-1"}},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := f.m.ParallelDispatch(ctx, []string{"task-1"}); err != nil {
		t.Fatalf("dispatch task-1: %v", err)
	}

	report, err := f.m.BlockedReview(ctx)
	if err != nil {
		t.Fatalf("BlockedReview: %v", err)
	}
	if f.m.Phase() != PhaseBlockedReview {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	// task-2's dependencies are complete; review lifts its requirement to the
	// strongest available file_ops worker.
	if len(report.Dispatched) != 1 || report.Dispatched[0] != "task-2" ||
		len(report.Completed) != 1 || report.Completed[0] != "task-2" {
		t.Fatalf("report %+v", report)
	}
	two, _ := f.m.Task("task-2")
	if two.Status != TaskCompleted || two.Assignee != "e2" {
		t.Fatalf("task-2 %+v", two)
	}
	var reviewed *DispatchRequest
	for _, req := range f.disp.requests() {
		if req.TaskID == "task-2" {
			r := req
			reviewed = &r
		}
	}
	if reviewed == nil || len(reviewed.Resources) != 1 || reviewed.Resources[0].ID != "e2" {
		t.Fatalf("review request %+v", reviewed)
	}

	// task-4 has no database resource: reported, still blocked, not failed.
	if len(report.Skipped) != 1 || report.Skipped[0] != "task-4" || len(report.Missing) == 0 {
		t.Fatalf("report %+v", report)
	}
	four, _ := f.m.Task("task-4")
	if four.Status != TaskBlocked {
		t.Fatalf("task-4 = %s", four.Status)
	}

	// task-3 waits on the still-running chain.
	var sawWaiting, sawUnservable bool
	for _, obs := range report.Observations {
		if strings.Contains(obs, "task-3 stays blocked: dependencies incomplete") {
			sawWaiting = true
		}
		if strings.Contains(obs, "task-4 stays blocked: no resource satisfies") {
			sawUnservable = true
		}
	}
	if !sawWaiting || !sawUnservable {
		t.Fatalf("observations %v", report.Observations)
	}
	three, _ := f.m.Task("task-3")
	if three.Status != TaskBlocked {
		t.Fatalf("task-3 = %s", three.Status)
	}
}

func TestBlockedReviewWithNothingEligible(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md", DependsOn: []string{"task-1"}},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	report, err := f.m.BlockedReview(ctx)
	if err != nil {
		t.Fatalf("BlockedReview: %v", err)
	}
	if len(report.Dispatched) != 0 {
		t.Fatalf("report %+v", report)
	}
	var saw bool
	for _, obs := range report.Observations {
		if strings.Contains(obs, "no blocked tasks eligible") {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("observations %v", report.Observations)
	}
}

func TestDispatchEscalatesOnRepeatedFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
	addExecutor(t, f.pool, "e2", resource.Capability{Name: "file_ops", Level: 5})
	f.disp.fn = func(DispatchRequest) DispatchResult {
		return DispatchResult{Error: "boom"}
	}

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md"},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	report, err := f.m.ParallelDispatch(ctx, []string{"task-1"})
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if report.Escalated || len(report.Failed) != 1 {
		t.Fatalf("first round %+v", report)
	}
	if f.m.Phase() != PhaseParallelDispatch {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	report, err = f.m.ParallelDispatch(ctx, []string{"task-2"})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !report.Escalated {
		t.Fatalf("second round did not escalate: %+v", report)
	}
	if f.m.Phase() != PhaseReplanning {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	failures := f.eventsOf(bus.EventTaskFailed)
	if len(failures) != 2 {
		t.Fatalf("task_failed events = %d", len(failures))
	}
	if failures[0].Payload["error"] != "boom" {
		t.Fatalf("failure payload %v", failures[0].Payload)
	}

	// Replanning accepts a fresh plan and clears the failure history.
	f.disp.fn = nil
	if err := f.m.Plan(ctx, []PlanTask{{ID: "task-3", Description: "create file delta.md"}}); err != nil {
		t.Fatalf("replan: %v", err)
	}
	report, err = f.m.ParallelDispatch(ctx, nil)
	if err != nil || len(report.Completed) != 1 || report.Escalated {
		t.Fatalf("dispatch after replan: %+v err=%v", report, err)
	}
}

func TestParallelDispatchSkipsNonReadyExplicitIDs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md", DependsOn: []string{"task-1"}},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if _, err := f.m.ParallelDispatch(ctx, []string{"task-9"}); !errors.IsValidation(err) {
		t.Fatalf("unknown id: %v", err)
	}

	report, err := f.m.ParallelDispatch(ctx, []string{"task-1", "task-2"})
	if err != nil {
		t.Fatalf("ParallelDispatch: %v", err)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0] != "task-1" {
		t.Fatalf("dispatched %v", report.Dispatched)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "task-2" {
		t.Fatalf("skipped %v", report.Skipped)
	}

	// With task-1 done, the dependent promotes at the next dispatch.
	report, err = f.m.ParallelDispatch(ctx, nil)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(report.Completed) != 1 || report.Completed[0] != "task-2" {
		t.Fatalf("report %+v", report)
	}
}
