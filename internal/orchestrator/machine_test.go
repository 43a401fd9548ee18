package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"pgregory.net/rapid"

	"finger/internal/bus"
	"finger/internal/checkpoint"
	"finger/internal/errors"
	"finger/internal/loop"
	"finger/internal/resource"
	"finger/internal/tracker"
)

// stubDispatcher returns canned outcomes and records every request.
type stubDispatcher struct {
	mu    sync.Mutex
	calls []DispatchRequest
	fn    func(req DispatchRequest) DispatchResult
}

func (d *stubDispatcher) Dispatch(_ context.Context, req DispatchRequest) DispatchResult {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return DispatchResult{Success: true, Output: "done: " + req.Description, Rounds: 1}
}

func (d *stubDispatcher) requests() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.calls...)
}

// fixture runs a machine over real substrate: a file-backed pool, a
// checkpoint store, a bus with captured events, a memory tracker, and a loop
// manager holding epic-1.
type fixture struct {
	m     *Machine
	pool  *resource.Pool
	store *checkpoint.Store
	bus   *bus.Bus
	trk   *tracker.MemoryTracker
	loops *loop.Manager
	disp  *stubDispatcher

	mu     sync.Mutex
	events []bus.Event
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{}
	var err error
	f.pool, err = resource.Open(filepath.Join(t.TempDir(), "pool.json"), nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	f.store, err = checkpoint.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	f.bus = bus.New(bus.Config{})
	f.bus.SubscribeAll(func(evt bus.Event) {
		f.mu.Lock()
		f.events = append(f.events, evt)
		f.mu.Unlock()
	})
	f.trk = tracker.NewMemoryTracker()
	f.loops = loop.NewManager(loop.Config{Bus: f.bus})
	if _, err := f.loops.CreateEpic("epic-1", "build the report"); err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}
	f.disp = &stubDispatcher{}

	cfg := Config{
		SessionID:   "sess-1",
		EpicID:      "epic-1",
		UserTask:    "build the report",
		Pool:        f.pool,
		Dispatcher:  f.disp,
		Tracker:     f.trk,
		Checkpoints: f.store,
		Bus:         f.bus,
		Loops:       f.loops,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.m, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) eventsOf(types ...string) []bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(types))
	for _, tp := range types {
		want[tp] = true
	}
	var out []bus.Event
	for _, evt := range f.events {
		if want[evt.Type] {
			out = append(out, evt)
		}
	}
	return out
}

func addExecutor(t *testing.T, p *resource.Pool, id string, caps ...resource.Capability) {
	t.Helper()
	res := resource.Resource{ID: id, Name: id, Type: resource.TypeExecutor, Capabilities: caps}
	if _, err := p.AddResource(res); err != nil {
		t.Fatalf("AddResource %s: %v", id, err)
	}
}

// designThrough walks the machine through the design phases so dispatch
// tests start from a plannable state.
func designThrough(t *testing.T, m *Machine, deliverables []string) {
	t.Helper()
	ctx := context.Background()
	if err := m.RecordHighDesign(ctx, "split the work into independent file tasks"); err != nil {
		t.Fatalf("RecordHighDesign: %v", err)
	}
	if err := m.RecordDetailDesign(ctx, "each task writes one file and reports back"); err != nil {
		t.Fatalf("RecordDetailDesign: %v", err)
	}
	if err := m.RecordDeliverables(ctx, deliverables); err != nil {
		t.Fatalf("RecordDeliverables: %v", err)
	}
}

func TestNewMachineValidation(t *testing.T) {
	pool, err := resource.Open(filepath.Join(t.TempDir(), "pool.json"), nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	base := Config{SessionID: "s", EpicID: "e", UserTask: "do it", Pool: pool}

	for name, mutate := range map[string]func(*Config){
		"session": func(c *Config) { c.SessionID = "" },
		"epic":    func(c *Config) { c.EpicID = "" },
		"task":    func(c *Config) { c.UserTask = "  " },
		"pool":    func(c *Config) { c.Pool = nil },
	} {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg); !errors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	m, err := New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Phase() != PhaseUnderstanding || m.Round() != 0 {
		t.Fatalf("fresh machine in %s round %d", m.Phase(), m.Round())
	}
	if got := m.PhaseHistory(); len(got) != 1 || got[0] != PhaseUnderstanding {
		t.Fatalf("PhaseHistory = %v", got)
	}
}

func TestDesignPhaseFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.m.RecordDetailDesign(ctx, "too early"); !errors.IsValidation(err) {
		t.Fatalf("DETAIL_DESIGN before HIGH_DESIGN: %v", err)
	}
	if err := f.m.RecordHighDesign(ctx, ""); !errors.IsValidation(err) {
		t.Fatalf("empty HIGH_DESIGN: %v", err)
	}

	if err := f.m.RecordHighDesign(ctx, "three-layer pipeline"); err != nil {
		t.Fatalf("RecordHighDesign: %v", err)
	}
	if f.m.Phase() != PhaseHighDesign {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	transitions := f.eventsOf(bus.EventPhaseTransition)
	if len(transitions) != 1 {
		t.Fatalf("expected 1 phase_transition, got %d", len(transitions))
	}
	pl := transitions[0].Payload
	if pl["from"] != PhaseUnderstanding || pl["to"] != PhaseHighDesign || pl["triggerAction"] != ActionHighDesign {
		t.Fatalf("transition payload %v", pl)
	}
	if pl["round"] != 1 {
		t.Fatalf("round = %v", pl["round"])
	}
	if cpID, _ := pl["checkpointId"].(string); cpID == "" {
		t.Fatal("transition carries no checkpoint id")
	}
	epicTrs := f.eventsOf(bus.EventEpicPhaseTransition)
	if len(epicTrs) != 1 || epicTrs[0].Payload["to"] != PhaseHighDesign {
		t.Fatalf("epic transition events %v", epicTrs)
	}

	cp, ok, err := f.store.FindLatest("sess-1")
	if err != nil || !ok {
		t.Fatalf("FindLatest: ok=%v err=%v", ok, err)
	}
	if cp.Phase != PhaseHighDesign || cp.UserTask != "build the report" {
		t.Fatalf("checkpoint %+v", cp)
	}

	if err := f.m.RecordDetailDesign(ctx, "stage one parses, stage two writes"); err != nil {
		t.Fatalf("RecordDetailDesign: %v", err)
	}
	if err := f.m.RecordDeliverables(ctx, []string{"report.md", " ", "summary.md"}); err != nil {
		t.Fatalf("RecordDeliverables: %v", err)
	}
	arts := f.m.ArtifactsSnapshot()
	if !arts.DeliverablesDefined || len(arts.Deliverables) != 2 {
		t.Fatalf("artifacts %+v", arts)
	}
	if got := f.m.PhaseHistory(); strings.Join(got, ",") !=
		"understanding,high_design,detail_design,deliverables" {
		t.Fatalf("history %v", got)
	}

	// The lazily created epic issue carries the design trail.
	comments := f.trk.Comments("bd-1")
	if len(comments) != 3 ||
		!strings.HasPrefix(comments[0].Text, "HIGH_DESIGN:") ||
		!strings.HasPrefix(comments[1].Text, "DETAIL_DESIGN:") ||
		!strings.HasPrefix(comments[2].Text, "DELIVERABLES:") {
		t.Fatalf("epic comments %+v", comments)
	}

	flow, ok := f.loops.Flow("epic-1")
	if !ok || flow.Status != PhaseDeliverables {
		t.Fatalf("epic flow status %q", flow.Status)
	}
}

func TestPlanMarksReadiness(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)

	err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md"},
		{ID: "task-3", Description: "create file gamma.md merging both", DependsOn: []string{"task-1", "task-2"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if f.m.Phase() != PhasePlan {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	tasks := f.m.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("tasks %v", tasks)
	}
	if tasks[0].Status != TaskReady || tasks[1].Status != TaskReady || tasks[2].Status != TaskBlocked {
		t.Fatalf("statuses %s %s %s", tasks[0].Status, tasks[1].Status, tasks[2].Status)
	}

	// Plan registration mirrors the graph into the tracker: epic bd-1,
	// children bd-2..bd-4, dependencies on the third child.
	for i, node := range tasks {
		if node.TrackerID == "" {
			t.Fatalf("task %d has no tracker id", i)
		}
		shown, err := f.trk.ShowTask(ctx, node.TrackerID)
		if err != nil || shown.ParentID != "bd-1" {
			t.Fatalf("tracker task %s: %+v err=%v", node.TrackerID, shown, err)
		}
	}
	deps := f.trk.Dependencies(tasks[2].TrackerID)
	if len(deps) != 2 || deps[0] != tasks[0].TrackerID || deps[1] != tasks[1].TrackerID {
		t.Fatalf("tracker deps %v", deps)
	}

	updates := f.eventsOf(bus.EventPlanUpdated)
	if len(updates) != 1 || updates[0].Payload["replanned"] != false || updates[0].Payload["taskCount"] != 3 {
		t.Fatalf("plan_updated %v", updates)
	}

	// Malformed plans are rejected before touching the graph.
	for name, bad := range map[string][]PlanTask{
		"empty":       {},
		"no desc":     {{ID: "x", Description: "  "}},
		"dup":         {{ID: "a", Description: "a"}, {ID: "a", Description: "b"}},
		"unknown dep": {{ID: "a", Description: "a", DependsOn: []string{"zz"}}},
		"self dep":    {{ID: "a", Description: "a", DependsOn: []string{"a"}}},
		"cycle": {
			{ID: "a", Description: "a", DependsOn: []string{"b"}},
			{ID: "b", Description: "b", DependsOn: []string{"a"}},
		},
	} {
		if err := f.m.Plan(ctx, bad); !errors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if got := len(f.m.Tasks()); got != 3 {
		t.Fatalf("rejected plans mutated the graph: %d tasks", got)
	}
}

func TestReplanCarriesDiff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "write chapter one"},
		{ID: "task-2", Description: "write chapter two"},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "write chapter one"},
		{ID: "task-2", Description: "write chapter two, shorter"},
		{ID: "task-3", Description: "write the epilogue"},
	}); err != nil {
		t.Fatalf("replan: %v", err)
	}

	updates := f.eventsOf(bus.EventPlanUpdated)
	if len(updates) != 2 {
		t.Fatalf("expected 2 plan_updated events, got %d", len(updates))
	}
	second := updates[1].Payload
	if second["replanned"] != true {
		t.Fatalf("second plan not marked replanned: %v", second)
	}
	diffText, _ := second["diff"].(string)
	if !strings.Contains(diffText, "-task-2: write chapter two\n") ||
		!strings.Contains(diffText, "+task-2: write chapter two, shorter\n") ||
		!strings.Contains(diffText, "+task-3: write the epilogue\n") {
		t.Fatalf("diff missing expected lines:\n%s", diffText)
	}

	var found bool
	for _, c := range f.trk.Comments("bd-1") {
		if strings.HasPrefix(c.Text, "PLAN updated:") {
			found = true
		}
	}
	if !found {
		t.Fatal("replan posted no diff comment on the epic")
	}
}

func TestCompleteRequiresTerminalTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	if err := f.m.Plan(ctx, []PlanTask{{ID: "task-1", Description: "create file alpha.md"}}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if err := f.m.Complete(ctx, "done"); !errors.IsValidation(err) {
		t.Fatalf("COMPLETE with a ready task: %v", err)
	}

	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
	if _, err := f.m.ParallelDispatch(ctx, nil); err != nil {
		t.Fatalf("ParallelDispatch: %v", err)
	}
	if err := f.m.Complete(ctx, "all done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if f.m.Phase() != PhaseCompleted {
		t.Fatalf("phase = %s", f.m.Phase())
	}

	// Terminal means terminal.
	if err := f.m.Fail(ctx, "late"); !errors.IsValidation(err) {
		t.Fatalf("FAIL after COMPLETE: %v", err)
	}
	if _, err := f.m.Stop("whatever"); !errors.IsValidation(err) {
		t.Fatalf("STOP after COMPLETE: %v", err)
	}

	flow, ok := f.loops.Flow("epic-1")
	if !ok || flow.Status != "completed" {
		t.Fatalf("epic flow %q", flow.Status)
	}
	epic, err := f.trk.ShowTask(ctx, "bd-1")
	if err != nil || epic.Status != tracker.StatusClosed {
		t.Fatalf("epic issue %+v err=%v", epic, err)
	}
}

func TestVerifyGates(t *testing.T) {
	ctx := context.Background()

	t.Run("requires deliverables", func(t *testing.T) {
		f := newFixture(t, nil)
		if _, err := f.m.Verify(ctx); !errors.IsValidation(err) {
			t.Fatalf("VERIFY before DELIVERABLES: %v", err)
		}
	})

	t.Run("missing artifact fails even at full completion", func(t *testing.T) {
		f := newFixture(t, nil)
		designThrough(t, f.m, []string{"alpha.md", "omega.md"})
		addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
		if err := f.m.Plan(ctx, []PlanTask{{ID: "task-1", Description: "create file alpha.md"}}); err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if _, err := f.m.ParallelDispatch(ctx, nil); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		report, err := f.m.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if report.Passed || len(report.MissingArtifacts) != 1 || report.MissingArtifacts[0] != "omega.md" {
			t.Fatalf("report %+v", report)
		}
		if f.m.Phase() != PhaseVerify {
			t.Fatalf("failed verify should land in verify, got %s", f.m.Phase())
		}
	})

	t.Run("pass completes the workflow", func(t *testing.T) {
		f := newFixture(t, nil)
		designThrough(t, f.m, []string{"alpha.md"})
		addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
		if err := f.m.Plan(ctx, []PlanTask{{ID: "task-1", Description: "create file alpha.md"}}); err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if _, err := f.m.ParallelDispatch(ctx, nil); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		report, err := f.m.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !report.Passed || report.CompletionRate != 1 {
			t.Fatalf("report %+v", report)
		}
		if f.m.Phase() != PhaseCompleted {
			t.Fatalf("phase = %s", f.m.Phase())
		}
	})

	t.Run("empty deliverables gate on completion rate alone", func(t *testing.T) {
		f := newFixture(t, nil)
		designThrough(t, f.m, nil)
		for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
			addExecutor(t, f.pool, id, resource.Capability{Name: "file_ops", Level: 5})
		}

		// 3 of 4 completed is below the 0.8 default.
		f.disp.fn = func(req DispatchRequest) DispatchResult {
			if req.TaskID == "task-4" {
				return DispatchResult{Error: "broken"}
			}
			return DispatchResult{Success: true, Output: "ok"}
		}
		plan := []PlanTask{
			{ID: "task-1", Description: "create file a"},
			{ID: "task-2", Description: "create file b"},
			{ID: "task-3", Description: "create file c"},
			{ID: "task-4", Description: "create file d"},
		}
		if err := f.m.Plan(ctx, plan); err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if _, err := f.m.ParallelDispatch(ctx, nil); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		report, err := f.m.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if report.Passed || report.Completed != 3 || report.Failed != 1 {
			t.Fatalf("report %+v", report)
		}

		// 4 of 5 reaches exactly 0.8 and passes vacuously.
		f2 := newFixture(t, nil)
		designThrough(t, f2.m, nil)
		for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
			addExecutor(t, f2.pool, id, resource.Capability{Name: "file_ops", Level: 5})
		}
		f2.disp.fn = func(req DispatchRequest) DispatchResult {
			if req.TaskID == "task-5" {
				return DispatchResult{Error: "broken"}
			}
			return DispatchResult{Success: true, Output: "ok"}
		}
		plan = append(plan, PlanTask{ID: "task-5", Description: "create file e"})
		if err := f2.m.Plan(ctx, plan); err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if _, err := f2.m.ParallelDispatch(ctx, nil); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		report, err = f2.m.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !report.Passed || report.CompletionRate != 0.8 {
			t.Fatalf("report %+v", report)
		}
		if f2.m.Phase() != PhaseCompleted {
			t.Fatalf("phase = %s", f2.m.Phase())
		}
	})
}

func TestStopRouting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	target, err := f.m.Stop("operator requested a pause")
	if err != nil || target != PhasePaused {
		t.Fatalf("Stop: target=%q err=%v", target, err)
	}
	// Paused accepts only START.
	if err := f.m.RecordHighDesign(ctx, "nope"); !errors.IsValidation(err) {
		t.Fatalf("action while paused: %v", err)
	}
	if err := f.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.m.Phase() != PhasePlan {
		t.Fatalf("phase after resume = %s", f.m.Phase())
	}

	target, err = f.m.Stop("resource exhaustion on web_search")
	if err != nil || target != PhaseBlockedReview {
		t.Fatalf("resource stop: target=%q err=%v", target, err)
	}
}

func TestStartFromBlockedReviewRechecks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	if err := f.m.Plan(ctx, []PlanTask{{ID: "task-1", Description: "search the web for sources"}}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := f.m.Stop("resource shortage reported"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// task-1 needs web_search and the pool is empty.
	if err := f.m.Start(); !errors.IsResourceShortage(err) {
		t.Fatalf("expected resource shortage, got %v", err)
	}
	if f.m.Phase() != PhaseBlockedReview {
		t.Fatalf("failed START moved the phase to %s", f.m.Phase())
	}

	addExecutor(t, f.pool, "crawler", resource.Capability{Name: "web_search", Level: 4})
	if err := f.m.Start(); err != nil {
		t.Fatalf("Start after adding resource: %v", err)
	}
	if f.m.Phase() != PhasePlan {
		t.Fatalf("phase = %s", f.m.Phase())
	}
}

func TestCheckpointEscalation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, nil)
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if _, err := f.m.CheckpointNow("bogus", "x"); !errors.IsValidation(err) {
		t.Fatalf("bogus trigger: %v", err)
	}

	// First reentry check on a healthy workflow does not escalate.
	escalated, err := f.m.CheckpointNow(TriggerReentry, "routine")
	if err != nil || escalated {
		t.Fatalf("first check: escalated=%v err=%v", escalated, err)
	}

	f.disp.fn = func(DispatchRequest) DispatchResult {
		return DispatchResult{Error: "tool exploded"}
	}
	if err := f.m.Plan(ctx, []PlanTask{{ID: "task-1", Description: "create file alpha.md"}}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	report, err := f.m.ParallelDispatch(ctx, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Plan reset the check counter; the failed dispatch counted check one.
	if report.Escalated {
		t.Fatalf("first failure escalated: %+v", report)
	}
	if node, _ := f.m.Task("task-1"); node.Status != TaskFailed {
		t.Fatalf("task status %s", node.Status)
	}

	escalated, err = f.m.CheckpointNow(TriggerTaskFailure, "still broken")
	if err != nil || !escalated {
		t.Fatalf("repeat check: escalated=%v err=%v", escalated, err)
	}
	if f.m.Phase() != PhaseReplanning {
		t.Fatalf("phase = %s", f.m.Phase())
	}
}

func TestForceReplanning(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.m.ForceReplanning("planner escalated"); err != nil {
		t.Fatalf("ForceReplanning: %v", err)
	}
	if f.m.Phase() != PhaseReplanning {
		t.Fatalf("phase = %s", f.m.Phase())
	}
	before := f.m.Round()
	if err := f.m.ForceReplanning("again"); err != nil {
		t.Fatalf("repeat ForceReplanning: %v", err)
	}
	if f.m.Round() != before {
		t.Fatal("repeat ForceReplanning should be a no-op")
	}
}

func TestResumeRestoresState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	designThrough(t, f.m, []string{"alpha.md", "beta.md"})
	addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

	if err := f.m.Plan(ctx, []PlanTask{
		{ID: "task-1", Description: "create file alpha.md"},
		{ID: "task-2", Description: "create file beta.md", DependsOn: []string{"task-1"}},
	}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := f.m.ParallelDispatch(ctx, []string{"task-1"}); err != nil {
		t.Fatalf("dispatch task-1: %v", err)
	}

	// A new machine over the same session picks up where the first stopped.
	resumed, found, err := Resume(Config{
		SessionID:   "sess-1",
		EpicID:      "epic-1",
		UserTask:    "",
		Pool:        f.pool,
		Dispatcher:  f.disp,
		Checkpoints: f.store,
		Bus:         f.bus,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	})
	if err != nil || !found {
		t.Fatalf("Resume: found=%v err=%v", found, err)
	}
	if resumed.Phase() != PhaseParallelDispatch {
		t.Fatalf("resumed phase = %s", resumed.Phase())
	}
	if resumed.UserTask() != "build the report" {
		t.Fatalf("resumed task = %q", resumed.UserTask())
	}
	arts := resumed.ArtifactsSnapshot()
	if !arts.DeliverablesDefined || len(arts.Deliverables) != 2 || arts.HighDesign == "" {
		t.Fatalf("artifacts %+v", arts)
	}

	one, _ := resumed.Task("task-1")
	two, _ := resumed.Task("task-2")
	if one.Status != TaskCompleted {
		t.Fatalf("task-1 = %s", one.Status)
	}
	if two.Status != TaskReady {
		t.Fatalf("task-2 = %s (dependency completed, should be ready)", two.Status)
	}

	if _, err := resumed.ParallelDispatch(ctx, nil); err != nil {
		t.Fatalf("dispatch after resume: %v", err)
	}
	report, err := resumed.Verify(ctx)
	if err != nil || !report.Passed {
		t.Fatalf("Verify after resume: %+v err=%v", report, err)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	pool, err := resource.Open(filepath.Join(t.TempDir(), "pool.json"), nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	m, found, err := Resume(Config{
		SessionID:   "fresh",
		EpicID:      "epic-9",
		UserTask:    "start over",
		Pool:        pool,
		Checkpoints: store,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	})
	if err != nil || found {
		t.Fatalf("Resume: found=%v err=%v", found, err)
	}
	if m.Phase() != PhaseReplanning {
		t.Fatalf("phase = %s", m.Phase())
	}

	// Without a stored task and without a given one there is nothing to run.
	if _, _, err := Resume(Config{
		SessionID:   "fresh",
		EpicID:      "epic-9",
		Pool:        pool,
		Checkpoints: store,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	}); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResumeReleasesInterruptedAllocations(t *testing.T) {
	pool, err := resource.Open(filepath.Join(t.TempDir(), "pool.json"), nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	addExecutor(t, pool, "e1", resource.Capability{Name: "file_ops", Level: 5})
	store, err := checkpoint.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Simulate a crash mid-dispatch: a checkpoint with an in-progress task
	// and a live allocation still holding e1.
	alloc := pool.AllocateResources("task-1", []resource.Requirement{{Type: resource.TypeExecutor}})
	if !alloc.Success {
		t.Fatalf("seed allocation failed: %+v", alloc)
	}
	if err := pool.MarkTaskExecuting("task-1"); err != nil {
		t.Fatalf("MarkTaskExecuting: %v", err)
	}
	if _, err := store.Create(checkpoint.Checkpoint{
		SessionID: "sess-crash",
		UserTask:  "write the file",
		Phase:     PhaseParallelDispatch,
		TaskProgress: []checkpoint.TaskProgress{
			{TaskID: "task-1", Description: "create file alpha.md", Status: TaskInProgress, AssignedResource: "e1"},
		},
		PhaseHistory: []string{PhaseUnderstanding, PhasePlan, PhaseParallelDispatch},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, found, err := Resume(Config{
		SessionID:   "sess-crash",
		EpicID:      "epic-crash",
		Pool:        pool,
		Checkpoints: store,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	})
	if err != nil || !found {
		t.Fatalf("Resume: found=%v err=%v", found, err)
	}

	node, ok := m.Task("task-1")
	if !ok || node.Status != TaskReady {
		t.Fatalf("interrupted task %+v", node)
	}
	res, ok := pool.Get("e1")
	if !ok || res.Status != resource.StatusAvailable {
		t.Fatalf("resource not recovered: %+v", res)
	}
	if a, ok := pool.Allocation("task-1"); ok && a.Status.Live() {
		t.Fatalf("allocation still live: %+v", a)
	}
}

// TestReadyImpliesDepsCompleted drives random plans through random dispatch
// outcomes and checks the graph invariant: a ready task's dependencies are
// all completed.
func TestReadyImpliesDepsCompleted(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		designThrough(t, f.m, nil)
		addExecutor(t, f.pool, "e1", resource.Capability{Name: "file_ops", Level: 5})

		n := rapid.IntRange(1, 6).Draw(rt, "tasks")
		plan := make([]PlanTask, 0, n)
		ids := make([]string, 0, n)
		failing := map[string]bool{}
		for i := 0; i < n; i++ {
			id := plan2id(i)
			var deps []string
			if len(ids) > 0 {
				deps = rapid.SliceOfNDistinct(rapid.SampledFrom(ids), 0, len(ids), rapid.ID[string]).Draw(rt, "deps")
			}
			plan = append(plan, PlanTask{ID: id, Description: "create file " + id, DependsOn: deps})
			ids = append(ids, id)
			failing[id] = rapid.Bool().Draw(rt, "fail")
		}
		if err := f.m.Plan(ctx, plan); err != nil {
			t.Fatalf("Plan: %v", err)
		}

		// The dispatcher runs on its own goroutine; outcomes are drawn up
		// front so no rapid state is touched off the test goroutine.
		f.disp.fn = func(req DispatchRequest) DispatchResult {
			if failing[req.TaskID] {
				return DispatchResult{Error: "flaky"}
			}
			return DispatchResult{Success: true, Output: "ok"}
		}

		steps := rapid.IntRange(1, 2*n).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			if rapid.Bool().Draw(rt, "review") {
				if _, err := f.m.BlockedReview(ctx); err != nil {
					break
				}
			} else {
				var ready []string
				for _, node := range f.m.Tasks() {
					if node.Status == TaskReady {
						ready = append(ready, node.ID)
					}
				}
				if len(ready) == 0 {
					break
				}
				pick := ready[rapid.IntRange(0, len(ready)-1).Draw(rt, "pick")]
				if _, err := f.m.ParallelDispatch(ctx, []string{pick}); err != nil {
					break
				}
			}
			if f.m.Phase() == PhaseReplanning {
				break
			}
		}

		byID := map[string]TaskNode{}
		for _, node := range f.m.Tasks() {
			byID[node.ID] = node
		}
		for _, node := range byID {
			if node.Status != TaskReady {
				continue
			}
			for _, dep := range node.DependsOn {
				if byID[dep].Status != TaskCompleted {
					rt.Fatalf("task %s is ready but dependency %s is %s",
						node.ID, dep, byID[dep].Status)
				}
			}
		}
	})
}

func plan2id(i int) string {
	return "task-" + string(rune('a'+i))
}
