package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"finger/internal/bus"
	"finger/internal/checkpoint"
	"finger/internal/config"
	"finger/internal/errors"
	"finger/internal/logging"
	"finger/internal/loop"
	"finger/internal/resource"
	"finger/internal/tracker"
)

// DefaultVerifyThreshold is the completion rate VERIFY requires when the
// caller does not configure one.
const DefaultVerifyThreshold = 0.8

// Config wires a Machine to the substrate it orchestrates over. SessionID,
// EpicID, UserTask, and Pool are required; everything else degrades to a
// quieter machine when absent.
type Config struct {
	SessionID string
	EpicID    string
	UserTask  string

	Pool        *resource.Pool
	Dispatcher  Dispatcher
	Tracker     tracker.Tracker
	Checkpoints *checkpoint.Store
	Bus         *bus.Bus
	Loops       *loop.Manager
	LoopID      string

	Rules           []config.CapabilityRule
	VerifyThreshold float64
	AgentID         string
	Metrics         *Metrics
	Logger          logging.Logger
}

// Machine is the phased workflow state machine. Every transition validates
// its predecessor state, mutates under the lock, writes a checkpoint, and is
// announced on the bus after the lock is released.
type Machine struct {
	cfg     Config
	logger  logging.Logger
	metrics *Metrics
	rules   []config.CapabilityRule

	mu               sync.Mutex
	phase            string
	round            int
	graph            map[string]*TaskNode
	order            []string
	artifacts        Artifacts
	phaseHistory     []string
	lastError        string
	checkpointChecks int
	lastPlanText     string
	epicTrackerID    string
	lastCheckpointID string
}

// New builds a machine in the understanding phase.
func New(cfg Config) (*Machine, error) {
	if cfg.SessionID == "" {
		return nil, errors.Validation("orchestrator requires a session id")
	}
	if cfg.EpicID == "" {
		return nil, errors.Validation("orchestrator requires an epic id")
	}
	if strings.TrimSpace(cfg.UserTask) == "" {
		return nil, errors.Validation("orchestrator requires a user task")
	}
	if cfg.Pool == nil {
		return nil, errors.Validation("orchestrator requires a resource pool")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "orchestrator"
	}
	if cfg.VerifyThreshold <= 0 {
		cfg.VerifyThreshold = DefaultVerifyThreshold
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = config.DefaultCapabilityRules()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Machine{
		cfg:          cfg,
		logger:       logging.OrNop(cfg.Logger),
		metrics:      metrics,
		rules:        rules,
		phase:        PhaseUnderstanding,
		graph:        map[string]*TaskNode{},
		phaseHistory: []string{PhaseUnderstanding},
	}, nil
}

// Resume rebuilds a machine from the latest checkpoint of cfg.SessionID. The
// second return reports whether a checkpoint was found; without one the
// machine starts in replanning so the planner rebuilds its task graph.
func Resume(cfg Config) (*Machine, bool, error) {
	placeholder := strings.TrimSpace(cfg.UserTask) == ""
	if placeholder {
		cfg.UserTask = "(resuming prior session)"
	}
	m, err := New(cfg)
	if err != nil {
		return nil, false, err
	}
	if cfg.Checkpoints == nil {
		if placeholder {
			return nil, false, errors.Validation("resume requires a checkpoint store or a user task")
		}
		m.seedReplanning("no checkpoint store configured")
		return m, false, nil
	}
	cp, ok, err := cfg.Checkpoints.FindLatest(cfg.SessionID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if placeholder {
			return nil, false, errors.Validation("no checkpoint found for session %s and no user task given", cfg.SessionID)
		}
		m.seedReplanning("no checkpoint found")
		return m, false, nil
	}
	m.restore(cp)
	return m, true, nil
}

// Phase returns the current workflow phase.
func (m *Machine) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Round returns how many transitions the machine has made.
func (m *Machine) Round() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// PhaseHistory returns every phase the workflow has passed through, oldest
// first, including the current one.
func (m *Machine) PhaseHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.phaseHistory...)
}

// UserTask returns the task the workflow is executing.
func (m *Machine) UserTask() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.UserTask
}

// LastCheckpointID returns the id of the most recent checkpoint written.
func (m *Machine) LastCheckpointID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointID
}

// Tasks returns a snapshot of the plan graph in plan order.
func (m *Machine) Tasks() []TaskNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskNode, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.graph[id].clone())
	}
	return out
}

// Task returns a snapshot of one task by id.
func (m *Machine) Task(id string) (TaskNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.graph[id]
	if !ok {
		return TaskNode{}, false
	}
	return node.clone(), true
}

// ArtifactsSnapshot returns a copy of the accumulated design artifacts.
func (m *Machine) ArtifactsSnapshot() Artifacts {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.artifacts
	cp.Deliverables = append([]string(nil), m.artifacts.Deliverables...)
	return cp
}

// RecordHighDesign stores the high-level design and moves to high_design.
func (m *Machine) RecordHighDesign(ctx context.Context, design string) error {
	design = strings.TrimSpace(design)
	if design == "" {
		return errors.Validation("HIGH_DESIGN requires a non-empty design")
	}
	m.mu.Lock()
	if err := m.guardLocked(ActionHighDesign); err != nil {
		m.mu.Unlock()
		return err
	}
	m.artifacts.HighDesign = design
	tr := m.transitionLocked(PhaseHighDesign, ActionHighDesign, "high-level design recorded")
	m.mu.Unlock()
	m.announce(tr)
	m.commentEpic(ctx, "HIGH_DESIGN:\n"+excerpt(design, 1000))
	return nil
}

// RecordDetailDesign stores the detailed design. It refuses to run before a
// high-level design exists.
func (m *Machine) RecordDetailDesign(ctx context.Context, design string) error {
	design = strings.TrimSpace(design)
	if design == "" {
		return errors.Validation("DETAIL_DESIGN requires a non-empty design")
	}
	m.mu.Lock()
	if err := m.guardLocked(ActionDetailDesign); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.artifacts.HighDesign == "" {
		m.mu.Unlock()
		return errors.Validation("DETAIL_DESIGN requires a recorded high-level design")
	}
	m.artifacts.DetailDesign = design
	tr := m.transitionLocked(PhaseDetailDesign, ActionDetailDesign, "detailed design recorded")
	m.mu.Unlock()
	m.announce(tr)
	m.commentEpic(ctx, "DETAIL_DESIGN:\n"+excerpt(design, 1000))
	return nil
}

// RecordDeliverables stores the expected artifact list. An empty list is
// accepted and recorded as deliberately empty; VERIFY then gates on the
// completion rate alone.
func (m *Machine) RecordDeliverables(ctx context.Context, artifacts []string) error {
	cleaned := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	m.mu.Lock()
	if err := m.guardLocked(ActionDeliverables); err != nil {
		m.mu.Unlock()
		return err
	}
	m.artifacts.Deliverables = cleaned
	m.artifacts.DeliverablesDefined = true
	tr := m.transitionLocked(PhaseDeliverables, ActionDeliverables,
		fmt.Sprintf("%d deliverable(s) defined", len(cleaned)))
	m.mu.Unlock()
	m.announce(tr)
	if len(cleaned) == 0 {
		m.commentEpic(ctx, "DELIVERABLES: (none)")
	} else {
		m.commentEpic(ctx, "DELIVERABLES:\n- "+strings.Join(cleaned, "\n- "))
	}
	return nil
}

// Complete finishes the workflow. It refuses while any task is non-terminal.
func (m *Machine) Complete(ctx context.Context, result string) error {
	m.mu.Lock()
	if err := m.guardLocked(ActionComplete); err != nil {
		m.mu.Unlock()
		return err
	}
	if id := m.firstNonTerminalLocked(); id != "" {
		m.mu.Unlock()
		return errors.Validation("COMPLETE rejected: task %s is not terminal", id)
	}
	reason := "workflow completed"
	if result != "" {
		reason = "workflow completed: " + excerpt(result, 200)
	}
	tr := m.transitionLocked(PhaseCompleted, ActionComplete, reason)
	m.mu.Unlock()
	m.announce(tr)
	m.closeEpic(ctx, true, result)
	return nil
}

// Fail terminates the workflow as failed.
func (m *Machine) Fail(ctx context.Context, cause string) error {
	m.mu.Lock()
	if err := m.guardLocked(ActionFail); err != nil {
		m.mu.Unlock()
		return err
	}
	m.lastError = cause
	reason := "workflow failed"
	if cause != "" {
		reason = "workflow failed: " + excerpt(cause, 200)
	}
	tr := m.transitionLocked(PhaseFailed, ActionFail, reason)
	m.mu.Unlock()
	m.announce(tr)
	m.closeEpic(ctx, false, cause)
	return nil
}

// Stop parks the workflow. A reason mentioning resources routes to
// blocked_review so recovery can re-check requirements; anything else
// pauses. Returns the phase the workflow landed in.
func (m *Machine) Stop(reason string) (string, error) {
	m.mu.Lock()
	if TerminalPhase(m.phase) {
		m.mu.Unlock()
		return "", errors.Validation("workflow is %s; STOP rejected", m.phase)
	}
	target := PhasePaused
	if strings.Contains(strings.ToLower(reason), "resource") {
		target = PhaseBlockedReview
	}
	tr := m.transitionLocked(target, ActionStop, "stopped: "+reason)
	m.mu.Unlock()
	m.announce(tr)
	return target, nil
}

// Start resumes a paused or blocked workflow into the plan phase. From
// blocked_review it first re-checks that every ready task's inferred
// requirements can now be satisfied.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.phase != PhasePaused && m.phase != PhaseBlockedReview {
		phase := m.phase
		m.mu.Unlock()
		return errors.Validation("START only resumes a paused or blocked workflow (phase %s)", phase)
	}
	if m.phase == PhaseBlockedReview {
		if unsatisfied := m.unsatisfiedReadyLocked(); len(unsatisfied) > 0 {
			m.mu.Unlock()
			return errors.ResourceShortage("cannot resume: ready task(s) still lack resources: %s",
				strings.Join(unsatisfied, ", "))
		}
	}
	from := m.phase
	tr := m.transitionLocked(PhasePlan, ActionStart, "resumed from "+from)
	m.mu.Unlock()
	m.announce(tr)
	return nil
}

// QueryCapabilities reports the pool's capability catalog and status without
// transitioning or checkpointing.
func (m *Machine) QueryCapabilities() (map[string][]resource.CatalogEntry, resource.Report) {
	return m.cfg.Pool.CapabilityCatalog(), m.cfg.Pool.StatusReport()
}

// Checkpoint triggers accepted by CheckpointNow.
const (
	TriggerReentry     = "reentry"
	TriggerTaskFailure = "task_failure"
)

// CheckpointNow writes an out-of-band checkpoint. Repeated checks over a
// workflow that keeps failing the same way escalate into replanning: the
// heuristic fires when this is not the first check, an error is recorded,
// and at least one task has failed. Returns whether it escalated.
func (m *Machine) CheckpointNow(trigger, reason string) (bool, error) {
	if trigger != TriggerReentry && trigger != TriggerTaskFailure {
		return false, errors.Validation("CHECKPOINT trigger must be %q or %q, got %q",
			TriggerReentry, TriggerTaskFailure, trigger)
	}
	m.mu.Lock()
	if err := m.guardLocked(ActionCheckpoint); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.checkpointChecks++
	if m.repeatingFailureLocked() {
		tr := m.transitionLocked(PhaseReplanning, ActionCheckpoint,
			fmt.Sprintf("repeating failure detected (%s): %s", trigger, reason))
		m.mu.Unlock()
		m.announce(tr)
		return true, nil
	}
	id := m.writeCheckpointLocked(fmt.Sprintf("checkpoint (%s): %s", trigger, reason))
	if id != "" {
		m.lastCheckpointID = id
	}
	m.mu.Unlock()
	m.logger.Info("checkpoint %s written (%s)", id, trigger)
	return false, nil
}

// ForceReplanning moves the workflow into replanning regardless of phase,
// used when the planner escalates out of band. A no-op when already there.
func (m *Machine) ForceReplanning(reason string) error {
	m.mu.Lock()
	if TerminalPhase(m.phase) {
		phase := m.phase
		m.mu.Unlock()
		return errors.Validation("workflow is %s; cannot replan", phase)
	}
	if m.phase == PhaseReplanning {
		m.mu.Unlock()
		return nil
	}
	tr := m.transitionLocked(PhaseReplanning, ActionCheckpoint, "escalation: "+reason)
	m.mu.Unlock()
	m.announce(tr)
	return nil
}

// Verify checks deliverable coverage and the task completion rate. It
// refuses to run before deliverables are defined. A passing report completes
// the workflow; a failing one lands in the verify phase so the planner can
// re-dispatch or replan.
func (m *Machine) Verify(ctx context.Context) (VerifyReport, error) {
	m.mu.Lock()
	if err := m.guardLocked(ActionVerify); err != nil {
		m.mu.Unlock()
		return VerifyReport{}, err
	}
	if !m.artifacts.DeliverablesDefined {
		m.mu.Unlock()
		return VerifyReport{}, errors.Validation("VERIFY requires deliverables to be defined first")
	}
	if len(m.graph) == 0 {
		m.mu.Unlock()
		return VerifyReport{}, errors.Validation("VERIFY requires a dispatched plan")
	}
	report := m.verifyReportLocked()
	var tr transition
	if report.Passed {
		tr = m.transitionLocked(PhaseCompleted, ActionVerify,
			fmt.Sprintf("verification passed: %d/%d task(s) complete", report.Completed, report.Total))
	} else {
		tr = m.transitionLocked(PhaseVerify, ActionVerify, verifyFailReason(report))
	}
	m.mu.Unlock()
	m.announce(tr)
	if report.Passed {
		m.closeEpic(ctx, true, fmt.Sprintf("verified: %d/%d task(s) complete", report.Completed, report.Total))
	}
	return report, nil
}

// transition describes one committed phase change for announcement.
type transition struct {
	from       string
	to         string
	action     string
	reason     string
	checkpoint string
	round      int
}

// guardLocked rejects actions the current phase cannot accept. Terminal
// phases accept nothing; paused accepts only START.
func (m *Machine) guardLocked(action string) error {
	if TerminalPhase(m.phase) {
		return errors.Validation("workflow is %s; %s rejected", m.phase, action)
	}
	if m.phase == PhasePaused && action != ActionStart {
		return errors.Validation("workflow is paused; START is the only accepted action")
	}
	return nil
}

// transitionLocked commits a phase change: bumps the round, extends the
// history, and writes a checkpoint. The caller announces after unlocking.
func (m *Machine) transitionLocked(to, action, reason string) transition {
	from := m.phase
	m.phase = to
	m.round++
	m.phaseHistory = append(m.phaseHistory, to)
	id := m.writeCheckpointLocked(reason)
	if id != "" {
		m.lastCheckpointID = id
	}
	return transition{from: from, to: to, action: action, reason: reason, checkpoint: id, round: m.round}
}

// announce publishes a committed transition: metrics, the epic flow status,
// an orch node on the running loop, and the bus events subscribers watch.
func (m *Machine) announce(tr transition) {
	m.metrics.ObservePhaseTransition(tr.from, tr.to, tr.action)
	m.logger.Info("phase %s -> %s (%s, round %d): %s", tr.from, tr.to, tr.action, tr.round, tr.reason)
	if m.cfg.Loops != nil {
		if err := m.cfg.Loops.SetEpicStatus(m.cfg.EpicID, tr.to); err != nil {
			m.logger.Warn("set epic status: %v", err)
		}
		m.addOrchNode(tr)
	}
	m.emit(bus.Event{
		Type: bus.EventPhaseTransition,
		Payload: map[string]any{
			"from":          tr.from,
			"to":            tr.to,
			"triggerAction": tr.action,
			"checkpointId":  tr.checkpoint,
			"round":         tr.round,
		},
	})
	m.emit(bus.Event{
		Type: bus.EventEpicPhaseTransition,
		Payload: map[string]any{
			"from":   tr.from,
			"to":     tr.to,
			"reason": tr.reason,
		},
	})
}

func (m *Machine) addOrchNode(tr transition) {
	if m.cfg.LoopID == "" {
		return
	}
	node := loop.Node{
		Type:    loop.NodeOrch,
		Status:  loop.NodeDone,
		Title:   tr.action,
		Text:    tr.reason,
		AgentID: m.cfg.AgentID,
		Metadata: map[string]any{
			"decision": fmt.Sprintf("%s: %s -> %s", tr.action, tr.from, tr.to),
		},
	}
	if _, err := m.cfg.Loops.AddNode(m.cfg.LoopID, node); err != nil {
		m.logger.Warn("add orch node: %v", err)
	}
}

// emit stamps the workflow identity onto evt and publishes it.
func (m *Machine) emit(evt bus.Event) {
	if m.cfg.Bus == nil {
		return
	}
	evt.SessionID = m.cfg.SessionID
	evt.WorkflowID = m.cfg.EpicID
	if evt.AgentID == "" {
		evt.AgentID = m.cfg.AgentID
	}
	m.cfg.Bus.Emit(evt)
}

// writeCheckpointLocked snapshots the full machine state. Checkpoint
// failures are logged, not fatal; orchestration outlives a bad disk write.
func (m *Machine) writeCheckpointLocked(reason string) string {
	if m.cfg.Checkpoints == nil {
		return ""
	}
	cp := checkpoint.Checkpoint{
		SessionID:    m.cfg.SessionID,
		UserTask:     m.cfg.UserTask,
		Phase:        m.phase,
		TaskProgress: m.taskProgressLocked(),
		AgentStates:  m.agentStatesLocked(),
		Context:      m.contextLocked(reason),
		PhaseHistory: append([]string(nil), m.phaseHistory...),
	}
	created, err := m.cfg.Checkpoints.Create(cp)
	if err != nil {
		m.logger.Warn("checkpoint write failed: %v", err)
		return ""
	}
	return created.ID
}

func (m *Machine) taskProgressLocked() []checkpoint.TaskProgress {
	if len(m.order) == 0 {
		return nil
	}
	out := make([]checkpoint.TaskProgress, 0, len(m.order))
	for _, id := range m.order {
		node := m.graph[id]
		tp := checkpoint.TaskProgress{
			TaskID:           node.ID,
			Description:      node.Description,
			Status:           node.Status,
			AssignedResource: node.Assignee,
			Iterations:       node.Iterations,
			LastError:        node.LastError,
		}
		if node.StartedAt != nil {
			t := *node.StartedAt
			tp.StartedAt = &t
		}
		if node.CompletedAt != nil {
			t := *node.CompletedAt
			tp.CompletedAt = &t
		}
		out = append(out, tp)
	}
	return out
}

func (m *Machine) agentStatesLocked() []checkpoint.AgentState {
	now := time.Now().UTC()
	states := []checkpoint.AgentState{{
		AgentID:   m.cfg.AgentID,
		Role:      "orchestrator",
		Status:    m.phase,
		UpdatedAt: now,
	}}
	for _, id := range m.order {
		node := m.graph[id]
		if node.Status != TaskInProgress {
			continue
		}
		agentID := node.Assignee
		if agentID == "" {
			agentID = "executor-" + node.ID
		}
		states = append(states, checkpoint.AgentState{
			AgentID:       agentID,
			Role:          "executor",
			Status:        "executing",
			CurrentTaskID: node.ID,
			UpdatedAt:     now,
		})
	}
	return states
}

func (m *Machine) contextLocked(reason string) map[string]any {
	ctx := map[string]any{
		"reason":               reason,
		"round":                m.round,
		"checkpoint_checks":    m.checkpointChecks,
		"high_design":          m.artifacts.HighDesign,
		"detail_design":        m.artifacts.DetailDesign,
		"deliverables":         append([]string(nil), m.artifacts.Deliverables...),
		"deliverables_defined": m.artifacts.DeliverablesDefined,
		"last_error":           m.lastError,
		"plan_text":            m.lastPlanText,
	}
	deps := map[string][]string{}
	trackerIDs := map[string]string{}
	for id, node := range m.graph {
		if len(node.DependsOn) > 0 {
			deps[id] = append([]string(nil), node.DependsOn...)
		}
		if node.TrackerID != "" {
			trackerIDs[id] = node.TrackerID
		}
	}
	if len(deps) > 0 {
		ctx["dependencies"] = deps
	}
	if len(trackerIDs) > 0 {
		ctx["tracker_ids"] = trackerIDs
	}
	if m.epicTrackerID != "" {
		ctx["epic_tracker_id"] = m.epicTrackerID
	}
	return ctx
}

func (m *Machine) firstNonTerminalLocked() string {
	for _, id := range m.order {
		if !TerminalTask(m.graph[id].Status) {
			return id
		}
	}
	return ""
}

func (m *Machine) repeatingFailureLocked() bool {
	if m.checkpointChecks <= 1 || m.lastError == "" {
		return false
	}
	for _, id := range m.order {
		if m.graph[id].Status == TaskFailed {
			return true
		}
	}
	return false
}

// unsatisfiedReadyLocked lists ready tasks whose inferred requirements the
// pool cannot currently satisfy.
func (m *Machine) unsatisfiedReadyLocked() []string {
	var unsatisfied []string
	for _, id := range m.order {
		node := m.graph[id]
		if node.Status != TaskReady {
			continue
		}
		reqs := InferRequirements(node.Description, m.rules)
		if avail := m.cfg.Pool.CheckResourceRequirements(reqs); !avail.Satisfied {
			unsatisfied = append(unsatisfied, id)
		}
	}
	return unsatisfied
}

// refreshReadinessLocked promotes waiting tasks whose dependencies have all
// completed and demotes a ready task whose recorded dependencies have not.
// A ready task always has completed dependencies afterwards.
func (m *Machine) refreshReadinessLocked() {
	for _, id := range m.order {
		node := m.graph[id]
		switch node.Status {
		case TaskPending, TaskBlocked:
			if m.depsCompletedLocked(node) {
				node.Status = TaskReady
			}
		case TaskReady:
			if !m.depsCompletedLocked(node) {
				node.Status = TaskBlocked
			}
		}
	}
}

func (m *Machine) depsCompletedLocked(node *TaskNode) bool {
	for _, dep := range node.DependsOn {
		depNode, ok := m.graph[dep]
		if !ok || depNode.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (m *Machine) verifyReportLocked() VerifyReport {
	rep := VerifyReport{Total: len(m.order)}
	var completed []string
	for _, id := range m.order {
		node := m.graph[id]
		switch node.Status {
		case TaskCompleted:
			rep.Completed++
			completed = append(completed, strings.ToLower(node.Description))
		case TaskFailed:
			rep.Failed++
		}
	}
	if rep.Total > 0 {
		rep.CompletionRate = float64(rep.Completed) / float64(rep.Total)
	}
	for _, artifact := range m.artifacts.Deliverables {
		if !artifactCovered(artifact, completed) {
			rep.MissingArtifacts = append(rep.MissingArtifacts, artifact)
		}
	}
	rep.Passed = rep.CompletionRate >= m.cfg.VerifyThreshold && len(rep.MissingArtifacts) == 0
	return rep
}

// artifactCovered reports whether any completed task description mentions
// the artifact, case-insensitively.
func artifactCovered(artifact string, completedDescriptions []string) bool {
	needle := strings.ToLower(strings.TrimSpace(artifact))
	for _, desc := range completedDescriptions {
		if strings.Contains(desc, needle) {
			return true
		}
	}
	return false
}

func verifyFailReason(rep VerifyReport) string {
	parts := []string{fmt.Sprintf("verification failed: %d/%d task(s) complete (%.0f%%)",
		rep.Completed, rep.Total, rep.CompletionRate*100)}
	if len(rep.MissingArtifacts) > 0 {
		parts = append(parts, "missing artifacts: "+strings.Join(rep.MissingArtifacts, ", "))
	}
	return strings.Join(parts, "; ")
}

// closeEpic settles the epic flow and the tracker issue after a terminal
// transition.
func (m *Machine) closeEpic(ctx context.Context, success bool, result string) {
	if m.cfg.Loops != nil {
		if err := m.cfg.Loops.CompleteEpic(m.cfg.EpicID, success, result); err != nil {
			m.logger.Warn("complete epic flow: %v", err)
		}
	}
	m.mu.Lock()
	epicID := m.epicTrackerID
	m.mu.Unlock()
	if m.cfg.Tracker == nil || epicID == "" {
		return
	}
	var err error
	if success {
		err = m.cfg.Tracker.CloseTask(ctx, epicID, result)
	} else {
		err = m.cfg.Tracker.MarkBlocked(ctx, epicID, result)
	}
	if err != nil {
		m.logger.Warn("settle epic tracker issue: %v", err)
	}
}

// ensureEpicTracker lazily opens the epic's tracker issue.
func (m *Machine) ensureEpicTracker(ctx context.Context) string {
	if m.cfg.Tracker == nil {
		return ""
	}
	m.mu.Lock()
	id := m.epicTrackerID
	task := m.cfg.UserTask
	m.mu.Unlock()
	if id != "" {
		return id
	}
	created, err := m.cfg.Tracker.CreateEpic(ctx, titleOf(task), task, []string{"workflow"})
	if err != nil {
		m.logger.Warn("create epic tracker issue: %v", err)
		return ""
	}
	m.mu.Lock()
	if m.epicTrackerID == "" {
		m.epicTrackerID = created.ID
	}
	id = m.epicTrackerID
	m.mu.Unlock()
	return id
}

func (m *Machine) commentEpic(ctx context.Context, text string) {
	id := m.ensureEpicTracker(ctx)
	if id == "" {
		return
	}
	if err := m.cfg.Tracker.Comment(ctx, id, m.cfg.AgentID, text); err != nil {
		m.logger.Warn("comment epic: %v", err)
	}
}

// seedReplanning puts a fresh machine straight into replanning, used when
// resume finds nothing to restore.
func (m *Machine) seedReplanning(why string) {
	m.mu.Lock()
	m.phase = PhaseReplanning
	m.phaseHistory = []string{PhaseReplanning}
	m.mu.Unlock()
	m.logger.Info("session %s starts in replanning: %s", m.cfg.SessionID, why)
}

// restore rebuilds machine state from a checkpoint. Tasks that were in
// progress when the snapshot was taken return to ready, and any allocation
// still live for them is released with an error so the pool recovers.
func (m *Machine) restore(cp checkpoint.Checkpoint) {
	m.mu.Lock()
	m.phase = checkpoint.DetermineResumePhase(cp)
	if len(cp.PhaseHistory) > 0 {
		m.phaseHistory = append([]string(nil), cp.PhaseHistory...)
	} else {
		m.phaseHistory = []string{m.phase}
	}
	if cp.UserTask != "" {
		m.cfg.UserTask = cp.UserTask
	}
	m.round = ctxInt(cp.Context, "round")
	m.checkpointChecks = ctxInt(cp.Context, "checkpoint_checks")
	m.lastError = ctxString(cp.Context, "last_error")
	m.lastPlanText = ctxString(cp.Context, "plan_text")
	m.epicTrackerID = ctxString(cp.Context, "epic_tracker_id")
	m.lastCheckpointID = cp.ID
	m.artifacts = Artifacts{
		HighDesign:          ctxString(cp.Context, "high_design"),
		DetailDesign:        ctxString(cp.Context, "detail_design"),
		Deliverables:        ctxStringSlice(cp.Context, "deliverables"),
		DeliverablesDefined: ctxBool(cp.Context, "deliverables_defined"),
	}

	deps := ctxDependencies(cp.Context, "dependencies")
	trackerIDs := ctxStringMap(cp.Context, "tracker_ids")

	m.graph = make(map[string]*TaskNode, len(cp.TaskProgress))
	m.order = nil
	var interrupted []string
	for _, tp := range cp.TaskProgress {
		node := &TaskNode{
			ID:          tp.TaskID,
			Description: tp.Description,
			DependsOn:   deps[tp.TaskID],
			Assignee:    tp.AssignedResource,
			TrackerID:   trackerIDs[tp.TaskID],
			Status:      tp.Status,
			Iterations:  tp.Iterations,
			LastError:   tp.LastError,
		}
		if tp.StartedAt != nil {
			t := *tp.StartedAt
			node.StartedAt = &t
		}
		if tp.CompletedAt != nil {
			t := *tp.CompletedAt
			node.CompletedAt = &t
		}
		if !validTaskStatus(node.Status) {
			node.Status = TaskPending
		}
		if node.Status == TaskInProgress {
			node.Status = TaskReady
			interrupted = append(interrupted, node.ID)
		}
		m.graph[node.ID] = node
		m.order = append(m.order, node.ID)
	}
	m.refreshReadinessLocked()
	phase := m.phase
	m.mu.Unlock()

	for _, id := range interrupted {
		alloc, ok := m.cfg.Pool.Allocation(id)
		if !ok || !alloc.Status.Live() {
			continue
		}
		if err := m.cfg.Pool.ReleaseResources(id, resource.ReleaseError); err != nil {
			m.logger.Warn("release interrupted allocation for %s: %v", id, err)
		}
	}
	m.logger.Info("resumed session %s from checkpoint %s at phase %s with %d task(s)",
		m.cfg.SessionID, cp.ID, phase, len(cp.TaskProgress))
}

// Context value coercion for checkpoints that round-tripped through JSON.

func ctxString(ctx map[string]any, key string) string {
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

func ctxBool(ctx map[string]any, key string) bool {
	if v, ok := ctx[key].(bool); ok {
		return v
	}
	return false
}

func ctxInt(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func ctxStringSlice(ctx map[string]any, key string) []string {
	switch v := ctx[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func ctxStringMap(ctx map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch v := ctx[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func ctxDependencies(ctx map[string]any, key string) map[string][]string {
	out := map[string][]string{}
	switch v := ctx[key].(type) {
	case map[string][]string:
		for k, list := range v {
			out[k] = append([]string(nil), list...)
		}
	case map[string]any:
		for k, item := range v {
			switch list := item.(type) {
			case []string:
				out[k] = append([]string(nil), list...)
			case []any:
				ss := make([]string, 0, len(list))
				for _, elem := range list {
					if s, ok := elem.(string); ok {
						ss = append(ss, s)
					}
				}
				out[k] = ss
			}
		}
	}
	return out
}

// excerpt trims s to at most max runes, appending an ellipsis when cut.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// titleOf reduces a task statement to a tracker-sized title.
func titleOf(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return excerpt(line, 72)
}
