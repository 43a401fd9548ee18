package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"finger/internal/bus"
	"finger/internal/diff"
	"finger/internal/errors"
)

// Plan replaces the task graph with a normalized plan and moves to the plan
// phase. Submitting a plan over an existing graph is a replan: the failure
// history resets and the change ships as a unified diff on the plan_updated
// event and the epic's tracker thread.
func (m *Machine) Plan(ctx context.Context, tasks []PlanTask) error {
	normalized, err := normalizePlan(tasks)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.guardLocked(ActionPlan); err != nil {
		m.mu.Unlock()
		return err
	}
	replanned := len(m.graph) > 0
	previous := m.lastPlanText

	m.graph = make(map[string]*TaskNode, len(normalized))
	m.order = nil
	for _, t := range normalized {
		node := &TaskNode{
			ID:          t.ID,
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Assignee:    t.Assignee,
			Status:      TaskReady,
		}
		if len(t.DependsOn) > 0 {
			node.Status = TaskBlocked
		}
		m.graph[node.ID] = node
		m.order = append(m.order, node.ID)
	}
	m.lastError = ""
	m.checkpointChecks = 0
	planText := renderPlanLocked(m.order, m.graph)
	m.lastPlanText = planText

	var planDiff diff.Result
	reason := fmt.Sprintf("plan accepted with %d task(s)", len(normalized))
	if replanned {
		planDiff = diff.Unified(previous, planText, "plan")
		reason = fmt.Sprintf("replanned with %d task(s): %s", len(normalized), planDiff.Summary())
	}
	tr := m.transitionLocked(PhasePlan, ActionPlan, reason)
	m.mu.Unlock()
	m.announce(tr)

	payload := map[string]any{
		"taskCount": len(normalized),
		"replanned": replanned,
	}
	if planDiff.Changed() {
		payload["diff"] = planDiff.Text
	}
	m.emit(bus.Event{Type: bus.EventPlanUpdated, Payload: payload})

	m.registerPlanTracker(ctx, replanned, planDiff)
	return nil
}

// normalizePlan fills in missing ids, trims fields, and rejects plans the
// dispatcher could never drain: duplicate ids, unknown or self dependencies,
// and dependency cycles.
func normalizePlan(tasks []PlanTask) ([]PlanTask, error) {
	if len(tasks) == 0 {
		return nil, errors.Validation("PLAN requires at least one task")
	}
	out := make([]PlanTask, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		if seen[id] {
			return nil, errors.Validation("PLAN has duplicate task id %q", id)
		}
		seen[id] = true
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			return nil, errors.Validation("PLAN task %q has no description", id)
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		out = append(out, PlanTask{
			ID:          id,
			Description: desc,
			DependsOn:   deps,
			Assignee:    strings.TrimSpace(t.Assignee),
		})
	}
	for _, t := range out {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, errors.Validation("PLAN task %q depends on itself", t.ID)
			}
			if !seen[dep] {
				return nil, errors.Validation("PLAN task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if id := firstCycleMember(out); id != "" {
		return nil, errors.Validation("PLAN has a dependency cycle involving %q", id)
	}
	return out, nil
}

// firstCycleMember runs Kahn's algorithm over the plan and returns a task id
// stuck in a cycle, or "" when the graph is acyclic.
func firstCycleMember(tasks []PlanTask) string {
	indeg := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indeg[t.ID] += 0
		for _, dep := range t.DependsOn {
			indeg[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indeg[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved == len(tasks) {
		return ""
	}
	for _, t := range tasks {
		if indeg[t.ID] > 0 {
			return t.ID
		}
	}
	return ""
}

// renderPlanLocked prints the graph one task per line, the stable text the
// replan diff is computed over.
func renderPlanLocked(order []string, graph map[string]*TaskNode) string {
	var sb strings.Builder
	for _, id := range order {
		node := graph[id]
		sb.WriteString(node.ID)
		sb.WriteString(": ")
		sb.WriteString(node.Description)
		if len(node.DependsOn) > 0 {
			sb.WriteString(" (after ")
			sb.WriteString(strings.Join(node.DependsOn, ", "))
			sb.WriteString(")")
		}
		if node.Assignee != "" {
			sb.WriteString(" [")
			sb.WriteString(node.Assignee)
			sb.WriteString("]")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// registerPlanTracker mirrors the plan into the tracker: one child task per
// node under the epic, dependency links between them, and a comment carrying
// the plan or its diff. Tracker failures degrade to warnings.
func (m *Machine) registerPlanTracker(ctx context.Context, replanned bool, planDiff diff.Result) {
	if m.cfg.Tracker == nil {
		return
	}
	epicID := m.ensureEpicTracker(ctx)
	if epicID == "" {
		return
	}

	m.mu.Lock()
	nodes := make([]TaskNode, 0, len(m.order))
	for _, id := range m.order {
		nodes = append(nodes, m.graph[id].clone())
	}
	m.mu.Unlock()

	trackerIDs := make(map[string]string, len(nodes))
	for _, node := range nodes {
		if node.TrackerID != "" {
			trackerIDs[node.ID] = node.TrackerID
			continue
		}
		created, err := m.cfg.Tracker.CreateTask(ctx,
			titleOf(node.Description), node.Description, epicID, node.Assignee, []string{"task"})
		if err != nil {
			m.logger.Warn("register task %s: %v", node.ID, err)
			continue
		}
		trackerIDs[node.ID] = created.ID
	}
	for _, node := range nodes {
		childID := trackerIDs[node.ID]
		if childID == "" {
			continue
		}
		for _, dep := range node.DependsOn {
			depID := trackerIDs[dep]
			if depID == "" {
				continue
			}
			if err := m.cfg.Tracker.AddDependency(ctx, childID, depID); err != nil {
				m.logger.Warn("link %s after %s: %v", node.ID, dep, err)
			}
		}
	}

	m.mu.Lock()
	for id, trackerID := range trackerIDs {
		if node, ok := m.graph[id]; ok && node.TrackerID == "" {
			node.TrackerID = trackerID
		}
	}
	m.mu.Unlock()

	comment := fmt.Sprintf("PLAN: %d task(s) registered", len(nodes))
	if replanned && planDiff.Changed() {
		comment = "PLAN updated:\n" + planDiff.Text
	}
	if err := m.cfg.Tracker.Comment(ctx, epicID, m.cfg.AgentID, comment); err != nil {
		m.logger.Warn("comment plan: %v", err)
	}
}
