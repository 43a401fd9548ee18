package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"finger/internal/bus"
	"finger/internal/config"
	"finger/internal/errors"
	"finger/internal/resource"
	"finger/internal/tracker"
)

// InferRequirements scans a task description against the keyword table and
// returns the resource requirements it implies. Rules hitting the same
// type and capability merge, keeping the highest minimum level, in first-hit
// order. A description matching no rule still needs one executor.
func InferRequirements(description string, rules []config.CapabilityRule) []resource.Requirement {
	lower := strings.ToLower(description)
	type key struct {
		rtype      string
		capability string
	}
	var order []key
	levels := map[key]int{}
	for _, rule := range rules {
		if rule.Keyword == "" || !strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			continue
		}
		k := key{rtype: rule.Type, capability: rule.Capability}
		if _, seen := levels[k]; !seen {
			order = append(order, k)
		}
		if rule.MinLevel > levels[k] {
			levels[k] = rule.MinLevel
		}
	}
	if len(order) == 0 {
		return []resource.Requirement{{Type: resource.TypeExecutor}}
	}
	out := make([]resource.Requirement, 0, len(order))
	for _, k := range order {
		req := resource.Requirement{Type: resource.Type(k.rtype), MinLevel: levels[k]}
		if k.capability != "" {
			req.Capabilities = []string{k.capability}
		}
		out = append(out, req)
	}
	return out
}

// ParallelDispatch allocates resources for the named tasks, or all ready
// tasks when taskIDs is empty, and runs them concurrently through the
// dispatcher. Allocation is all-or-nothing across the batch: any shortage
// rolls back what was taken and parks the workflow in blocked_review.
func (m *Machine) ParallelDispatch(ctx context.Context, taskIDs []string) (DispatchReport, error) {
	if m.cfg.Dispatcher == nil {
		return DispatchReport{}, errors.Validation("PARALLEL_DISPATCH requires a dispatcher")
	}

	m.mu.Lock()
	if err := m.guardLocked(ActionParallelDispatch); err != nil {
		m.mu.Unlock()
		return DispatchReport{}, err
	}
	if len(m.graph) == 0 {
		m.mu.Unlock()
		return DispatchReport{}, errors.Validation("PARALLEL_DISPATCH requires an accepted plan")
	}
	m.refreshReadinessLocked()

	report := DispatchReport{}
	var candidates []string
	if len(taskIDs) > 0 {
		for _, id := range taskIDs {
			node, ok := m.graph[id]
			if !ok {
				m.mu.Unlock()
				return DispatchReport{}, errors.Validation("PARALLEL_DISPATCH: unknown task %q", id)
			}
			if node.Status != TaskReady {
				report.Skipped = append(report.Skipped, id)
				report.Observations = append(report.Observations,
					fmt.Sprintf("task %s is %s, not ready", id, node.Status))
				continue
			}
			candidates = append(candidates, id)
		}
	} else {
		for _, id := range m.order {
			if m.graph[id].Status == TaskReady {
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		m.mu.Unlock()
		return report, errors.Validation("no ready tasks to dispatch")
	}
	reqsByTask := make(map[string][]resource.Requirement, len(candidates))
	for _, id := range candidates {
		reqsByTask[id] = InferRequirements(m.graph[id].Description, m.rules)
	}
	tr := m.transitionLocked(PhaseParallelDispatch, ActionParallelDispatch,
		fmt.Sprintf("dispatching %d task(s)", len(candidates)))
	m.mu.Unlock()
	m.announce(tr)

	report.KnownCapabilities = capabilityNames(m.cfg.Pool)

	// Availability pre-check catches requirements nothing in the pool can
	// ever satisfy before any allocation mutates state.
	var missing []resource.MissingResource
	for _, id := range candidates {
		avail := m.cfg.Pool.CheckResourceRequirements(reqsByTask[id])
		if !avail.Satisfied {
			missing = append(missing, avail.Missing...)
			report.Observations = append(report.Observations,
				fmt.Sprintf("task %s has unsatisfiable requirements", id))
		}
	}
	if len(missing) > 0 {
		return m.dispatchShortage(report, missing)
	}

	allocated := make([]string, 0, len(candidates))
	for _, id := range candidates {
		result := m.cfg.Pool.AllocateResources(id, reqsByTask[id])
		if !result.Success {
			for _, done := range allocated {
				if err := m.cfg.Pool.ReleaseResources(done, resource.ReleaseReleased); err != nil {
					m.logger.Warn("rollback allocation for %s: %v", done, err)
				}
			}
			report.Observations = append(report.Observations,
				fmt.Sprintf("allocation for task %s failed", id))
			return m.dispatchShortage(report, result.Missing)
		}
		allocated = append(allocated, id)
	}

	now := time.Now().UTC()
	requests := make([]DispatchRequest, 0, len(candidates))
	m.mu.Lock()
	for _, id := range candidates {
		node, ok := m.graph[id]
		if !ok || node.Status != TaskReady {
			m.mu.Unlock()
			if err := m.cfg.Pool.ReleaseResources(id, resource.ReleaseReleased); err != nil {
				m.logger.Warn("release stale allocation for %s: %v", id, err)
			}
			m.mu.Lock()
			continue
		}
		node.Status = TaskInProgress
		t := now
		node.StartedAt = &t
		node.Iterations++
		requests = append(requests, m.requestLocked(node))
	}
	m.mu.Unlock()

	for _, req := range requests {
		m.startDispatch(ctx, req)
		report.Dispatched = append(report.Dispatched, req.TaskID)
	}

	results := make([]DispatchResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(requests))
	for i := range requests {
		i, req := i, requests[i]
		g.Go(func() error {
			started := time.Now()
			res := m.cfg.Dispatcher.Dispatch(gctx, req)
			results[i] = res
			m.recordDispatchResult(ctx, req, res, time.Since(started))
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if res.Success {
			report.Completed = append(report.Completed, requests[i].TaskID)
		} else {
			report.Failed = append(report.Failed, requests[i].TaskID)
		}
	}
	m.emitProgress()

	if len(report.Failed) > 0 {
		report.Escalated = m.noteTaskFailures(report.Failed)
		if report.Escalated {
			report.Observations = append(report.Observations,
				"repeated task failures; workflow moved to replanning")
		}
	} else {
		m.settleCheckpoint(fmt.Sprintf("dispatch settled: %d task(s) completed", len(report.Completed)))
	}
	return report, nil
}

// BlockedReview re-examines blocked tasks whose dependencies have all
// completed and dispatches each sequentially on the strongest available
// resource. Tasks no resource can serve stay blocked and are reported, not
// failed.
func (m *Machine) BlockedReview(ctx context.Context) (DispatchReport, error) {
	if m.cfg.Dispatcher == nil {
		return DispatchReport{}, errors.Validation("BLOCKED_REVIEW requires a dispatcher")
	}
	m.mu.Lock()
	if err := m.guardLocked(ActionBlockedReview); err != nil {
		m.mu.Unlock()
		return DispatchReport{}, err
	}
	if len(m.graph) == 0 {
		m.mu.Unlock()
		return DispatchReport{}, errors.Validation("BLOCKED_REVIEW requires an accepted plan")
	}
	var eligible, waiting []string
	for _, id := range m.order {
		node := m.graph[id]
		if node.Status != TaskBlocked {
			continue
		}
		if m.depsCompletedLocked(node) {
			eligible = append(eligible, id)
		} else {
			waiting = append(waiting, id)
		}
	}
	tr := m.transitionLocked(PhaseBlockedReview, ActionBlockedReview,
		fmt.Sprintf("reviewing %d blocked task(s)", len(eligible)))
	m.mu.Unlock()
	m.announce(tr)

	report := DispatchReport{KnownCapabilities: capabilityNames(m.cfg.Pool)}
	for _, id := range waiting {
		report.Observations = append(report.Observations,
			fmt.Sprintf("task %s stays blocked: dependencies incomplete", id))
	}
	if len(eligible) == 0 {
		report.Observations = append(report.Observations, "no blocked tasks eligible for review")
		m.settleCheckpoint("blocked review: nothing eligible")
		return report, nil
	}
	for _, id := range eligible {
		m.reviewDispatch(ctx, id, &report)
	}
	m.emitProgress()
	m.settleCheckpoint(fmt.Sprintf("blocked review settled: %d dispatched, %d failed, %d still blocked",
		len(report.Dispatched), len(report.Failed), len(report.Skipped)))
	return report, nil
}

// reviewDispatch allocates one blocked task, preferring the strongest
// available resource for its leading capability, and runs it synchronously.
// Allocation is attempted once with the raised level and once with the
// original requirements before the task stays blocked.
func (m *Machine) reviewDispatch(ctx context.Context, id string, report *DispatchReport) {
	m.mu.Lock()
	node, ok := m.graph[id]
	if !ok || node.Status != TaskBlocked {
		m.mu.Unlock()
		return
	}
	desc := node.Description
	m.mu.Unlock()

	reqs := InferRequirements(desc, m.rules)
	result := m.cfg.Pool.AllocateResources(id, raiseToStrongest(m.cfg.Pool, reqs))
	if !result.Success {
		result = m.cfg.Pool.AllocateResources(id, reqs)
	}
	if !result.Success {
		report.Skipped = append(report.Skipped, id)
		report.Missing = append(report.Missing, result.Missing...)
		report.Observations = append(report.Observations,
			fmt.Sprintf("task %s stays blocked: no resource satisfies %s", id, requirementSummary(reqs)))
		return
	}

	now := time.Now().UTC()
	m.mu.Lock()
	node, ok = m.graph[id]
	if !ok || node.Status != TaskBlocked {
		m.mu.Unlock()
		if err := m.cfg.Pool.ReleaseResources(id, resource.ReleaseReleased); err != nil {
			m.logger.Warn("release stale allocation for %s: %v", id, err)
		}
		return
	}
	node.Status = TaskInProgress
	t := now
	node.StartedAt = &t
	node.Iterations++
	req := m.requestLocked(node)
	m.mu.Unlock()

	m.startDispatch(ctx, req)
	report.Dispatched = append(report.Dispatched, id)

	started := time.Now()
	res := m.cfg.Dispatcher.Dispatch(ctx, req)
	m.recordDispatchResult(ctx, req, res, time.Since(started))
	if res.Success {
		report.Completed = append(report.Completed, id)
	} else {
		report.Failed = append(report.Failed, id)
	}
}

// startDispatch performs the bookkeeping shared by both dispatch paths once
// a task holds its allocation: executing status on the pool, the tracker
// issue in progress, the gauge, and the task_started event.
func (m *Machine) startDispatch(ctx context.Context, req DispatchRequest) {
	if err := m.cfg.Pool.MarkTaskExecuting(req.TaskID); err != nil {
		m.logger.Warn("mark %s executing: %v", req.TaskID, err)
	}
	if m.cfg.Tracker != nil && req.TrackerID != "" {
		if err := m.cfg.Tracker.UpdateStatus(ctx, req.TrackerID, tracker.StatusInProgress); err != nil {
			m.logger.Warn("tracker start %s: %v", req.TaskID, err)
		}
	}
	m.metrics.IncActiveDispatches()
	m.emit(bus.Event{
		Type:    bus.EventTaskStarted,
		TaskID:  req.TaskID,
		AgentID: req.Assignee,
		Payload: map[string]any{
			"description": req.Description,
			"resources":   resourceIDs(req.Resources),
		},
	})
}

// recordDispatchResult settles one finished dispatch: terminal task status,
// resource release, metrics, the tracker issue, and the completion event.
// Safe to call concurrently from the dispatch group.
func (m *Machine) recordDispatchResult(ctx context.Context, req DispatchRequest, res DispatchResult, elapsed time.Duration) {
	now := time.Now().UTC()
	m.mu.Lock()
	node, ok := m.graph[req.TaskID]
	if !ok || node.Status != TaskInProgress {
		m.mu.Unlock()
		m.logger.Warn("dispatch result for %s ignored: task no longer in progress", req.TaskID)
		return
	}
	t := now
	node.CompletedAt = &t
	node.Result = &TaskResult{Success: res.Success, Output: res.Output, Error: res.Error}
	status := TaskCompleted
	var lastErr string
	if !res.Success {
		status = TaskFailed
		lastErr = res.Error
		if lastErr == "" {
			lastErr = "dispatch failed"
		}
		node.LastError = lastErr
		m.lastError = lastErr
	}
	node.Status = status
	trackerID := node.TrackerID
	assignee := node.Assignee
	m.mu.Unlock()

	releaseReason := resource.ReleaseCompleted
	if status == TaskFailed {
		releaseReason = resource.ReleaseError
	}
	if err := m.cfg.Pool.ReleaseResources(req.TaskID, releaseReason); err != nil {
		m.logger.Warn("release resources for %s: %v", req.TaskID, err)
	}

	m.metrics.ObserveDispatch(status, elapsed)
	m.metrics.DecActiveDispatches()
	if status == TaskFailed {
		m.metrics.IncTaskFailure(failureReason(lastErr))
	}

	if m.cfg.Tracker != nil && trackerID != "" {
		var err error
		if status == TaskCompleted {
			err = m.cfg.Tracker.CloseTask(ctx, trackerID, excerpt(res.Output, 500))
		} else {
			err = m.cfg.Tracker.MarkBlocked(ctx, trackerID, lastErr)
		}
		if err != nil {
			m.logger.Warn("tracker settle %s: %v", req.TaskID, err)
		}
	}

	payload := map[string]any{"success": res.Success, "rounds": res.Rounds}
	if res.Output != "" {
		payload["output"] = excerpt(res.Output, 500)
	}
	evtType := bus.EventTaskCompleted
	if status == TaskFailed {
		evtType = bus.EventTaskFailed
		payload["error"] = lastErr
	}
	m.emit(bus.Event{Type: evtType, TaskID: req.TaskID, AgentID: assignee, Payload: payload})
	m.logger.Info("task %s settled as %s after %s", req.TaskID, status, elapsed.Round(time.Millisecond))
}

// dispatchShortage parks the workflow in blocked_review over missing
// resources and reports the shortage to subscribers and the caller.
func (m *Machine) dispatchShortage(report DispatchReport, missing []resource.MissingResource) (DispatchReport, error) {
	report.Missing = append(report.Missing, missing...)
	summary := missingSummary(missing)
	m.mu.Lock()
	m.lastError = "resource_shortage: " + summary
	tr := m.transitionLocked(PhaseBlockedReview, ActionParallelDispatch, "resource_shortage: "+summary)
	m.mu.Unlock()
	m.announce(tr)
	m.emit(bus.Event{
		Type: bus.EventResourceShortage,
		Payload: map[string]any{
			"missing": missing,
			"summary": summary,
		},
	})
	return report, errors.ResourceShortage("resource shortage: %s", summary)
}

// noteTaskFailures runs the task_failure checkpoint after a dispatch round
// with failures, escalating to replanning when failures repeat.
func (m *Machine) noteTaskFailures(failedIDs []string) bool {
	joined := strings.Join(failedIDs, ", ")
	m.mu.Lock()
	m.checkpointChecks++
	if m.repeatingFailureLocked() {
		tr := m.transitionLocked(PhaseReplanning, ActionCheckpoint,
			"repeating failure detected (task_failure): "+joined)
		m.mu.Unlock()
		m.announce(tr)
		return true
	}
	id := m.writeCheckpointLocked("checkpoint (task_failure): " + joined)
	if id != "" {
		m.lastCheckpointID = id
	}
	m.mu.Unlock()
	return false
}

// settleCheckpoint writes an out-of-band checkpoint without transitioning.
func (m *Machine) settleCheckpoint(reason string) {
	m.mu.Lock()
	id := m.writeCheckpointLocked(reason)
	if id != "" {
		m.lastCheckpointID = id
	}
	m.mu.Unlock()
}

// emitProgress publishes completion counters over the whole graph.
func (m *Machine) emitProgress() {
	m.mu.Lock()
	total := len(m.order)
	completed, failed := 0, 0
	for _, id := range m.order {
		switch m.graph[id].Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
	}
	m.mu.Unlock()
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	m.emit(bus.Event{
		Type: bus.EventWorkflowProgress,
		Payload: map[string]any{
			"completed": completed,
			"failed":    failed,
			"total":     total,
			"percent":   percent,
		},
	})
}

// requestLocked assembles the dispatch request for a task holding a live
// allocation. When the plan names no assignee the first allocated resource
// becomes it.
func (m *Machine) requestLocked(node *TaskNode) DispatchRequest {
	req := DispatchRequest{
		TaskID:      node.ID,
		TrackerID:   node.TrackerID,
		EpicID:      m.cfg.EpicID,
		SessionID:   m.cfg.SessionID,
		LoopID:      m.cfg.LoopID,
		Description: node.Description,
		Assignee:    node.Assignee,
	}
	if alloc, ok := m.cfg.Pool.Allocation(node.ID); ok {
		for _, rid := range alloc.ResourceIDs {
			if res, found := m.cfg.Pool.Get(rid); found {
				req.Resources = append(req.Resources, res)
			}
		}
	}
	if req.Assignee == "" && len(req.Resources) > 0 {
		req.Assignee = req.Resources[0].ID
		node.Assignee = req.Assignee
	}
	return req
}

// raiseToStrongest lifts the first capability requirement's minimum level to
// the strongest available resource that serves it, so review assigns the
// best worker rather than the first match.
func raiseToStrongest(pool *resource.Pool, reqs []resource.Requirement) []resource.Requirement {
	out := append([]resource.Requirement(nil), reqs...)
	for i, req := range out {
		if len(req.Capabilities) == 0 {
			continue
		}
		capName := req.Capabilities[0]
		strongest := 0
		for _, res := range pool.ResourcesByCapability(capName, req.MinLevel) {
			if res.Status != resource.StatusAvailable {
				continue
			}
			for _, c := range res.Capabilities {
				if c.Name == capName && c.Level > strongest {
					strongest = c.Level
				}
			}
		}
		if strongest > out[i].MinLevel {
			out[i].MinLevel = strongest
		}
		break
	}
	return out
}

func capabilityNames(pool *resource.Pool) []string {
	catalog := pool.CapabilityCatalog()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func missingSummary(missing []resource.MissingResource) string {
	parts := make([]string, 0, len(missing))
	for _, miss := range missing {
		parts = append(parts, miss.Requirement.String())
	}
	return strings.Join(parts, "; ")
}

func requirementSummary(reqs []resource.Requirement) string {
	parts := make([]string, 0, len(reqs))
	for _, req := range reqs {
		parts = append(parts, req.String())
	}
	return strings.Join(parts, "; ")
}

func resourceIDs(resources []resource.Resource) []string {
	ids := make([]string, 0, len(resources))
	for _, res := range resources {
		ids = append(ids, res.ID)
	}
	return ids
}

func failureReason(errText string) string {
	lower := strings.ToLower(errText)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline") {
		return "timeout"
	}
	return "error"
}
