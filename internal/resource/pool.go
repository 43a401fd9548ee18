package resource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"finger/internal/errors"
	"finger/internal/ids"
	"finger/internal/logging"
)

// allocationHistoryLimit bounds how many terminal allocations the pool file
// retains for reporting.
const allocationHistoryLimit = 100

// poolFile is the on-disk shape of the pool. The resource order in the file
// is the matching order.
type poolFile struct {
	Resources   []*Resource            `json:"resources"`
	Allocations map[string]*Allocation `json:"allocations"`
	History     []*Allocation          `json:"allocationHistory,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Pool owns the resource catalog and live allocations. Every mutation is
// persisted whole-file atomically; a failed write reverts the in-memory
// change so disk and memory never diverge.
type Pool struct {
	mu          sync.RWMutex
	path        string
	resources   []*Resource
	byID        map[string]*Resource
	allocations map[string]*Allocation
	history     []*Allocation
	logger      logging.Logger
}

// Open loads the pool from path, or starts empty when the file does not
// exist yet.
func Open(path string, logger logging.Logger) (*Pool, error) {
	p := &Pool{
		path:        path,
		byID:        make(map[string]*Resource),
		allocations: make(map[string]*Allocation),
		logger:      logging.OrNop(logger),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resource pool %s: %w", path, err)
	}

	var file poolFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode resource pool %s: %w", path, err)
	}
	for _, res := range file.Resources {
		if res.ID == "" {
			continue
		}
		p.resources = append(p.resources, res)
		p.byID[res.ID] = res
	}
	if file.Allocations != nil {
		p.allocations = file.Allocations
	}
	p.history = file.History
	p.logger.Info("resource pool loaded: %d resources, %d allocations", len(p.resources), len(p.allocations))
	return p, nil
}

// CheckResourceRequirements runs the matching algorithm without mutating the
// pool and reports which requirements would be satisfied and by whom.
func (p *Pool) CheckResourceRequirements(reqs []Requirement) Availability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	selected, missing := p.selectLocked(reqs)
	avail := Availability{Satisfied: len(missing) == 0, Missing: missing}
	for i, id := range selected {
		if id == "" {
			continue
		}
		if avail.Available == nil {
			avail.Available = make(map[int]string)
		}
		avail.Available[i] = id
	}
	return avail
}

// AllocateResources claims one resource per requirement for taskID. The
// operation is all-or-nothing: any unsatisfied mandatory requirement leaves
// the pool unchanged. A task that already holds a live allocation gets it
// back idempotently.
func (p *Pool) AllocateResources(taskID string, reqs []Requirement) AllocationResult {
	if taskID == "" {
		return AllocationResult{Success: false, Error: "task id is required"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if alloc, ok := p.allocations[taskID]; ok && alloc.Status.Live() {
		return AllocationResult{
			Success:            true,
			TaskID:             taskID,
			AllocatedResources: append([]string(nil), alloc.ResourceIDs...),
		}
	}

	selected, missing := p.selectLocked(reqs)
	if len(missing) > 0 {
		return AllocationResult{
			Success: false,
			TaskID:  taskID,
			Missing: missing,
			Error:   shortageMessage(missing),
		}
	}

	var chosen []string
	for _, id := range selected {
		if id != "" {
			chosen = append(chosen, id)
		}
	}

	snap := p.snapshotLocked()
	now := time.Now().UTC()
	for _, id := range chosen {
		res := p.byID[id]
		res.Status = StatusDeployed
		res.CurrentTask = taskID
		res.Deployments++
		res.UpdatedAt = now
	}
	if old, ok := p.allocations[taskID]; ok {
		p.pushHistoryLocked(old)
	}
	p.allocations[taskID] = &Allocation{
		TaskID:      taskID,
		ResourceIDs: chosen,
		Status:      AllocAllocated,
		AllocatedAt: now,
	}

	if err := p.persistLocked(); err != nil {
		p.restoreLocked(snap)
		p.logger.Error("allocation persist failed for %s: %v", taskID, err)
		return AllocationResult{Success: false, TaskID: taskID, Error: err.Error()}
	}

	p.logger.Info("allocated %v to task %s", chosen, taskID)
	return AllocationResult{
		Success:            true,
		TaskID:             taskID,
		AllocatedResources: append([]string(nil), chosen...),
	}
}

// MarkTaskExecuting moves a task's allocation to executing and its resources
// to busy.
func (p *Pool) MarkTaskExecuting(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.allocations[taskID]
	if !ok || !alloc.Status.Live() {
		return errors.Validation("task %s has no live allocation", taskID)
	}

	snap := p.snapshotLocked()
	now := time.Now().UTC()
	alloc.Status = AllocExecuting
	for _, id := range alloc.ResourceIDs {
		if res, ok := p.byID[id]; ok {
			res.Status = StatusBusy
			res.UpdatedAt = now
		}
	}

	if err := p.persistLocked(); err != nil {
		p.restoreLocked(snap)
		return err
	}
	return nil
}

// ReleaseResources settles a task's allocation and returns its resources to
// available. reason must be one of completed, released, blocked or error;
// error additionally increments each resource's failure counter.
func (p *Pool) ReleaseResources(taskID, reason string) error {
	var terminal AllocationStatus
	switch reason {
	case ReleaseCompleted, ReleaseReleased:
		terminal = AllocCompleted
	case ReleaseBlocked:
		terminal = AllocBlocked
	case ReleaseError:
		terminal = AllocFailed
	default:
		return errors.Validation("unknown release reason %q", reason)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.allocations[taskID]
	if !ok || !alloc.Status.Live() {
		return errors.Validation("task %s has no live allocation", taskID)
	}

	snap := p.snapshotLocked()
	now := time.Now().UTC()
	alloc.Status = terminal
	alloc.ReleasedAt = &now
	if reason == ReleaseBlocked || reason == ReleaseError {
		alloc.BlockReason = reason
	}
	for _, id := range alloc.ResourceIDs {
		res, ok := p.byID[id]
		if !ok {
			continue
		}
		res.Status = StatusAvailable
		res.CurrentTask = ""
		res.CurrentSession = ""
		res.CurrentWorkflow = ""
		res.UpdatedAt = now
		if reason == ReleaseError {
			res.Failures++
			res.LastError = fmt.Sprintf("task %s released with error", taskID)
		}
	}
	p.pushHistoryLocked(alloc)

	if err := p.persistLocked(); err != nil {
		p.restoreLocked(snap)
		return err
	}

	p.logger.Info("released task %s (%s): %v", taskID, reason, alloc.ResourceIDs)
	return nil
}

// AddResource registers a resource. A missing id is generated; a missing
// status defaults to available. Capability levels must be within 1..10.
func (p *Pool) AddResource(res Resource) (Resource, error) {
	if res.Name == "" {
		return Resource{}, errors.Validation("resource name is required")
	}
	if res.Type == "" {
		return Resource{}, errors.Validation("resource type is required")
	}
	for _, c := range res.Capabilities {
		if c.Name == "" {
			return Resource{}, errors.Validation("capability name is required")
		}
		if c.Level < 1 || c.Level > 10 {
			return Resource{}, errors.Validation(
				"capability %s level %d out of range 1..10", c.Name, c.Level)
		}
	}
	if res.ID == "" {
		res.ID = ids.NewResourceID()
	}
	if res.Status == "" {
		res.Status = StatusAvailable
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[res.ID]; exists {
		return Resource{}, errors.Validation("resource %s already registered", res.ID)
	}

	snap := p.snapshotLocked()
	stored := res.clone()
	p.resources = append(p.resources, stored)
	p.byID[res.ID] = stored

	if err := p.persistLocked(); err != nil {
		p.restoreLocked(snap)
		return Resource{}, err
	}

	p.logger.Info("resource %s (%s/%s) added", res.ID, res.Type, res.Name)
	return *stored.clone(), nil
}

// RemoveResource deletes a resource. Only available resources may be removed.
func (p *Pool) RemoveResource(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.byID[id]
	if !ok {
		return errors.Validation("resource %s not found", id)
	}
	if res.Status != StatusAvailable {
		return errors.Validation("resource %s is %s, only available resources can be removed", id, res.Status)
	}

	snap := p.snapshotLocked()
	delete(p.byID, id)
	for i, r := range p.resources {
		if r.ID == id {
			p.resources = append(p.resources[:i:i], p.resources[i+1:]...)
			break
		}
	}

	if err := p.persistLocked(); err != nil {
		p.restoreLocked(snap)
		return err
	}

	p.logger.Info("resource %s removed", id)
	return nil
}

// CapabilityCatalog aggregates capabilities across all non-error resources.
func (p *Pool) CapabilityCatalog() map[string][]CatalogEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	catalog := make(map[string][]CatalogEntry)
	for _, res := range p.resources {
		if res.Status == StatusError {
			continue
		}
		for _, c := range res.Capabilities {
			catalog[c.Name] = append(catalog[c.Name], CatalogEntry{
				ResourceID:   res.ID,
				ResourceName: res.Name,
				Type:         res.Type,
				Level:        c.Level,
				Status:       res.Status,
			})
		}
	}
	return catalog
}

// ResourcesByCapability returns non-error resources holding the named
// capability at or above minLevel, in pool order.
func (p *Pool) ResourcesByCapability(capability string, minLevel int) []Resource {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Resource
	for _, res := range p.resources {
		if res.Status == StatusError {
			continue
		}
		if c, ok := res.Capability(capability); ok && c.Level >= minLevel {
			out = append(out, *res.clone())
		}
	}
	return out
}

// StatusReport summarizes pool occupancy.
func (p *Pool) StatusReport() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := Report{
		Total:     len(p.resources),
		ByStatus:  make(map[Status]int),
		ByType:    make(map[Type]int),
		UpdatedAt: time.Now().UTC(),
	}
	for _, res := range p.resources {
		report.ByStatus[res.Status]++
		report.ByType[res.Type]++
		report.TotalFailures += res.Failures
	}
	for _, alloc := range p.allocations {
		if alloc.Status.Live() {
			report.LiveAllocations++
		}
	}
	return report
}

// Resources returns a snapshot of every resource in pool order.
func (p *Pool) Resources() []Resource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Resource, 0, len(p.resources))
	for _, res := range p.resources {
		out = append(out, *res.clone())
	}
	return out
}

// Get returns a snapshot of one resource.
func (p *Pool) Get(id string) (Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, ok := p.byID[id]
	if !ok {
		return Resource{}, false
	}
	return *res.clone(), true
}

// Allocation returns the latest allocation recorded for taskID.
func (p *Pool) Allocation(taskID string) (Allocation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	alloc, ok := p.allocations[taskID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc.clone(), true
}

// selectLocked walks requirements in order choosing the first available
// resource that matches type, holds every named capability, has no capability
// below minLevel, and was not already chosen for an earlier requirement.
// Optional requirements that cannot be satisfied select nothing; mandatory
// ones produce a MissingResource. Callers hold at least a read lock.
func (p *Pool) selectLocked(reqs []Requirement) ([]string, []MissingResource) {
	selected := make([]string, len(reqs))
	taken := make(map[string]bool)
	var missing []MissingResource

	for i, req := range reqs {
		found := ""
		for _, res := range p.resources {
			if res.Status != StatusAvailable {
				continue
			}
			if res.Type != req.Type {
				continue
			}
			if !res.MeetsMinLevel(req.MinLevel) {
				continue
			}
			if !res.HasCapabilities(req.Capabilities) {
				continue
			}
			if taken[res.ID] {
				continue
			}
			found = res.ID
			break
		}
		if found == "" {
			if !req.Optional {
				missing = append(missing, MissingResource{
					Requirement: req,
					Reason:      fmt.Sprintf("no available resource matching %s", req),
				})
			}
			continue
		}
		selected[i] = found
		taken[found] = true
	}
	return selected, missing
}

func shortageMessage(missing []MissingResource) string {
	msg := "resource shortage:"
	for _, m := range missing {
		msg += " " + m.Requirement.String() + ";"
	}
	return msg[:len(msg)-1]
}

// snapshot holds deep copies for revert-on-persist-failure.
type snapshot struct {
	resources   []*Resource
	allocations map[string]*Allocation
	history     []*Allocation
}

func (p *Pool) snapshotLocked() snapshot {
	snap := snapshot{
		resources:   make([]*Resource, len(p.resources)),
		allocations: make(map[string]*Allocation, len(p.allocations)),
		history:     make([]*Allocation, len(p.history)),
	}
	for i, res := range p.resources {
		snap.resources[i] = res.clone()
	}
	for id, alloc := range p.allocations {
		snap.allocations[id] = alloc.clone()
	}
	for i, alloc := range p.history {
		snap.history[i] = alloc.clone()
	}
	return snap
}

func (p *Pool) restoreLocked(snap snapshot) {
	p.resources = snap.resources
	p.allocations = snap.allocations
	p.history = snap.history
	p.byID = make(map[string]*Resource, len(snap.resources))
	for _, res := range snap.resources {
		p.byID[res.ID] = res
	}
}

func (p *Pool) pushHistoryLocked(alloc *Allocation) {
	p.history = append(p.history, alloc)
	if len(p.history) > allocationHistoryLimit {
		p.history = p.history[len(p.history)-allocationHistoryLimit:]
	}
}

// persistLocked writes the whole pool to disk atomically. Callers hold the
// write lock.
func (p *Pool) persistLocked() error {
	file := poolFile{
		Resources:   p.resources,
		Allocations: p.allocations,
		History:     p.history,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resource pool: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write resource pool: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit resource pool: %w", err)
	}
	return nil
}
