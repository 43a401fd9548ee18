// Package resource implements the capability-based resource pool: a
// file-backed catalog of worker resources and the live allocations binding
// them to tasks.
package resource

import (
	"fmt"
	"time"
)

// Type classifies what kind of worker a resource is.
type Type string

const (
	TypeOrchestrator Type = "orchestrator"
	TypeExecutor     Type = "executor"
	TypeReviewer     Type = "reviewer"
	TypeTool         Type = "tool"
	TypeAPI          Type = "api"
	TypeDatabase     Type = "database"
)

// Status is a resource's availability state. Only available resources may be
// allocated; deployed and busy are pool-managed; blocked, error and released
// are administrative.
type Status string

const (
	StatusAvailable Status = "available"
	StatusDeployed  Status = "deployed"
	StatusBusy      Status = "busy"
	StatusBlocked   Status = "blocked"
	StatusError     Status = "error"
	StatusReleased  Status = "released"
)

// Capability is a named skill with an integer level from 1 to 10.
type Capability struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Resource is one allocatable worker in the pool.
type Resource struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Status       Status       `json:"status"`

	CurrentTask     string `json:"currentTask,omitempty"`
	CurrentSession  string `json:"currentSession,omitempty"`
	CurrentWorkflow string `json:"currentWorkflow,omitempty"`

	Deployments int    `json:"deployments"`
	Failures    int    `json:"failures"`
	LastError   string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Capability returns the named capability if the resource has it.
func (r *Resource) Capability(name string) (Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// HasCapabilities reports whether the resource possesses every named
// capability.
func (r *Resource) HasCapabilities(names []string) bool {
	for _, name := range names {
		if _, ok := r.Capability(name); !ok {
			return false
		}
	}
	return true
}

// MeetsMinLevel reports whether every capability on the resource is at or
// above min. A resource with one weak skill is rejected as a whole.
func (r *Resource) MeetsMinLevel(min int) bool {
	if min <= 0 {
		return true
	}
	for _, c := range r.Capabilities {
		if c.Level < min {
			return false
		}
	}
	return true
}

func (r *Resource) clone() *Resource {
	cp := *r
	cp.Capabilities = append([]Capability(nil), r.Capabilities...)
	return &cp
}

// AllocationStatus tracks an allocation through its lifecycle.
type AllocationStatus string

const (
	AllocPending   AllocationStatus = "pending"
	AllocAllocated AllocationStatus = "allocated"
	AllocExecuting AllocationStatus = "executing"
	AllocCompleted AllocationStatus = "completed"
	AllocBlocked   AllocationStatus = "blocked"
	AllocFailed    AllocationStatus = "failed"
)

// Live reports whether the allocation still holds resources.
func (s AllocationStatus) Live() bool {
	return s == AllocPending || s == AllocAllocated || s == AllocExecuting
}

// Allocation binds one task to the resources serving it. At most one live
// allocation exists per task; a resource appears in at most one live
// allocation.
type Allocation struct {
	TaskID      string           `json:"taskId"`
	ResourceIDs []string         `json:"resourceIds"`
	Status      AllocationStatus `json:"status"`
	AllocatedAt time.Time        `json:"allocatedAt"`
	ReleasedAt  *time.Time       `json:"releasedAt,omitempty"`
	BlockReason string           `json:"blockReason,omitempty"`
}

func (a *Allocation) clone() *Allocation {
	cp := *a
	cp.ResourceIDs = append([]string(nil), a.ResourceIDs...)
	if a.ReleasedAt != nil {
		t := *a.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// Requirement describes one resource a task needs.
type Requirement struct {
	Type         Type     `json:"type"`
	MinLevel     int      `json:"minLevel,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Optional     bool     `json:"optional,omitempty"`
}

// String renders the requirement for shortage reports.
func (q Requirement) String() string {
	s := string(q.Type)
	if len(q.Capabilities) > 0 {
		s += fmt.Sprintf(" with %v", q.Capabilities)
	}
	if q.MinLevel > 0 {
		s += fmt.Sprintf(" at level >= %d", q.MinLevel)
	}
	if q.Optional {
		s += " (optional)"
	}
	return s
}

// MissingResource names a requirement the pool could not satisfy.
type MissingResource struct {
	Requirement Requirement `json:"requirement"`
	Reason      string      `json:"reason"`
}

// Availability is the result of a non-mutating requirements check.
type Availability struct {
	Satisfied bool              `json:"satisfied"`
	Missing   []MissingResource `json:"missingResources,omitempty"`
	// Available maps requirement index to the resource that would be chosen.
	Available map[int]string `json:"availableResources,omitempty"`
}

// AllocationResult reports an allocation attempt.
type AllocationResult struct {
	Success            bool              `json:"success"`
	TaskID             string            `json:"taskId"`
	AllocatedResources []string          `json:"allocatedResources,omitempty"`
	Missing            []MissingResource `json:"missingResources,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// CatalogEntry is one resource's contribution to a capability.
type CatalogEntry struct {
	ResourceID   string `json:"resourceId"`
	ResourceName string `json:"resourceName"`
	Type         Type   `json:"type"`
	Level        int    `json:"level"`
	Status       Status `json:"status"`
}

// Report is a point-in-time summary of the pool.
type Report struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"byStatus"`
	ByType          map[Type]int   `json:"byType"`
	LiveAllocations int            `json:"liveAllocations"`
	TotalFailures   int            `json:"totalFailures"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Release reasons accepted by ReleaseResources.
const (
	ReleaseCompleted = "completed"
	ReleaseReleased  = "released"
	ReleaseBlocked   = "blocked"
	ReleaseError     = "error"
)
