// Package mailbox stores inter-module messages addressed to agent targets.
// Entries move through a monotonic status lifecycle and can be looked up by
// id or by the caller-supplied callback id until the callback TTL lapses.
package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"finger/internal/errors"
	"finger/internal/ids"
	"finger/internal/logging"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses so transitions can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Entry is one message in the mailbox.
type Entry struct {
	ID          string     `json:"id"`
	Target      string     `json:"target"`
	Sender      string     `json:"sender,omitempty"`
	Payload     any        `json:"payload,omitempty"`
	CallbackID  string     `json:"callbackId,omitempty"`
	Status      Status     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type record struct {
	entry Entry
	done  chan struct{}
}

// Config tunes mailbox retention.
type Config struct {
	// RetentionPerTarget caps how many messages each target keeps. Oldest
	// entries fall off. Zero means DefaultRetention.
	RetentionPerTarget int
	// CallbackTTL bounds how long callback lookups keep resolving after a
	// message reaches a terminal status. Zero means DefaultCallbackTTL.
	CallbackTTL time.Duration
	Logger      logging.Logger
}

const (
	DefaultRetention   = 200
	DefaultCallbackTTL = time.Hour
)

// Mailbox is safe for concurrent use.
type Mailbox struct {
	mu        sync.RWMutex
	entries   map[string]*record
	byTarget  map[string][]string
	callbacks *gocache.Cache
	retention int
	ttl       time.Duration
	logger    logging.Logger
}

// New builds a Mailbox from cfg.
func New(cfg Config) *Mailbox {
	retention := cfg.RetentionPerTarget
	if retention <= 0 {
		retention = DefaultRetention
	}
	ttl := cfg.CallbackTTL
	if ttl <= 0 {
		ttl = DefaultCallbackTTL
	}
	return &Mailbox{
		entries:   make(map[string]*record),
		byTarget:  make(map[string][]string),
		callbacks: gocache.New(ttl, ttl/2),
		retention: retention,
		ttl:       ttl,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// CreateMessage enqueues a message for target and returns the stored entry.
// callbackID is optional; when present it must match the cli callback format
// and be unused by any live message.
func (m *Mailbox) CreateMessage(target string, payload any, sender, callbackID string) (Entry, error) {
	if target == "" {
		return Entry{}, errors.Validation("message target is required")
	}
	if callbackID != "" && !ids.ValidCallbackID(callbackID) {
		return Entry{}, errors.Validation("invalid callback id %q", callbackID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if callbackID != "" {
		if _, exists := m.callbacks.Get(callbackID); exists {
			return Entry{}, errors.Validation("callback id %q already in use", callbackID)
		}
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:         ids.NewMessageID(),
		Target:     target,
		Sender:     sender,
		Payload:    payload,
		CallbackID: callbackID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.entries[entry.ID] = &record{entry: entry, done: make(chan struct{})}
	m.byTarget[target] = append(m.byTarget[target], entry.ID)
	if callbackID != "" {
		m.callbacks.Set(callbackID, entry.ID, gocache.NoExpiration)
	}
	m.pruneLocked(target)

	m.logger.Debug("message %s created for %s (callback=%s)", entry.ID, target, callbackID)
	return entry, nil
}

// UpdateStatus advances a message's status. Transitions never move backward;
// updating a terminal message or skipping to the same rank from a later one
// is rejected. Result and errMsg are recorded as given.
func (m *Mailbox) UpdateStatus(id string, status Status, result any, errMsg string) (Entry, error) {
	if !status.Valid() {
		return Entry{}, errors.Validation("unknown message status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entries[id]
	if !ok {
		return Entry{}, errors.Validation("message %s not found", id)
	}
	if status.rank() <= rec.entry.Status.rank() {
		return Entry{}, errors.Validation(
			"message %s cannot move from %s to %s", id, rec.entry.Status, status)
	}

	now := time.Now().UTC()
	rec.entry.Status = status
	rec.entry.UpdatedAt = now
	if result != nil {
		rec.entry.Result = result
	}
	if errMsg != "" {
		rec.entry.Error = errMsg
	}
	if status.Terminal() {
		rec.entry.CompletedAt = &now
		close(rec.done)
		if rec.entry.CallbackID != "" {
			// Start the expiry clock now that the message is settled.
			m.callbacks.Set(rec.entry.CallbackID, id, m.ttl)
		}
	}

	m.logger.Debug("message %s -> %s", id, status)
	return rec.entry, nil
}

// GetMessage returns a message by id.
func (m *Mailbox) GetMessage(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// GetMessageByCallbackID resolves a callback id to its message. Returns false
// once the callback TTL has expired even if the entry is still retained.
func (m *Mailbox) GetMessageByCallbackID(callbackID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.callbacks.Get(callbackID)
	if !ok {
		return Entry{}, false
	}
	id, _ := v.(string)
	rec, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// WaitTerminal blocks until the message reaches a terminal status or ctx
// ends, returning the settled entry.
func (m *Mailbox) WaitTerminal(ctx context.Context, id string) (Entry, error) {
	m.mu.RLock()
	rec, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, errors.Validation("message %s not found", id)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return Entry{}, errors.Timeout("waiting for message %s: %v", id, ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return rec.entry, nil
}

// Messages returns a target's retained messages, oldest first. An empty
// target returns every retained message in no particular target order.
func (m *Mailbox) Messages(target string, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	if target != "" {
		for _, id := range m.byTarget[target] {
			if rec, ok := m.entries[id]; ok {
				out = append(out, rec.entry)
			}
		}
	} else {
		for _, rec := range m.entries {
			out = append(out, rec.entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Pending returns a target's retained non-terminal messages, oldest first.
func (m *Mailbox) Pending(target string) []Entry {
	var out []Entry
	for _, entry := range m.Messages(target, 0) {
		if !entry.Status.Terminal() {
			out = append(out, entry)
		}
	}
	return out
}

// Stats summarizes mailbox occupancy per target.
func (m *Mailbox) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.byTarget))
	for target, list := range m.byTarget {
		out[target] = len(list)
	}
	return out
}

// pruneLocked enforces per-target retention. Callers hold m.mu.
func (m *Mailbox) pruneLocked(target string) {
	list := m.byTarget[target]
	if len(list) <= m.retention {
		return
	}
	drop := list[:len(list)-m.retention]
	m.byTarget[target] = append([]string(nil), list[len(list)-m.retention:]...)
	for _, id := range drop {
		rec, ok := m.entries[id]
		if !ok {
			continue
		}
		if !rec.entry.Status.Terminal() {
			// Settle waiters before the entry disappears.
			close(rec.done)
		}
		if rec.entry.CallbackID != "" {
			m.callbacks.Delete(rec.entry.CallbackID)
		}
		delete(m.entries, id)
	}
	m.logger.Debug("pruned %d old messages for %s", len(drop), target)
}

// String implements fmt.Stringer for diagnostics.
func (m *Mailbox) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("mailbox{entries=%d targets=%d}", len(m.entries), len(m.byTarget))
}
