package react

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot kinds.
const (
	SnapshotThought      = "thought"
	SnapshotFormatRepair = "format_repair"
)

// Snapshot is the per-round diagnostic record the loop publishes: one
// "thought" entry per completed round and one "format_repair" entry per
// re-prompt spent fixing malformed output.
type Snapshot struct {
	Kind        string         `json:"kind"`
	AgentID     string         `json:"agentId,omitempty"`
	Round       int            `json:"round"`
	Attempt     int            `json:"attempt,omitempty"`
	Thought     string         `json:"thought,omitempty"`
	Action      string         `json:"action,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SnapshotLogger receives one snapshot per loop round and per format repair.
type SnapshotLogger interface {
	LogSnapshot(s Snapshot)
}

// JSONLSnapshots appends snapshots to a single JSON-lines file. Write errors
// are remembered and returned by Close; diagnostics never interrupt a loop.
type JSONLSnapshots struct {
	mu      sync.Mutex
	f       *os.File
	lastErr error
}

// NewJSONLSnapshots opens (creating directories as needed) the snapshot file
// for appending.
func NewJSONLSnapshots(path string) (*JSONLSnapshots, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open snapshot log %s: %w", path, err)
	}
	return &JSONLSnapshots{f: f}, nil
}

// LogSnapshot appends one JSON line.
func (l *JSONLSnapshots) LogSnapshot(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(s)
	if err != nil {
		l.mu.Lock()
		l.lastErr = err
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.lastErr = err
	}
}

// Close releases the file and reports the last write error, if any.
func (l *JSONLSnapshots) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Close(); err != nil {
		return err
	}
	return l.lastErr
}
