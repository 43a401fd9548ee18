// Package checkpoint persists immutable orchestration snapshots, one
// append-only JSONL stream per session. The most recent record is the resume
// point after a crash or restart.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"finger/internal/ids"
	"finger/internal/logging"
)

// TaskProgress mirrors one task's state at checkpoint time.
type TaskProgress struct {
	TaskID           string     `json:"taskId"`
	Description      string     `json:"description,omitempty"`
	Status           string     `json:"status"`
	AssignedResource string     `json:"assignedResource,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Iterations       int        `json:"iterations,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
}

// AgentState records what one agent was doing at checkpoint time.
type AgentState struct {
	AgentID       string    `json:"agentId"`
	Role          string    `json:"role,omitempty"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Checkpoint is one immutable snapshot. Context carries free-form state such
// as design artifacts and error history; PhaseHistory lists every phase the
// epic has passed through, oldest first.
type Checkpoint struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	Timestamp    time.Time      `json:"timestamp"`
	UserTask     string         `json:"userTask"`
	Phase        string         `json:"phase"`
	TaskProgress []TaskProgress `json:"taskProgress,omitempty"`
	AgentStates  []AgentState   `json:"agentStates,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	PhaseHistory []string       `json:"phaseHistory,omitempty"`
}

// resumablePhases are the orchestrator phase strings a checkpoint may carry
// that map back onto a machine state. Anything else resumes as replanning.
var resumablePhases = map[string]bool{
	"understanding":     true,
	"high_design":       true,
	"detail_design":     true,
	"deliverables":      true,
	"plan":              true,
	"parallel_dispatch": true,
	"blocked_review":    true,
	"verify":            true,
	"completed":         true,
	"failed":            true,
	"replanning":        true,
	"paused":            true,
}

// ResumeDefault is returned when a checkpoint's phase is indeterminate.
const ResumeDefault = "replanning"

// Store keeps one JSONL file per session under dir.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger logging.Logger
}

// NewStore creates dir if needed and returns a store over it.
func NewStore(dir string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Create appends cp to its session stream, assigning id and timestamp.
// Records are never rewritten once appended.
func (s *Store) Create(cp Checkpoint) (Checkpoint, error) {
	if cp.SessionID == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint requires a session id")
	}
	cp.ID = ids.NewCheckpointID()
	cp.Timestamp = time.Now().UTC()

	line, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(cp.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("open checkpoint stream: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Checkpoint{}, fmt.Errorf("append checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint %s written for %s (phase=%s)", cp.ID, cp.SessionID, cp.Phase)
	return cp, nil
}

// FindLatest returns the most recent checkpoint for a session, or ok=false
// when the session has none. Corrupt lines are skipped with a warning so one
// bad write cannot poison resume.
func (s *Store) FindLatest(sessionID string) (Checkpoint, bool, error) {
	list, err := s.List(sessionID, 1)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(list) == 0 {
		return Checkpoint{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// List returns up to limit most recent checkpoints, oldest first. limit <= 0
// returns all.
func (s *Store) List(sessionID string, limit int) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(sessionID, limit)
}

func (s *Store) readLocked(sessionID string, limit int) ([]Checkpoint, error) {
	f, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint stream: %w", err)
	}
	defer f.Close()

	var out []Checkpoint
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(sc.Bytes(), &cp); err != nil {
			s.logger.Warn("skipping corrupt checkpoint line %d for %s: %v", lineNo, sessionID, err)
			continue
		}
		out = append(out, cp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint stream: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DetermineResumePhase maps a checkpoint's stored phase to the phase the
// orchestrator should resume into.
func DetermineResumePhase(cp Checkpoint) string {
	if resumablePhases[cp.Phase] {
		return cp.Phase
	}
	return ResumeDefault
}

// CleanupOld trims a session's stream to its most recent keep records and
// returns how many were dropped. The rewrite is atomic.
func (s *Store) CleanupOld(sessionID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readLocked(sessionID, 0)
	if err != nil {
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}
	kept := all[len(all)-keep:]

	var buf []byte
	for _, cp := range kept {
		line, err := json.Marshal(cp)
		if err != nil {
			return 0, fmt.Errorf("encode checkpoint: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	path := s.path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return 0, fmt.Errorf("write trimmed checkpoint stream: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit trimmed checkpoint stream: %w", err)
	}

	removed := len(all) - keep
	s.logger.Info("trimmed %d old checkpoints for %s", removed, sessionID)
	return removed, nil
}

// Sessions lists session ids that have at least one checkpoint.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			out = append(out, name[:len(name)-len(".jsonl")])
		}
	}
	return out, nil
}

func (s *Store) path(sessionID string) string {
	safe := make([]rune, 0, len(sessionID))
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			safe = append(safe, r)
		default:
			safe = append(safe, '_')
		}
	}
	return filepath.Join(s.dir, string(safe)+".jsonl")
}
