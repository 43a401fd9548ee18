package kernel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"finger/internal/logging"
)

// Diagnostics mirrors every user_turn submission to a per-agent JSONL file
// so injected prompts can be audited after the fact. Writes are best effort;
// a failing sink never blocks a turn.
type Diagnostics struct {
	dir    string
	logger logging.Logger

	mu      sync.Mutex
	files   map[string]*os.File
	lastErr error
}

// DiagnosticRecord is one audit line.
type DiagnosticRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	AgentID    string     `json:"agentId"`
	SessionKey string     `json:"sessionKey"`
	Submission Submission `json:"submission"`
}

// NewDiagnostics returns a sink writing <agentId>.prompt-injection.jsonl
// files under dir. The directory is created on first write.
func NewDiagnostics(dir string, logger logging.Logger) *Diagnostics {
	return &Diagnostics{
		dir:    dir,
		logger: logging.OrNop(logger),
		files:  make(map[string]*os.File),
	}
}

// Record appends one submission for the agent.
func (d *Diagnostics) Record(agentID, sessionKey string, sub Submission) {
	if agentID == "" {
		agentID = "unknown"
	}
	line, err := json.Marshal(DiagnosticRecord{
		Timestamp:  time.Now(),
		AgentID:    agentID,
		SessionKey: sessionKey,
		Submission: sub,
	})
	if err != nil {
		d.remember(err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.open(agentID)
	if err != nil {
		d.lastErr = err
		d.logger.Warn("diagnostics sink: %v", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		d.lastErr = err
		d.logger.Warn("diagnostics append for %s: %v", agentID, err)
	}
}

// Path returns the JSONL file path for an agent id.
func (d *Diagnostics) Path(agentID string) string {
	return filepath.Join(d.dir, agentID+".prompt-injection.jsonl")
}

// Err returns the most recent sink failure, if any.
func (d *Diagnostics) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Close releases every open file.
func (d *Diagnostics) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for agentID, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.files, agentID)
	}
	if firstErr == nil {
		firstErr = d.lastErr
	}
	return firstErr
}

func (d *Diagnostics) open(agentID string) (*os.File, error) {
	if f, ok := d.files[agentID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(d.Path(agentID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	d.files[agentID] = f
	return f, nil
}

func (d *Diagnostics) remember(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	d.logger.Warn("diagnostics encode: %v", err)
}
