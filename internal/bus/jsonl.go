package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// globalStream names the JSONL file for events carrying no session id.
const globalStream = "global"

// JSONLSink appends events to one JSON-lines file per session under a base
// directory. File handles stay open between writes and are released by Close.
type JSONLSink struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewJSONLSink creates the base directory and returns a sink writing under it.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &JSONLSink{dir: dir, files: make(map[string]*os.File)}, nil
}

// Append writes evt as one JSON line to the session's stream file.
func (s *JSONLSink) Append(evt Event) error {
	stream := evt.SessionID
	if stream == "" {
		stream = globalStream
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(stream)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event to %s: %w", stream, err)
	}
	return nil
}

func (s *JSONLSink) open(stream string) (*os.File, error) {
	if f, ok := s.files[stream]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, sanitizeStream(stream)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	s.files[stream] = f
	return f, nil
}

// Path returns the JSONL file path for a session id.
func (s *JSONLSink) Path(sessionID string) string {
	if sessionID == "" {
		sessionID = globalStream
	}
	return filepath.Join(s.dir, sanitizeStream(sessionID)+".jsonl")
}

// Close releases all open stream files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for stream, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close event log %s: %w", stream, err)
		}
		delete(s.files, stream)
	}
	return firstErr
}

// sanitizeStream keeps session ids filesystem-safe.
func sanitizeStream(stream string) string {
	out := make([]rune, 0, len(stream))
	for _, r := range stream {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return globalStream
	}
	return string(out)
}
