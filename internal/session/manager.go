package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"finger/internal/errors"
	"finger/internal/ids"
	"finger/internal/logging"
)

// defaultBucket is used for sessions with no project directory.
const defaultBucket = "default"

// snapshotCacheSize bounds the read-side LRU fronting GetSession.
const snapshotCacheSize = 64

// Config configures a Manager.
type Config struct {
	// Dir is the session store root, typically ~/.finger/sessions.
	Dir string
	// CompressAfterMessages is the message count beyond which CompressContext
	// trims. Zero means DefaultCompressAfter.
	CompressAfterMessages int
	Logger                logging.Logger
}

// DefaultCompressAfter is the compression threshold when unconfigured.
const DefaultCompressAfter = 50

// Manager owns all sessions. Operations are serial per process; the manager
// itself is not safe for concurrent use and callers synchronize externally,
// matching its single-goroutine ownership in the daemon.
type Manager struct {
	dir       string
	sessions  map[string]*Session
	byProject map[string][]string
	// legacy tracks ids loaded from the flat layout that have not yet been
	// rewritten into a bucket. The flat file is removed on first write.
	legacy   map[string]bool
	cache    *lru.Cache[string, Session]
	compress int
	logger   logging.Logger
}

// NewManager loads every session under cfg.Dir. Both layouts are read: the
// legacy flat layout (<dir>/<id>.json) and the bucketed layout
// (<dir>/<bucket>/<id>.json). When both hold the same id the bucketed record
// wins.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.Validation("session dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	compress := cfg.CompressAfterMessages
	if compress <= 0 {
		compress = DefaultCompressAfter
	}
	cache, err := lru.New[string, Session](snapshotCacheSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:       cfg.Dir,
		sessions:  make(map[string]*Session),
		byProject: make(map[string][]string),
		legacy:    make(map[string]bool),
		cache:     cache,
		compress:  compress,
		logger:    logging.OrNop(cfg.Logger),
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}

	// Legacy flat files first so bucketed records override them.
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if s, err := m.readFile(filepath.Join(m.dir, e.Name())); err == nil {
			m.index(s)
			m.legacy[s.ID] = true
		}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bucket := filepath.Join(m.dir, e.Name())
		files, err := os.ReadDir(bucket)
		if err != nil {
			m.logger.Warn("skipping unreadable bucket %s: %v", e.Name(), err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			s, err := m.readFile(filepath.Join(bucket, f.Name()))
			if err != nil {
				continue
			}
			delete(m.legacy, s.ID)
			m.index(s)
		}
	}

	m.logger.Info("loaded %d sessions (%d legacy)", len(m.sessions), len(m.legacy))
	return nil
}

func (m *Manager) readFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("cannot read session file %s: %v", path, err)
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		preview := string(data)
		if len(preview) > 120 {
			preview = preview[:120]
		}
		m.logger.Warn("cannot decode session file %s: %v (content: %s)", path, err, preview)
		return nil, err
	}
	if s.ID == "" {
		m.logger.Warn("session file %s has no id, skipping", path)
		return nil, fmt.Errorf("session file %s missing id", path)
	}
	return &s, nil
}

func (m *Manager) index(s *Session) {
	if old, ok := m.sessions[s.ID]; ok {
		m.dropProjectIndex(old)
	}
	m.sessions[s.ID] = s
	bucket := bucketFor(s.ProjectDir)
	m.byProject[bucket] = append(m.byProject[bucket], s.ID)
}

func (m *Manager) dropProjectIndex(s *Session) {
	bucket := bucketFor(s.ProjectDir)
	list := m.byProject[bucket]
	for i, id := range list {
		if id == s.ID {
			m.byProject[bucket] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m.byProject[bucket]) == 0 {
		delete(m.byProject, bucket)
	}
}

// CreateSession registers a new session bound to projectDir and persists it.
func (m *Manager) CreateSession(name, projectDir string) (Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             ids.NewSessionID(),
		Name:           name,
		ProjectDir:     normalizeProjectDir(projectDir),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Context:        make(map[string]any),
	}
	m.index(s)
	if err := m.persist(s); err != nil {
		m.dropProjectIndex(s)
		delete(m.sessions, s.ID)
		return Session{}, err
	}
	m.logger.Info("session %s created for %s", s.ID, s.ProjectDir)
	return s.clone(), nil
}

// GetSession returns a snapshot of the session.
func (m *Manager) GetSession(id string) (Session, bool) {
	if snap, ok := m.cache.Get(id); ok {
		return snap, true
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	snap := s.clone()
	m.cache.Add(id, snap)
	return snap, true
}

// Sessions returns snapshots of every session, most recently accessed first.
func (m *Manager) Sessions() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out
}

// SessionsByProject returns snapshots of the sessions bound to projectDir.
func (m *Manager) SessionsByProject(projectDir string) []Session {
	bucket := bucketFor(normalizeProjectDir(projectDir))
	var out []Session
	for _, id := range m.byProject[bucket] {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.clone())
		}
	}
	return out
}

// AutoResume returns the most recently accessed session, if any.
func (m *Manager) AutoResume() (Session, bool) {
	var best *Session
	for _, s := range m.sessions {
		if best == nil || s.LastAccessedAt.After(best.LastAccessedAt) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return best.clone(), true
}

// MarkAccessed bumps the session's last-accessed time and persists.
func (m *Manager) MarkAccessed(id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return errors.Validation("session %s not found", id)
	}
	s.LastAccessedAt = time.Now().UTC()
	return m.persist(s)
}

// AddMessage validates, stamps and appends msg to the session log, then
// persists. Content must be non-empty after trimming.
func (m *Manager) AddMessage(sessionID string, msg Message) (Message, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Message{}, errors.Validation("session %s not found", sessionID)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Message{}, errors.Validation("message content is empty")
	}
	if !validRole(msg.Role) {
		return Message{}, errors.Validation("unknown message role %q", msg.Role)
	}
	if !validKind(msg.Kind) {
		return Message{}, errors.Validation("unknown message kind %q", msg.Kind)
	}

	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	now := time.Now().UTC()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = now
	s.LastAccessedAt = now

	if err := m.persist(s); err != nil {
		s.Messages = s.Messages[:len(s.Messages)-1]
		return Message{}, err
	}
	return msg, nil
}

// UpdateContext sets one context key and persists.
func (m *Manager) UpdateContext(sessionID, key string, value any) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.Validation("session %s not found", sessionID)
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
	s.UpdatedAt = time.Now().UTC()
	return m.persist(s)
}

// AttachWorkflow records workflowID as active on the session.
func (m *Manager) AttachWorkflow(sessionID, workflowID string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.Validation("session %s not found", sessionID)
	}
	for _, id := range s.ActiveWorkflows {
		if id == workflowID {
			return nil
		}
	}
	s.ActiveWorkflows = append(s.ActiveWorkflows, workflowID)
	s.UpdatedAt = time.Now().UTC()
	return m.persist(s)
}

// DetachWorkflow removes workflowID from the session's active set.
func (m *Manager) DetachWorkflow(sessionID, workflowID string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.Validation("session %s not found", sessionID)
	}
	for i, id := range s.ActiveWorkflows {
		if id == workflowID {
			s.ActiveWorkflows = append(s.ActiveWorkflows[:i:i], s.ActiveWorkflows[i+1:]...)
			s.UpdatedAt = time.Now().UTC()
			return m.persist(s)
		}
	}
	return nil
}

// CompressContext folds the oldest messages beyond the configured threshold
// into the rolling summary under context.compressedHistory. The newest
// threshold messages stay verbatim.
func (m *Manager) CompressContext(sessionID string) (CompressionResult, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return CompressionResult{}, errors.Validation("session %s not found", sessionID)
	}
	if len(s.Messages) <= m.compress {
		return CompressionResult{Compressed: false, Remaining: len(s.Messages)}, nil
	}

	cut := len(s.Messages) - m.compress
	old := s.Messages[:cut]
	summary := summarize(old)

	prevMessages := s.Messages
	prevContext := s.Context[ContextKeyCompressedHistory]

	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	if prev, _ := prevContext.(string); prev != "" {
		summary = prev + "\n" + summary
	}
	s.Context[ContextKeyCompressedHistory] = summary
	s.Messages = append([]Message(nil), s.Messages[cut:]...)
	s.UpdatedAt = time.Now().UTC()

	if err := m.persist(s); err != nil {
		s.Messages = prevMessages
		if prevContext == nil {
			delete(s.Context, ContextKeyCompressedHistory)
		} else {
			s.Context[ContextKeyCompressedHistory] = prevContext
		}
		return CompressionResult{}, err
	}

	m.logger.Info("session %s compressed: %d messages folded", sessionID, cut)
	return CompressionResult{
		Compressed: true,
		Removed:    cut,
		Remaining:  len(s.Messages),
		Summary:    summary,
	}, nil
}

// DeleteSession removes the session from memory and disk, pruning its bucket
// directory when it becomes empty.
func (m *Manager) DeleteSession(id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return errors.Validation("session %s not found", id)
	}

	path := m.sessionPath(s)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	if m.legacy[id] {
		os.Remove(filepath.Join(m.dir, id+".json"))
		delete(m.legacy, id)
	}
	// Prune the bucket dir if this was its last session.
	os.Remove(filepath.Dir(path))

	m.dropProjectIndex(s)
	delete(m.sessions, id)
	m.cache.Remove(id)
	m.logger.Info("session %s deleted", id)
	return nil
}

// persist writes the session to its bucketed path atomically and lifts any
// legacy flat file into the bucket by removing it after a successful write.
func (m *Manager) persist(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	path := m.sessionPath(s)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session bucket: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit session %s: %w", s.ID, err)
	}

	if m.legacy[s.ID] {
		if err := os.Remove(filepath.Join(m.dir, s.ID+".json")); err == nil || os.IsNotExist(err) {
			delete(m.legacy, s.ID)
		}
	}
	m.cache.Remove(s.ID)
	return nil
}

func (m *Manager) sessionPath(s *Session) string {
	return filepath.Join(m.dir, bucketFor(s.ProjectDir), s.ID+".json")
}

// normalizeProjectDir cleans the directory path without requiring it to
// exist.
func normalizeProjectDir(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Clean(dir)
}

// bucketFor maps a project directory to a filesystem-safe bucket name.
func bucketFor(projectDir string) string {
	if projectDir == "" {
		return defaultBucket
	}
	b := strings.Trim(filepath.ToSlash(projectDir), "/")
	if b == "" {
		return defaultBucket
	}
	var sb strings.Builder
	for _, r := range b {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// Bucket exposes the bucket mapping for components that mirror per-session
// files alongside the session store.
func Bucket(projectDir string) string {
	return bucketFor(normalizeProjectDir(projectDir))
}
