package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"finger/internal/async"
	"finger/internal/bus"
	"finger/internal/errors"
	"finger/internal/ids"
	"finger/internal/logging"
)

// EnvProvider names the environment variable that tells the kernel child
// which model provider to load.
const EnvProvider = "FINGER_KERNEL_PROVIDER"

// DefaultProvider is used when a caller leaves the provider id empty.
const DefaultProvider = "crsb"

const (
	DefaultTurnTimeout      = 120 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultTurnRetryCount   = 2
)

// SessionKey derives the child key for a session and provider pair.
func SessionKey(sessionID, providerID string) string {
	return fmt.Sprintf("%s::provider=%s", sessionID, providerID)
}

// Config configures a Manager.
type Config struct {
	// Binary is the kernel executable; required.
	Binary string
	Args   []string

	// DefaultProvider substitutes for empty provider ids. Empty means crsb.
	DefaultProvider string

	// TurnTimeout bounds a turn when the request carries no TimeoutMS.
	TurnTimeout time.Duration
	// HandshakeTimeout bounds the wait for session_configured after spawn.
	HandshakeTimeout time.Duration
	// ShutdownTimeout bounds the graceful close handshake before a kill.
	ShutdownTimeout time.Duration

	// TurnRetryCount is the resubmission budget of RunTurnWithRetry; a failed
	// turn runs at most TurnRetryCount+1 times.
	TurnRetryCount int
	// TestMode removes retry backoff delays.
	TestMode bool

	// Bus, when set, receives kernel_event passthrough and turn_retry events.
	Bus *bus.Bus
	// OnEvent, when set, observes every consumed kernel event in order.
	OnEvent func(sessionKey string, evt Event)
	// Diagnostics, when set, mirrors every user_turn submission per agent.
	Diagnostics *Diagnostics

	Logger logging.Logger
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	SessionID  string
	ProviderID string
	// AgentID identifies the requesting agent for events and diagnostics.
	AgentID string
	Items   []InputItem
	Options *TurnOptions
	// TimeoutMS overrides the manager's turn timeout when positive.
	TimeoutMS int64
}

// TurnResult is the resolved outcome of a turn.
type TurnResult struct {
	TurnID           string  `json:"turnId"`
	LastAgentMessage string  `json:"lastAgentMessage"`
	MetadataJSON     string  `json:"metadataJson,omitempty"`
	Queued           bool    `json:"queued,omitempty"`
	Events           []Event `json:"-"`
}

// Manager owns every kernel child, keyed by SessionKey. All methods are safe
// for concurrent use.
type Manager struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	seq      atomic.Int64
}

// NewManager validates cfg and applies defaults.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.Validation("kernel manager requires a binary path")
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = DefaultProvider
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.TurnRetryCount < 0 {
		cfg.TurnRetryCount = 0
	} else if cfg.TurnRetryCount == 0 {
		cfg.TurnRetryCount = DefaultTurnRetryCount
	}
	return &Manager{
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger),
		sessions: make(map[string]*Session),
	}, nil
}

// Session is one live kernel child bound to a session/provider key.
type Session struct {
	key        string
	sessionID  string
	providerID string
	proc       *Process

	configured   chan struct{}
	configOnce   sync.Once
	shutdownDone chan struct{}
	shutOnce     sync.Once

	mu      sync.Mutex
	active  *turn
	pending []*turn
}

// Key returns the session's full key.
func (s *Session) Key() string { return s.key }

// PID returns the child's process id.
func (s *Session) PID() int { return s.proc.PID() }

// Alive reports whether the child is still running.
func (s *Session) Alive() bool { return s.proc.Alive() }

// Busy reports whether a turn is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

type turn struct {
	id      string
	agentID string
	queued  bool
	timer   *time.Timer
	events  []Event
	done    chan struct{}
	result  TurnResult
	err     error
}

// record appends evt to the active turn when ids match. It returns the turn
// and whether the event was accepted.
func (s *Session) record(evt Event) (*turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || evt.ID != s.active.id {
		return nil, false
	}
	s.active.events = append(s.active.events, evt)
	return s.active, true
}

// complete resolves the active turn and every queued turn with result. The
// kernel consumes queued input inside the running task, so one task_complete
// answers them all.
func (s *Session) complete(result TurnResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	if s.active.timer != nil {
		s.active.timer.Stop()
	}
	s.active.result = result
	close(s.active.done)
	for _, p := range s.pending {
		p.result = result
		close(p.done)
	}
	s.active = nil
	s.pending = nil
}

// fail rejects the active turn and every queued turn with err, returning the
// turns that were rejected. A second call is a no-op.
func (s *Session) fail(err error) []*turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil && len(s.pending) == 0 {
		return nil
	}
	var rejected []*turn
	if s.active != nil {
		if s.active.timer != nil {
			s.active.timer.Stop()
		}
		s.active.err = err
		close(s.active.done)
		rejected = append(rejected, s.active)
	}
	for _, p := range s.pending {
		p.err = err
		close(p.done)
		rejected = append(rejected, p)
	}
	s.active = nil
	s.pending = nil
	return rejected
}

func (s *Session) markConfigured() {
	s.configOnce.Do(func() { close(s.configured) })
}

func (s *Session) markShutdown() {
	s.shutOnce.Do(func() { close(s.shutdownDone) })
}

func (m *Manager) provider(providerID string) string {
	if strings.TrimSpace(providerID) == "" {
		return m.cfg.DefaultProvider
	}
	return providerID
}

// EnsureSession returns a live kernel child for the session/provider pair,
// reusing a running one and otherwise disposing the stale entry and spawning
// fresh with the provider id in the child's environment. It returns once the
// child has published session_configured.
func (m *Manager) EnsureSession(ctx context.Context, sessionID, providerID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.Validation("kernel session requires a session id")
	}
	providerID = m.provider(providerID)
	key := SessionKey(sessionID, providerID)

	m.mu.Lock()
	if sess := m.sessions[key]; sess != nil {
		if sess.proc.Alive() {
			m.mu.Unlock()
			if err := m.awaitConfigured(ctx, sess); err != nil {
				return nil, err
			}
			return sess, nil
		}
		delete(m.sessions, key)
	}

	proc, err := StartProcess(ProcessConfig{
		Binary: m.cfg.Binary,
		Args:   m.cfg.Args,
		Env:    map[string]string{EnvProvider: providerID},
		Logger: logging.WithPrefix(m.logger, "["+key+"]"),
	})
	if err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.KindFatal, err, "spawn kernel for %s", key)
	}
	sess := &Session{
		key:          key,
		sessionID:    sessionID,
		providerID:   providerID,
		proc:         proc,
		configured:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.logger.Info("kernel session %s started (pid %d)", key, proc.PID())
	async.Go(m.logger, "kernel.pump."+key, func() { m.pump(sess) })

	if err := m.awaitConfigured(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) awaitConfigured(ctx context.Context, sess *Session) error {
	select {
	case <-sess.configured:
		return nil
	case <-sess.proc.Done():
		return errors.Wrap(errors.KindFatal, sess.proc.ExitError(),
			"kernel session %s died before configuring", sess.key)
	case <-time.After(m.cfg.HandshakeTimeout):
		err := errors.Fatal("kernel session %s did not configure within %v", sess.key, m.cfg.HandshakeTimeout)
		m.teardown(sess, err)
		return err
	case <-ctx.Done():
		return errors.Wrap(errors.KindUserInterrupt, ctx.Err(),
			"kernel session %s handshake cancelled", sess.key)
	}
}

// RunTurn submits one user turn and blocks until the kernel resolves it, the
// turn times out, or ctx is cancelled. A turn submitted while another is
// active is written under a pending id, acknowledged with a synthetic
// pending_input_queued event, and resolved together with the active turn.
func (m *Manager) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if len(req.Items) == 0 {
		return TurnResult{}, errors.Validation("kernel turn requires at least one input item")
	}
	sess, err := m.EnsureSession(ctx, req.SessionID, req.ProviderID)
	if err != nil {
		return TurnResult{}, err
	}

	timeout := m.cfg.TurnTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	sess.mu.Lock()
	t := &turn{agentID: req.AgentID, done: make(chan struct{})}
	if sess.active == nil {
		t.id = ids.TurnID(m.seq.Add(1))
		sess.active = t
	} else {
		t.id = ids.PendingID(m.seq.Add(1))
		t.queued = true
		sess.pending = append(sess.pending, t)
	}
	sess.mu.Unlock()

	sub := Submission{ID: t.id, Op: UserTurn(req.Items, req.Options)}
	if m.cfg.Diagnostics != nil {
		m.cfg.Diagnostics.Record(req.AgentID, sess.key, sub)
	}
	if err := sess.proc.Submit(sub); err != nil {
		m.teardown(sess, errors.Wrap(errors.KindFatal, err, "kernel session %s rejected submission %s", sess.key, t.id))
		<-t.done
		return TurnResult{}, t.err
	}

	if t.queued {
		ack := Event{ID: t.id, Msg: EventMsg{Type: MsgPendingInputQueued}}
		t.events = append(t.events, ack)
		m.forward(sess, t.agentID, ack)
		m.logger.Debug("kernel session %s: queued turn %s behind active turn", sess.key, t.id)
	} else {
		t.timer = time.AfterFunc(timeout, func() {
			m.teardown(sess, errors.Timeout("kernel turn %s timed out after %v", t.id, timeout))
		})
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		m.teardown(sess, errors.Wrap(errors.KindUserInterrupt, ctx.Err(), "kernel turn %s interrupted", t.id))
		<-t.done
	}
	if t.err != nil {
		return TurnResult{}, t.err
	}
	res := t.result
	res.TurnID = t.id
	res.Queued = t.queued
	res.Events = t.events
	return res, nil
}

// InterruptSession rejects the active turn with a user-interruption error,
// cancels queued turns, and disposes the child.
func (m *Manager) InterruptSession(sessionID, providerID string) error {
	key := SessionKey(sessionID, m.provider(providerID))
	m.mu.Lock()
	sess := m.sessions[key]
	m.mu.Unlock()
	if sess == nil {
		return errors.Validation("no kernel session %q", key)
	}
	// Best effort: let the kernel abort its task before the child dies.
	_ = sess.proc.Submit(Submission{ID: "interrupt", Op: Op{Type: OpInterrupt}})
	m.teardown(sess, errors.UserInterrupt("kernel turn interrupted for session %s", key))
	m.logger.Info("kernel session %s interrupted", key)
	return nil
}

// Approve answers a pending exec or patch approval request.
func (m *Manager) Approve(sessionID, providerID, approvalID, decision string, patch bool) error {
	if !ValidDecision(decision) {
		return errors.Validation("unknown approval decision %q", decision)
	}
	key := SessionKey(sessionID, m.provider(providerID))
	m.mu.Lock()
	sess := m.sessions[key]
	m.mu.Unlock()
	if sess == nil {
		return errors.Validation("no kernel session %q", key)
	}
	opType := OpExecApproval
	if patch {
		opType = OpPatchApproval
	}
	return sess.proc.Submit(Submission{ID: approvalID, Op: Op{Type: opType, ID: approvalID, Decision: decision}})
}

// CloseSession shuts a session down gracefully: shutdown op, wait for
// shutdown_complete or child exit within the shutdown timeout, then kill
// whatever is left. Closing an unknown session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID, providerID string) error {
	key := SessionKey(sessionID, m.provider(providerID))
	m.mu.Lock()
	sess := m.sessions[key]
	if sess != nil {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	if rejected := sess.fail(errors.UserInterrupt("kernel turn interrupted: session %s closing", key)); len(rejected) > 0 {
		m.logger.Warn("kernel session %s closed with %d turn(s) in flight", key, len(rejected))
	}
	if err := sess.proc.Submit(Submission{ID: "shutdown", Op: Op{Type: OpShutdown}}); err != nil {
		sess.proc.Kill()
		return nil
	}
	select {
	case <-sess.shutdownDone:
	case <-sess.proc.Done():
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("kernel session %s ignored shutdown; killing", key)
	case <-ctx.Done():
	}
	sess.proc.Kill()
	m.logger.Info("kernel session %s closed", key)
	return nil
}

// CloseAll gracefully closes every session. Used at daemon shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.Unlock()
	for _, sess := range all {
		_ = m.CloseSession(ctx, sess.sessionID, sess.providerID)
	}
}

// Sessions returns the keys of live sessions, for introspection surfaces.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	return keys
}

// pump consumes the child's event stream until stdout closes, then settles
// whatever the exit leaves behind.
func (m *Manager) pump(sess *Session) {
	for evt := range sess.proc.Events() {
		m.handleEvent(sess, evt)
	}
	<-sess.proc.Done()
	m.handleExit(sess)
}

func (m *Manager) handleEvent(sess *Session, evt Event) {
	switch {
	case evt.Msg.Type == MsgSessionConfigured && evt.ID == SessionConfiguredID:
		sess.markConfigured()
		m.forward(sess, "", evt)
		return
	case evt.Msg.Type == MsgShutdownComplete:
		sess.markShutdown()
		m.forward(sess, "", evt)
		return
	}

	t, matched := sess.record(evt)
	if !matched {
		m.logger.Debug("kernel session %s: dropped %s event for id %s", sess.key, evt.Msg.Type, evt.ID)
		return
	}
	m.forward(sess, t.agentID, evt)

	switch evt.Msg.Type {
	case MsgTaskComplete:
		if strings.TrimSpace(evt.Msg.LastAgentMessage) == "" {
			m.teardown(sess, errors.MalformedDecision("kernel turn %s completed without last_agent_message", t.id))
			return
		}
		sess.complete(TurnResult{
			LastAgentMessage: evt.Msg.LastAgentMessage,
			MetadataJSON:     evt.Msg.MetadataJSON,
		})
	case MsgError:
		m.teardown(sess, errors.FromKernelMessage(evt.Msg.Message))
	case MsgTurnAborted:
		m.teardown(sess, errors.UserInterrupt("kernel turn %s interrupted (%s)", t.id, evt.Msg.Reason))
	}
}

func (m *Manager) handleExit(sess *Session) {
	m.remove(sess)
	err := errors.Wrap(errors.KindFatal, sess.proc.ExitError(), "kernel session %s terminated", sess.key)
	if rejected := sess.fail(err); len(rejected) > 0 {
		m.logger.Error("kernel session %s exited with %d turn(s) in flight: %v", sess.key, len(rejected), sess.proc.ExitError())
	}
}

// teardown forgets the session, rejects every in-flight turn, and kills the
// child. The session leaves the map before any waiter wakes, so a retry that
// follows the rejection always spawns fresh. Resolution races (timer vs event
// vs exit) are settled by whichever path calls fail first.
func (m *Manager) teardown(sess *Session, err error) {
	m.remove(sess)
	if rejected := sess.fail(err); len(rejected) > 0 {
		m.logger.Warn("kernel session %s: rejected %d turn(s): %v", sess.key, len(rejected), err)
	}
	sess.proc.Kill()
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.key] == sess {
		delete(m.sessions, sess.key)
	}
	m.mu.Unlock()
}

// forward hands evt to the configured callback and mirrors tool and model
// progress onto the bus as kernel_event.
func (m *Manager) forward(sess *Session, agentID string, evt Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(sess.key, evt)
	}
	if m.cfg.Bus == nil {
		return
	}
	switch evt.Msg.Type {
	case MsgToolCall, MsgToolResult, MsgToolError, MsgModelRound, MsgPendingInputQueued:
		m.cfg.Bus.Emit(bus.Event{
			Type:      bus.EventKernelEvent,
			SessionID: sess.sessionID,
			AgentID:   agentID,
			Payload: map[string]any{
				"kernelType": evt.Msg.Type,
				"turnId":     evt.ID,
				"msg":        evt.Msg,
			},
		})
	}
}
