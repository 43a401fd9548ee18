package loop

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"finger/internal/bus"
	"finger/internal/errors"
	"finger/internal/ids"
	"finger/internal/logging"
	"finger/internal/resource"
)

// Config wires a Manager.
type Config struct {
	Pool *resource.Pool
	Bus  *bus.Bus

	// PreservedCycles is how many most-recent historical loops survive a
	// compression pass verbatim. Zero means DefaultPreservedCycles.
	PreservedCycles int
	// MaxContextTokens is the per-epic token budget. Zero means
	// DefaultMaxContextTokens.
	MaxContextTokens int
	// CompressionRatio positions the compression threshold as a fraction of
	// MaxContextTokens. Zero means DefaultCompressionRatio.
	CompressionRatio float64

	Logger logging.Logger
}

const (
	DefaultPreservedCycles  = 3
	DefaultMaxContextTokens = 128000
	DefaultCompressionRatio = 0.8
)

// Manager owns every EpicTaskFlow and the loops inside them. All methods are
// safe for concurrent use; mutations are serialized on one mutex so node
// append order is the order every snapshot and event observes.
type Manager struct {
	mu       sync.Mutex
	flows    map[string]*EpicTaskFlow
	loops    map[string]*Loop
	loopSeq  map[string]int
	nodeSeq  map[string]int
	pending  map[string]*PendingInput
	pool     *resource.Pool
	bus      *bus.Bus
	preserve int
	maxTok   int
	ratio    float64
	logger   logging.Logger
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) *Manager {
	preserve := cfg.PreservedCycles
	if preserve <= 0 {
		preserve = DefaultPreservedCycles
	}
	maxTok := cfg.MaxContextTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxContextTokens
	}
	ratio := cfg.CompressionRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultCompressionRatio
	}
	return &Manager{
		flows:    make(map[string]*EpicTaskFlow),
		loops:    make(map[string]*Loop),
		loopSeq:  make(map[string]int),
		nodeSeq:  make(map[string]int),
		pending:  make(map[string]*PendingInput),
		pool:     cfg.Pool,
		bus:      cfg.Bus,
		preserve: preserve,
		maxTok:   maxTok,
		ratio:    ratio,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// CreateEpic registers a new epic flow and emits epic.created.
func (m *Manager) CreateEpic(epicID, userTask string) (EpicTaskFlow, error) {
	if strings.TrimSpace(epicID) == "" {
		return EpicTaskFlow{}, errors.Validation("epic id is required")
	}
	m.mu.Lock()
	if _, exists := m.flows[epicID]; exists {
		m.mu.Unlock()
		return EpicTaskFlow{}, errors.Validation("epic %s already exists", epicID)
	}
	now := time.Now().UTC()
	flow := &EpicTaskFlow{
		EpicID:   epicID,
		Status:   PhasePlan,
		UserTask: userTask,
		History: map[string][]Loop{
			PhasePlan:      {},
			PhaseDesign:    {},
			PhaseExecution: {},
		},
		Window: ContextWindow{
			MaxTokens: m.maxTok,
			Threshold: int(float64(m.maxTok) * m.ratio),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.flows[epicID] = flow
	snapshot := flow.cloneShallowHistory()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventEpicCreated,
		WorkflowID: epicID,
		Payload:    map[string]any{"epicId": epicID, "userTask": userTask},
	})
	return snapshot, nil
}

// SetEpicStatus records the epic's current phase or terminal marker.
func (m *Manager) SetEpicStatus(epicID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[epicID]
	if !ok {
		return errors.Validation("unknown epic %s", epicID)
	}
	flow.Status = status
	flow.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteEpic marks the epic terminal and emits epic.completed.
func (m *Manager) CompleteEpic(epicID string, success bool, result string) error {
	m.mu.Lock()
	flow, ok := m.flows[epicID]
	if !ok {
		m.mu.Unlock()
		return errors.Validation("unknown epic %s", epicID)
	}
	if success {
		flow.Status = "completed"
	} else {
		flow.Status = "failed"
	}
	flow.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventEpicCompleted,
		WorkflowID: epicID,
		Payload:    map[string]any{"epicId": epicID, "success": success, "result": result},
	})
	return nil
}

// CreateLoop mints a loop in queue status for epicID and emits loop.created.
// The loop is not yet in the epic's dispatch queue; QueueLoop does that.
func (m *Manager) CreateLoop(epicID, phase, sourceLoopID string) (Loop, error) {
	if !ValidPhase(phase) {
		return Loop{}, errors.Validation("unknown loop phase %q", phase)
	}
	m.mu.Lock()
	if _, ok := m.flows[epicID]; !ok {
		m.mu.Unlock()
		return Loop{}, errors.Validation("unknown epic %s", epicID)
	}
	seqKey := epicID + "/" + phase
	m.loopSeq[seqKey]++
	l := &Loop{
		ID:           ids.LoopID(epicID, phase, m.loopSeq[seqKey]),
		EpicID:       epicID,
		Phase:        phase,
		Status:       LoopQueued,
		SourceLoopID: sourceLoopID,
		CreatedAt:    time.Now().UTC(),
	}
	m.loops[l.ID] = l
	snapshot := l.clone()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventLoopCreated,
		WorkflowID: epicID,
		Payload:    map[string]any{"loopId": snapshot.ID, "phase": phase, "sourceLoopId": sourceLoopID},
	})
	return snapshot, nil
}

// QueueLoop appends the loop to its epic's pending queue.
func (m *Manager) QueueLoop(loopID string) error {
	m.mu.Lock()
	l, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return errors.Validation("unknown loop %s", loopID)
	}
	if l.Status != LoopQueued {
		m.mu.Unlock()
		return errors.Validation("loop %s is %s, only queued loops can be enqueued", loopID, l.Status)
	}
	flow := m.flows[l.EpicID]
	for _, id := range flow.Queue {
		if id == loopID {
			m.mu.Unlock()
			return nil
		}
	}
	flow.Queue = append(flow.Queue, loopID)
	flow.UpdatedAt = time.Now().UTC()
	epicID := l.EpicID
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventLoopQueued,
		WorkflowID: epicID,
		Payload:    map[string]any{"loopId": loopID, "queueDepth": m.queueDepth(epicID)},
	})
	return nil
}

func (m *Manager) queueDepth(epicID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flow, ok := m.flows[epicID]; ok {
		return len(flow.Queue)
	}
	return 0
}

// StartLoop moves a queued loop to running. Starting a loop that is not in
// queue status is rejected, as is starting while another loop of the same
// epic runs.
func (m *Manager) StartLoop(loopID string) (Loop, error) {
	m.mu.Lock()
	l, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return Loop{}, errors.Validation("unknown loop %s", loopID)
	}
	if l.Status != LoopQueued {
		m.mu.Unlock()
		return Loop{}, errors.Validation("loop %s cannot start from status %s", loopID, l.Status)
	}
	flow := m.flows[l.EpicID]
	if flow.Running != "" {
		m.mu.Unlock()
		return Loop{}, errors.Validation("epic %s already has running loop %s", l.EpicID, flow.Running)
	}
	now := time.Now().UTC()
	l.Status = LoopRunning
	l.StartedAt = &now
	flow.Running = loopID
	flow.Queue = removeID(flow.Queue, loopID)
	flow.UpdatedAt = now
	snapshot := l.clone()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventLoopStarted,
		WorkflowID: snapshot.EpicID,
		Payload:    map[string]any{"loopId": loopID, "phase": snapshot.Phase},
	})
	return snapshot, nil
}

// CompleteLoop moves the running loop to history, records its result, emits
// loop.completed, and then evaluates context compression for the epic.
func (m *Manager) CompleteLoop(loopID, result string) (Loop, error) {
	m.mu.Lock()
	l, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return Loop{}, errors.Validation("unknown loop %s", loopID)
	}
	if l.Status != LoopRunning {
		m.mu.Unlock()
		return Loop{}, errors.Validation("loop %s cannot complete from status %s", loopID, l.Status)
	}
	now := time.Now().UTC()
	l.Status = LoopHistory
	l.CompletedAt = &now
	l.Result = result
	flow := m.flows[l.EpicID]
	flow.Running = ""
	flow.History[l.Phase] = append(flow.History[l.Phase], l.clone())
	flow.UpdatedAt = now
	snapshot := l.clone()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventLoopCompleted,
		WorkflowID: snapshot.EpicID,
		Payload:    map[string]any{"loopId": loopID, "phase": snapshot.Phase, "result": result},
	})

	if m.CheckContextCompression(snapshot.EpicID) {
		if _, err := m.CompressContext(snapshot.EpicID); err != nil {
			m.logger.Warn("context compression for epic %s failed: %v", snapshot.EpicID, err)
		}
	}
	return snapshot, nil
}

// AddNode appends a node to the loop, assigning its identity and timestamp,
// and emits loop.node.updated. Node tokens are added to the epic's window.
func (m *Manager) AddNode(loopID string, node Node) (Node, error) {
	if !validNodeType(node.Type) {
		return Node{}, errors.Validation("unknown node type %q", node.Type)
	}
	if node.Status == "" {
		node.Status = NodeRunning
	}
	if !validNodeStatus(node.Status) {
		return Node{}, errors.Validation("unknown node status %q", node.Status)
	}
	m.mu.Lock()
	l, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return Node{}, errors.Validation("unknown loop %s", loopID)
	}
	if l.Status == LoopHistory {
		m.mu.Unlock()
		return Node{}, errors.Validation("loop %s is historical, nodes are frozen", loopID)
	}
	m.nodeSeq[loopID]++
	node.ID = ids.NodeID(loopID, m.nodeSeq[loopID])
	node.Timestamp = time.Now().UTC()
	l.Nodes = append(l.Nodes, node)
	flow := m.flows[l.EpicID]
	flow.Window.UsedTokens += nodeTokens(node)
	flow.UpdatedAt = node.Timestamp
	epicID := l.EpicID
	snapshot := node.clone()
	m.mu.Unlock()

	m.emitNodeUpdated(epicID, loopID, snapshot)
	return snapshot, nil
}

// UpdateNodeStatus transitions a node. Terminal statuses additionally emit
// loop.node.completed; a terminal node can no longer change.
func (m *Manager) UpdateNodeStatus(loopID, nodeID, status string) (Node, error) {
	if !validNodeStatus(status) {
		return Node{}, errors.Validation("unknown node status %q", status)
	}
	m.mu.Lock()
	l, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return Node{}, errors.Validation("unknown loop %s", loopID)
	}
	var node *Node
	for i := range l.Nodes {
		if l.Nodes[i].ID == nodeID {
			node = &l.Nodes[i]
			break
		}
	}
	if node == nil {
		m.mu.Unlock()
		return Node{}, errors.Validation("unknown node %s in loop %s", nodeID, loopID)
	}
	if terminalNodeStatus(node.Status) {
		m.mu.Unlock()
		return Node{}, errors.Validation("node %s is already %s", nodeID, node.Status)
	}
	node.Status = status
	epicID := l.EpicID
	snapshot := node.clone()
	m.mu.Unlock()

	m.emitNodeUpdated(epicID, loopID, snapshot)
	if terminalNodeStatus(status) {
		m.emit(bus.Event{
			Type:       bus.EventLoopNodeCompleted,
			WorkflowID: epicID,
			AgentID:    snapshot.AgentID,
			Payload: map[string]any{
				"loopId": loopID,
				"nodeId": snapshot.ID,
				"type":   snapshot.Type,
				"status": snapshot.Status,
			},
		})
	}
	return snapshot, nil
}

func (m *Manager) emitNodeUpdated(epicID, loopID string, node Node) {
	m.emit(bus.Event{
		Type:       bus.EventLoopNodeUpdated,
		WorkflowID: epicID,
		AgentID:    node.AgentID,
		Payload: map[string]any{
			"loopId": loopID,
			"nodeId": node.ID,
			"type":   node.Type,
			"status": node.Status,
			"title":  node.Title,
		},
	})
}

// RequestUserInput creates a waiting user node on the epic's running loop,
// registers the pending input, and emits epic.user_input_required. One
// pending input per epic at a time.
func (m *Manager) RequestUserInput(epicID, question string, options []string, context map[string]any) (PendingInput, error) {
	if strings.TrimSpace(question) == "" {
		return PendingInput{}, errors.Validation("question is required")
	}
	m.mu.Lock()
	flow, ok := m.flows[epicID]
	if !ok {
		m.mu.Unlock()
		return PendingInput{}, errors.Validation("unknown epic %s", epicID)
	}
	if _, exists := m.pending[epicID]; exists {
		m.mu.Unlock()
		return PendingInput{}, errors.Validation("epic %s already has a pending user input", epicID)
	}
	loopID := flow.Running
	m.mu.Unlock()
	if loopID == "" {
		return PendingInput{}, errors.Validation("epic %s has no running loop to attach the question to", epicID)
	}

	node, err := m.AddNode(loopID, Node{
		Type:     NodeUser,
		Status:   NodeWaiting,
		Title:    "user input required",
		Text:     question,
		Metadata: context,
	})
	if err != nil {
		return PendingInput{}, err
	}

	p := &PendingInput{
		EpicID:    epicID,
		LoopID:    loopID,
		NodeID:    node.ID,
		Question:  question,
		Options:   append([]string(nil), options...),
		Context:   context,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.pending[epicID] = p
	snapshot := *p
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventEpicUserInputRequired,
		WorkflowID: epicID,
		Payload: map[string]any{
			"epicId":   epicID,
			"loopId":   loopID,
			"nodeId":   node.ID,
			"question": question,
			"options":  options,
		},
	})
	return snapshot, nil
}

// ReceiveUserInput resolves the epic's pending input with the user's
// response, marking the waiting node done.
func (m *Manager) ReceiveUserInput(epicID, response string) (Node, error) {
	m.mu.Lock()
	p, ok := m.pending[epicID]
	if !ok {
		m.mu.Unlock()
		return Node{}, errors.Validation("epic %s has no pending user input", epicID)
	}
	delete(m.pending, epicID)
	l := m.loops[p.LoopID]
	var node *Node
	for i := range l.Nodes {
		if l.Nodes[i].ID == p.NodeID {
			node = &l.Nodes[i]
			break
		}
	}
	if node == nil {
		m.mu.Unlock()
		return Node{}, errors.Validation("pending node %s vanished from loop %s", p.NodeID, p.LoopID)
	}
	node.Status = NodeDone
	if node.Metadata == nil {
		node.Metadata = map[string]any{}
	}
	node.Metadata["response"] = response
	snapshot := node.clone()
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventEpicUserInputReceived,
		WorkflowID: epicID,
		Payload: map[string]any{
			"epicId":   epicID,
			"nodeId":   snapshot.ID,
			"response": response,
		},
	})
	return snapshot, nil
}

// PendingInputFor returns the epic's unanswered question, if any.
func (m *Manager) PendingInputFor(epicID string) (PendingInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[epicID]
	if !ok {
		return PendingInput{}, false
	}
	return *p, true
}

// CheckContextCompression reports whether both compression triggers hold:
// more historical loops than the preserve count AND window usage above the
// threshold.
func (m *Manager) CheckContextCompression(epicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[epicID]
	if !ok {
		return false
	}
	return flow.historyCount() > m.preserve && flow.Window.UsedTokens > flow.Window.Threshold
}

// CompressContext summarizes the epic's older historical loops while leaving
// the most recent preserve-count loops untouched. Compression is advisory:
// every loop stays materialized in history; only the window accounting and
// the recorded summary change. Emits context.compressed.
func (m *Manager) CompressContext(epicID string) (CompressedContext, error) {
	m.mu.Lock()
	flow, ok := m.flows[epicID]
	if !ok {
		m.mu.Unlock()
		return CompressedContext{}, errors.Validation("unknown epic %s", epicID)
	}

	all := flow.allHistoryByCompletion()
	if len(all) <= m.preserve {
		m.mu.Unlock()
		return CompressedContext{}, errors.Validation("epic %s has nothing to compress", epicID)
	}
	older := all[:len(all)-m.preserve]
	preserved := all[len(all)-m.preserve:]

	summary := summarizeLoops(older)
	originalTokens := flow.Window.UsedTokens

	usedTokens := CountTokens(summary)
	for _, l := range preserved {
		usedTokens += loopTokens(l)
	}
	if running, ok := m.loops[flow.Running]; ok && flow.Running != "" {
		usedTokens += loopTokens(*running)
	}

	compressed := CompressedContext{
		OriginalTokens:   originalTokens,
		CompressedTokens: usedTokens,
		Summary:          summary,
		PreservedCycles:  m.preserve,
		Timestamp:        time.Now().UTC(),
	}
	flow.Window.UsedTokens = usedTokens
	flow.Compressed = &compressed
	flow.UpdatedAt = compressed.Timestamp
	m.mu.Unlock()

	m.emit(bus.Event{
		Type:       bus.EventContextCompressed,
		WorkflowID: epicID,
		Payload: map[string]any{
			"epicId":           epicID,
			"originalTokens":   compressed.OriginalTokens,
			"compressedTokens": compressed.CompressedTokens,
			"preservedCycles":  compressed.PreservedCycles,
			"summaryLength":    len(summary),
		},
	})
	m.logger.Info("compressed epic %s context: %d -> %d tokens (%d loops summarized)",
		epicID, compressed.OriginalTokens, compressed.CompressedTokens, len(older))
	return compressed, nil
}

// allHistoryByCompletion returns every historical loop ordered by completion
// time, oldest first.
func (f *EpicTaskFlow) allHistoryByCompletion() []Loop {
	var all []Loop
	for _, loops := range f.History {
		all = append(all, loops...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		var ti, tj time.Time
		if all[i].CompletedAt != nil {
			ti = *all[i].CompletedAt
		}
		if all[j].CompletedAt != nil {
			tj = *all[j].CompletedAt
		}
		return ti.Before(tj)
	})
	return all
}

// summarizeLoops extracts decisions from orchestrator nodes whose metadata
// carries a "decision" field, one line per loop.
func summarizeLoops(loops []Loop) string {
	var lines []string
	for _, l := range loops {
		var decisions []string
		for _, n := range l.Nodes {
			if n.Type != NodeOrch || n.Metadata == nil {
				continue
			}
			if d, ok := n.Metadata["decision"].(string); ok && strings.TrimSpace(d) != "" {
				decisions = append(decisions, strings.TrimSpace(d))
			}
		}
		line := fmt.Sprintf("[%s %s]", l.Phase, l.ID)
		if len(decisions) > 0 {
			line += " " + strings.Join(decisions, "; ")
		} else if l.Result != "" {
			line += " result: " + l.Result
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// AllocateResources proxies the pool and, on success, emits
// resource.allocated.
func (m *Manager) AllocateResources(taskID string, reqs []resource.Requirement) resource.AllocationResult {
	if m.pool == nil {
		return resource.AllocationResult{TaskID: taskID, Error: "no resource pool configured"}
	}
	result := m.pool.AllocateResources(taskID, reqs)
	if result.Success {
		m.emit(bus.Event{
			Type:   bus.EventResourceAllocated,
			TaskID: taskID,
			Payload: map[string]any{
				"taskId":    taskID,
				"resources": result.AllocatedResources,
			},
		})
	}
	return result
}

// ReleaseResources proxies the pool and, on success, emits resource.released.
func (m *Manager) ReleaseResources(taskID, reason string) error {
	if m.pool == nil {
		return errors.Validation("no resource pool configured")
	}
	if err := m.pool.ReleaseResources(taskID, reason); err != nil {
		return err
	}
	m.emit(bus.Event{
		Type:    bus.EventResourceReleased,
		TaskID:  taskID,
		Payload: map[string]any{"taskId": taskID, "reason": reason},
	})
	return nil
}

// Flow returns a snapshot of the epic's task flow.
func (m *Manager) Flow(epicID string) (EpicTaskFlow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[epicID]
	if !ok {
		return EpicTaskFlow{}, false
	}
	return flow.cloneShallowHistory(), true
}

// Loop returns a snapshot of one loop.
func (m *Manager) Loop(loopID string) (Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[loopID]
	if !ok {
		return Loop{}, false
	}
	return l.clone(), true
}

// Epics lists known epic identifiers, sorted.
func (m *Manager) Epics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.flows))
	for id := range m.flows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) emit(evt bus.Event) {
	if m.bus != nil {
		m.bus.Emit(evt)
	}
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
