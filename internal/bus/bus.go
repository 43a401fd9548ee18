package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"finger/internal/async"
	"finger/internal/ids"
	"finger/internal/logging"
)

// Handler receives events on the goroutine of whichever emitter is draining
// the delivery queue, one event at a time in emission order. Handlers must
// not block; long work belongs on a goroutine owned by the subscriber.
type Handler func(Event)

// DefaultHistoryLimit bounds the in-memory ring when the config leaves it zero.
const DefaultHistoryLimit = 1000

// clientBuffer is the per-WebSocket-client channel depth. A client that falls
// this far behind is evicted rather than allowed to block emission.
const clientBuffer = 256

type subscriber struct {
	id int64
	fn Handler
}

// ClientFilter narrows which events a streaming client receives. Empty filter
// means everything. Types and Groups are OR'd together.
type ClientFilter struct {
	Types  []string `json:"types,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Matches reports whether evt passes the filter.
func (f *ClientFilter) Matches(evt Event) bool {
	if f == nil || (len(f.Types) == 0 && len(f.Groups) == 0) {
		return true
	}
	for _, t := range f.Types {
		if t == evt.Type || t == "*" {
			return true
		}
	}
	for _, g := range f.Groups {
		if InGroup(evt.Type, g) {
			return true
		}
	}
	return false
}

type streamClient struct {
	id     string
	ch     chan Event
	filter *ClientFilter
}

// Metrics is a point-in-time snapshot of bus health counters.
type Metrics struct {
	Subscribers   int    `json:"subscribers"`
	StreamClients int    `json:"streamClients"`
	HistorySize   int    `json:"historySize"`
	Delivered     uint64 `json:"delivered"`
	Evicted       uint64 `json:"evicted"`
}

// Config configures a Bus.
type Config struct {
	// HistoryLimit caps the in-memory ring. Zero means DefaultHistoryLimit.
	HistoryLimit int
	// Sink, when non-nil, receives every emitted event for durable JSONL
	// persistence keyed by session.
	Sink *JSONLSink
	Logger logging.Logger
}

// Bus is the process-wide event fabric. All methods are safe for concurrent
// use. Concurrent emits are serialized through a delivery queue; fanout to
// stream clients never blocks.
type Bus struct {
	mu           sync.RWMutex
	nextSub      int64
	byType       map[string][]subscriber
	wildcard     []subscriber
	clients      map[string]*streamClient
	history      []Event
	historyLimit int
	sink         *JSONLSink
	logger       logging.Logger

	// emitMu guards the delivery queue. Delivery itself runs outside the
	// lock on a single draining goroutine at a time, so handler order always
	// matches history order and no handler runs concurrently with itself.
	emitMu   sync.Mutex
	pending  []Event
	draining bool

	delivered atomic.Uint64
	evicted   atomic.Uint64
}

// New builds a Bus from cfg.
func New(cfg Config) *Bus {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Bus{
		byType:       make(map[string][]subscriber),
		clients:      make(map[string]*streamClient),
		historyLimit: limit,
		sink:         cfg.Sink,
		logger:       logging.OrNop(cfg.Logger),
	}
}

// Subscribe registers fn for a single event type. The returned function
// removes the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(eventType string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	if eventType == "*" {
		b.wildcard = append(b.wildcard, subscriber{id: id, fn: fn})
	} else {
		b.byType[eventType] = append(b.byType[eventType], subscriber{id: id, fn: fn})
	}
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeMultiple registers fn for several event types at once and returns
// a single unsubscribe covering all of them.
func (b *Bus) SubscribeMultiple(eventTypes []string, fn Handler) func() {
	unsubs := make([]func(), 0, len(eventTypes))
	for _, t := range eventTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// SubscribeByGroup registers fn for every event type in the named group.
// Unknown groups yield a no-op subscription.
func (b *Bus) SubscribeByGroup(group string, fn Handler) func() {
	members := GroupTypes(group)
	if len(members) == 0 {
		b.logger.Warn("subscribe to unknown group %q ignored", group)
		return func() {}
	}
	return b.SubscribeMultiple(members, fn)
}

// SubscribeAll registers fn for every event regardless of type.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.Subscribe("*", fn)
}

func (b *Bus) unsubscribe(eventType string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "*" {
		b.wildcard = removeSubscriber(b.wildcard, id)
		return
	}
	subs := removeSubscriber(b.byType[eventType], id)
	if len(subs) == 0 {
		delete(b.byType, eventType)
	} else {
		b.byType[eventType] = subs
	}
}

func removeSubscriber(subs []subscriber, id int64) []subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit queues evt for delivery and returns it with a filled-in ID and
// timestamp. Delivery is serialized: exactly one emitter at a time drains the
// queue, recording each event in history, persisting it to the sink, invoking
// type subscribers in registration order then wildcard subscribers, and
// finally fanning out to stream clients. Concurrent emitters hand their event
// to the active drainer and return; a handler that emits queues behind the
// event it is handling rather than deadlocking. Handler panics are contained
// and logged.
func (b *Bus) Emit(evt Event) Event {
	if evt.ID == "" {
		evt.ID = ids.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.emitMu.Lock()
	b.pending = append(b.pending, evt)
	if b.draining {
		b.emitMu.Unlock()
		return evt
	}
	b.draining = true
	for len(b.pending) > 0 {
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.emitMu.Unlock()
		b.deliver(next)
		b.emitMu.Lock()
	}
	b.draining = false
	b.emitMu.Unlock()
	return evt
}

// deliver runs on the draining emitter only. History append happens here, not
// in Emit, so the recorded order is the order handlers observe.
func (b *Bus) deliver(evt Event) {
	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	handlers := make([]subscriber, 0, len(b.byType[evt.Type])+len(b.wildcard))
	handlers = append(handlers, b.byType[evt.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.Unlock()

	if b.sink != nil {
		if err := b.sink.Append(evt); err != nil {
			b.logger.Warn("event persistence failed for %s: %v", evt.Type, err)
		}
	}

	for _, sub := range handlers {
		b.invoke(sub.fn, evt)
	}

	b.fanout(evt)
}

func (b *Bus) invoke(fn Handler, evt Event) {
	defer async.Recover(b.logger, "bus handler for "+evt.Type)
	fn(evt)
}

// fanout pushes evt to every matching stream client without blocking. Clients
// whose buffers are full are evicted so one slow consumer cannot stall the
// emitter.
func (b *Bus) fanout(evt Event) {
	b.mu.RLock()
	var full []string
	for id, c := range b.clients {
		if !c.filter.Matches(evt) {
			continue
		}
		select {
		case c.ch <- evt:
			b.delivered.Add(1)
		default:
			full = append(full, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range full {
		b.logger.Warn("stream client %s buffer full, evicting", id)
		b.UnregisterClient(id)
		b.evicted.Add(1)
	}
}

// RegisterClient attaches a streaming consumer and returns its receive
// channel. A client re-registering under the same id replaces its previous
// channel, which is closed.
func (b *Bus) RegisterClient(id string, filter *ClientFilter) <-chan Event {
	ch := make(chan Event, clientBuffer)
	b.mu.Lock()
	if old, ok := b.clients[id]; ok {
		close(old.ch)
	}
	b.clients[id] = &streamClient{id: id, ch: ch, filter: filter}
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug("stream client %s registered (total %d)", id, total)
	return ch
}

// SetClientFilter replaces the filter of a registered client.
func (b *Bus) SetClientFilter(id string, filter *ClientFilter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	if !ok {
		return false
	}
	c.filter = filter
	return true
}

// UnregisterClient detaches a streaming consumer and closes its channel.
func (b *Bus) UnregisterClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		close(c.ch)
	}
	total := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("stream client %s unregistered (total %d)", id, total)
	}
}

// History returns up to limit most recent events, oldest first. limit <= 0
// returns the whole ring.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return tailCopy(b.history, limit)
}

// HistoryByType returns up to limit most recent events of eventType.
func (b *Bus) HistoryByType(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, evt := range b.history {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return tailCopy(out, limit)
}

// HistoryByGroup returns up to limit most recent events whose type belongs to
// group.
func (b *Bus) HistoryByGroup(group string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, evt := range b.history {
		if InGroup(evt.Type, group) {
			out = append(out, evt)
		}
	}
	return tailCopy(out, limit)
}

// SessionHistory returns up to limit most recent events for a session.
func (b *Bus) SessionHistory(sessionID string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, evt := range b.history {
		if evt.SessionID == sessionID {
			out = append(out, evt)
		}
	}
	return tailCopy(out, limit)
}

// ClearHistory drops the in-memory ring. Persisted JSONL files are untouched.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := len(b.wildcard)
	for _, list := range b.byType {
		subs += len(list)
	}
	return Metrics{
		Subscribers:   subs,
		StreamClients: len(b.clients),
		HistorySize:   len(b.history),
		Delivered:     b.delivered.Load(),
		Evicted:       b.evicted.Load(),
	}
}

// SubscribedTypes lists event types with at least one direct subscriber,
// sorted for stable output.
func (b *Bus) SubscribedTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byType))
	for t := range b.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close evicts all stream clients and closes the persistence sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	for id, c := range b.clients {
		close(c.ch)
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if b.sink != nil {
		return b.sink.Close()
	}
	return nil
}

func tailCopy(events []Event, limit int) []Event {
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
