// Package observability carries the daemon-wide Prometheus collectors. The
// collectors live at the composition layer: the server app subscribes to the
// bus and counts what flows past instead of threading a metrics handle into
// every component.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultOnce sync.Once
	shared      *Collectors
)

// Default returns the process-wide collectors registered against the global
// Prometheus registry. Safe to call from multiple composition paths; the
// collectors are created once.
func Default() *Collectors {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// register registers c with reg, reusing an existing collector when the same
// metric was already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// Collectors instruments the daemon's hot paths: event emission, WebSocket
// fanout, mailbox throughput, kernel turns, and resource churn.
type Collectors struct {
	eventsEmitted   *prometheus.CounterVec
	wsClients       prometheus.Gauge
	wsEvictions     prometheus.Counter
	mailboxMessages *prometheus.CounterVec
	kernelTurns     *prometheus.CounterVec
	turnRetries     prometheus.Counter
	allocations     *prometheus.CounterVec
	heartbeats      prometheus.Counter
}

// MustNew builds Collectors on reg. Pass a fresh registry in tests for
// isolation; nil falls back to the global registerer.
func MustNew(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Collectors{
		eventsEmitted: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "bus",
				Name:      "events_emitted_total",
				Help:      "Events emitted on the bus by type.",
			},
			[]string{"type"},
		)),
		wsClients: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "finger",
				Subsystem: "server",
				Name:      "websocket_clients",
				Help:      "WebSocket clients currently connected.",
			},
		)),
		wsEvictions: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "server",
				Name:      "websocket_evictions_total",
				Help:      "Clients evicted after send failures.",
			},
		)),
		mailboxMessages: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "mailbox",
				Name:      "messages_total",
				Help:      "Mailbox entries by terminal status.",
			},
			[]string{"status"},
		)),
		kernelTurns: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "kernel",
				Name:      "turns_total",
				Help:      "Kernel turns by outcome.",
			},
			[]string{"outcome"},
		)),
		turnRetries: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "kernel",
				Name:      "turn_retries_total",
				Help:      "Turn resubmissions after retryable failures.",
			},
		)),
		allocations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "resource",
				Name:      "allocations_total",
				Help:      "Resource pool allocations and releases by direction.",
			},
			[]string{"direction"},
		)),
		heartbeats: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "daemon",
				Name:      "heartbeats_total",
				Help:      "Heartbeat events broadcast on the bus.",
			},
		)),
	}
}

// IncEvent counts one emitted event.
func (c *Collectors) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(eventType).Inc()
}

// WSConnected marks one client attached.
func (c *Collectors) WSConnected() {
	if c == nil {
		return
	}
	c.wsClients.Inc()
}

// WSDisconnected marks one client detached.
func (c *Collectors) WSDisconnected() {
	if c == nil {
		return
	}
	c.wsClients.Dec()
}

// WSEvicted counts one client dropped for failing to receive.
func (c *Collectors) WSEvicted() {
	if c == nil {
		return
	}
	c.wsEvictions.Inc()
}

// IncMailbox counts one mailbox entry reaching status.
func (c *Collectors) IncMailbox(status string) {
	if c == nil {
		return
	}
	c.mailboxMessages.WithLabelValues(status).Inc()
}

// IncTurn counts one settled kernel turn.
func (c *Collectors) IncTurn(outcome string) {
	if c == nil {
		return
	}
	c.kernelTurns.WithLabelValues(outcome).Inc()
}

// IncTurnRetry counts one resubmission.
func (c *Collectors) IncTurnRetry() {
	if c == nil {
		return
	}
	c.turnRetries.Inc()
}

// IncAllocation counts one pool mutation; direction is "allocated" or
// "released".
func (c *Collectors) IncAllocation(direction string) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(direction).Inc()
}

// IncHeartbeat counts one heartbeat broadcast.
func (c *Collectors) IncHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}
