package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report workflow activity.
type Metrics struct {
	phaseTransitions *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	taskFailures     *prometheus.CounterVec
	dispatchesActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once so
// that constructing multiple machines never panics on duplicate
// registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// register registers c with reg, reusing an existing collector when the same
// metric was already registered. Any other registration error panics, which
// mirrors the promauto helpers and surfaces configuration bugs early.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Pass a fresh registry when isolated collectors are required, as in tests.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		phaseTransitions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "orchestrator",
				Name:      "phase_transitions_total",
				Help:      "Workflow phase transitions by source, target, and trigger action.",
			},
			[]string{"from", "to", "action"},
		)),
		dispatchDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "finger",
				Subsystem: "orchestrator",
				Name:      "task_dispatch_duration_seconds",
				Help:      "Wall-clock duration of task dispatches by final status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		)),
		taskFailures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finger",
				Subsystem: "orchestrator",
				Name:      "task_failures_total",
				Help:      "Dispatched tasks that finished in a failed state, by reason.",
			},
			[]string{"reason"},
		)),
		dispatchesActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "finger",
				Subsystem: "orchestrator",
				Name:      "dispatches_active",
				Help:      "Task dispatches currently in flight.",
			},
		)),
	}
}

// ObservePhaseTransition counts one phase transition.
func (m *Metrics) ObservePhaseTransition(from, to, action string) {
	if m == nil || m.phaseTransitions == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to, action).Inc()
}

// ObserveDispatch records the duration of one finished dispatch.
func (m *Metrics) ObserveDispatch(status string, elapsed time.Duration) {
	if m == nil || m.dispatchDuration == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// IncTaskFailure counts one failed task by coarse reason.
func (m *Metrics) IncTaskFailure(reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(reason).Inc()
}

// IncActiveDispatches marks a dispatch as in flight.
func (m *Metrics) IncActiveDispatches() {
	if m == nil || m.dispatchesActive == nil {
		return
	}
	m.dispatchesActive.Inc()
}

// DecActiveDispatches marks a dispatch as settled.
func (m *Metrics) DecActiveDispatches() {
	if m == nil || m.dispatchesActive == nil {
		return
	}
	m.dispatchesActive.Dec()
}
