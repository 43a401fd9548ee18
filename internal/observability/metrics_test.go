package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finger/internal/bus"
)

func TestMustNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.IncEvent("task_started")
	second.IncEvent("task_started")

	count := testutil.ToFloat64(first.eventsEmitted.WithLabelValues("task_started"))
	assert.Equal(t, float64(2), count, "both handles must share one collector")
}

func TestNilCollectorsAreInert(t *testing.T) {
	var c *Collectors
	c.IncEvent("x")
	c.WSConnected()
	c.WSDisconnected()
	c.WSEvicted()
	c.IncMailbox("completed")
	c.IncTurn("completed")
	c.IncTurnRetry()
	c.IncAllocation("allocated")
	c.IncHeartbeat()
}

func TestWatchRoutesEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := MustNew(reg)
	b := bus.New(bus.Config{})
	defer b.Close()

	cancel := Watch(b, c)
	defer cancel()

	b.Emit(bus.Event{Type: bus.EventTurnRetry})
	b.Emit(bus.Event{Type: bus.EventResourceAllocated})
	b.Emit(bus.Event{Type: bus.EventResourceReleased})
	b.Emit(bus.Event{Type: bus.EventTaskFailed})
	b.Emit(bus.Event{Type: bus.EventDaemonHeartbeat})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.turnRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.allocations.WithLabelValues("allocated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.allocations.WithLabelValues("released")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.kernelTurns.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.heartbeats))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.eventsEmitted.WithLabelValues(bus.EventTurnRetry))+
		testutil.ToFloat64(c.eventsEmitted.WithLabelValues(bus.EventResourceAllocated))+
		testutil.ToFloat64(c.eventsEmitted.WithLabelValues(bus.EventResourceReleased))+
		testutil.ToFloat64(c.eventsEmitted.WithLabelValues(bus.EventTaskFailed))+
		testutil.ToFloat64(c.eventsEmitted.WithLabelValues(bus.EventDaemonHeartbeat)))

	require.NotPanics(t, func() { cancel() })
}
