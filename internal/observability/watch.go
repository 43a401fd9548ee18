package observability

import (
	"finger/internal/bus"
)

// Watch subscribes c to every event on b and routes the types the collectors
// care about. Returns the unsubscribe handle.
func Watch(b *bus.Bus, c *Collectors) func() {
	if b == nil || c == nil {
		return func() {}
	}
	return b.SubscribeAll(func(evt bus.Event) {
		c.IncEvent(evt.Type)
		switch evt.Type {
		case bus.EventTurnRetry:
			c.IncTurnRetry()
		case bus.EventResourceAllocated:
			c.IncAllocation("allocated")
		case bus.EventResourceReleased:
			c.IncAllocation("released")
		case bus.EventDaemonHeartbeat:
			c.IncHeartbeat()
		case bus.EventTaskCompleted:
			c.IncTurn("completed")
		case bus.EventTaskFailed:
			c.IncTurn("failed")
		}
	})
}
