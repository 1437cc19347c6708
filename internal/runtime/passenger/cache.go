package passenger

import (
	"slices"

	"github.com/drblury/transitflow/internal/runtime/messages"
)

// routeCache keeps the newest update per bus of one route, bounded to limit
// buses. When full, the bus that reported least recently is evicted.
type routeCache struct {
	limit int
	byBus map[string]messages.DriverMessage
}

func newRouteCache(limit int) *routeCache {
	return &routeCache{limit: max(limit, 1), byBus: make(map[string]messages.DriverMessage)}
}

// put stores msg unless the cache already holds the same or a newer update
// of its bus.
func (c *routeCache) put(msg messages.DriverMessage) bool {
	if cur, ok := c.byBus[msg.BusID]; ok {
		if cur.MessageID == msg.MessageID || msg.Timestamp.Before(cur.Timestamp) {
			return false
		}
	}
	c.byBus[msg.BusID] = msg.Clone()
	for len(c.byBus) > c.limit {
		c.evictOldest()
	}
	return true
}

func (c *routeCache) evictOldest() {
	var oldest string
	first := true
	for bus, msg := range c.byBus {
		if first || msg.Timestamp.Before(c.byBus[oldest].Timestamp) {
			oldest, first = bus, false
		}
	}
	delete(c.byBus, oldest)
}

func (c *routeCache) remove(busID string) { delete(c.byBus, busID) }

func (c *routeCache) len() int { return len(c.byBus) }

// snapshot returns copies of the cached updates, oldest first.
func (c *routeCache) snapshot() []messages.DriverMessage {
	out := make([]messages.DriverMessage, 0, len(c.byBus))
	for _, msg := range c.byBus {
		out = append(out, msg.Clone())
	}
	slices.SortFunc(out, func(a, b messages.DriverMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}
