package simulation

import (
	"maps"
	"time"

	"github.com/drblury/transitflow/internal/runtime/driver"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/monitor"
	"github.com/drblury/transitflow/internal/runtime/passenger"
)

// RouteDistribution counts the entities on one route.
type RouteDistribution struct {
	Drivers    int `json:"drivers"`
	Passengers int `json:"passengers"`
}

// Report summarises a running simulation together with the monitor's
// latest snapshot.
type Report struct {
	Running          bool                         `json:"running"`
	Uptime           time.Duration                `json:"uptime"`
	Drivers          int                          `json:"drivers"`
	Passengers       int                          `json:"passengers"`
	Routes           map[string]RouteDistribution `json:"routes"`
	ConnectedClients int                          `json:"connectedClients"`
	Health           monitor.Health               `json:"health"`
	AverageLatency   time.Duration                `json:"averageLatency"`
	DeliveryRate     float64                      `json:"deliveryRate"`
	MessagesPerSec   float64                      `json:"messagesPerSecond"`
	DroppedMessages  uint64                       `json:"droppedMessages"`
	ActiveAlerts     int                          `json:"activeAlerts"`
	ChaosEvents      map[ChaosAction]uint64       `json:"chaosEvents,omitempty"`
	Resources        ResourceUsage                `json:"resources"`
}

// Status reports the current simulation.
func (h *Harness) Status() Report {
	h.mu.Lock()
	drivers := maps.Clone(h.drivers)
	passengers := maps.Clone(h.passengers)
	h.mu.Unlock()
	return h.report(drivers, passengers)
}

func (h *Harness) report(drivers map[string]*driver.Driver, passengers map[string]*passenger.Passenger) Report {
	h.mu.Lock()
	r := Report{
		Running:     h.running,
		Drivers:     len(drivers),
		Passengers:  len(passengers),
		Routes:      make(map[string]RouteDistribution),
		ChaosEvents: maps.Clone(h.chaos),
	}
	switch {
	case h.running:
		r.Uptime = time.Since(h.startedAt)
	case !h.startedAt.IsZero():
		r.Uptime = h.stoppedAt.Sub(h.startedAt)
	}
	h.mu.Unlock()

	for _, d := range drivers {
		route := d.Identity().RouteID
		dist := r.Routes[route]
		dist.Drivers++
		r.Routes[route] = dist
	}
	for _, p := range passengers {
		route := p.Route()
		dist := r.Routes[route]
		dist.Passengers++
		r.Routes[route] = dist
	}

	snap := h.monitor.Latest()
	r.ConnectedClients = h.conn.ConnectedCount()
	r.Health = snap.Health
	r.AverageLatency = snap.AverageLatency
	r.DeliveryRate = snap.DeliveryRate
	r.MessagesPerSec = snap.Throughput.CurrentRPS
	r.DroppedMessages = snap.DroppedMessages
	r.ActiveAlerts = len(snap.Alerts)
	r.Resources = h.resources.Snapshot()
	return r
}

func (h *Harness) reportStatus() {
	r := h.Status()
	routes := make(logging.LogFields, len(r.Routes))
	for id, dist := range r.Routes {
		routes[id] = dist
	}
	h.log.Info("Simulation status", logging.LogFields{
		"uptime":         r.Uptime.Round(time.Second).String(),
		"drivers":        r.Drivers,
		"passengers":     r.Passengers,
		"routes":         routes,
		"connected":      r.ConnectedClients,
		"health":         string(r.Health),
		"avg_latency_ms": r.AverageLatency.Milliseconds(),
		"delivery_rate":  r.DeliveryRate,
		"msgs_per_sec":   r.MessagesPerSec,
		"dropped":        r.DroppedMessages,
		"alerts":         r.ActiveAlerts,
		"goroutines":     r.Resources.Goroutines,
		"heap_bytes":     r.Resources.HeapBytes,
	})
}
