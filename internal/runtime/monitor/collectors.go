package monitor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transitflow"

// collectors mirrors monitor state into Prometheus.
type collectors struct {
	pathLatency       *prometheus.HistogramVec
	pathsTotal        *prometheus.CounterVec
	sendsTotal        *prometheus.CounterVec
	sendLatency       prometheus.Histogram
	framesDropped     *prometheus.CounterVec
	connectedClients  prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
	queueRetries      *prometheus.CounterVec
	queueDropped      *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec
	broadcastSends    *prometheus.CounterVec
	alertsTotal       *prometheus.CounterVec
	health            *prometheus.GaugeVec
	entities          *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

func newCollectors() *collectors {
	return &collectors{
		pathLatency: newHistogramVec("path", "latency_seconds", "End to end latency of completed message paths", latencyBuckets, []string{"path"}),
		pathsTotal:  newCounterVec("path", "completed_total", "Completed message paths by outcome", []string{"path", "outcome"}),
		sendsTotal:  newCounterVec("connection", "sends_total", "Virtual channel sends by outcome", []string{"outcome"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "send_latency_seconds",
			Help:      "Simulated network delay of virtual channel sends",
			Buckets:   latencyBuckets,
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connected_clients",
			Help:      "Clients with an open virtual channel",
		}),
		framesDropped:     newCounterVec("connection", "frames_dropped_total", "Frames dropped at a full client listener", []string{"frame_type"}),
		queueDepth:        newGaugeVec("queue", "depth", "Offline queue depth per client", []string{"client"}),
		queueRetries:      newCounterVec("queue", "retries_total", "Scheduled offline queue retries per client", []string{"client"}),
		queueDropped:      newCounterVec("queue", "dropped_total", "Envelopes dropped from offline queues", []string{"client", "reason"}),
		broadcastDuration: newHistogramVec("broadcast", "duration_seconds", "Duration of a route fan-out", latencyBuckets, []string{"route"}),
		broadcastSends:    newCounterVec("broadcast", "sends_total", "Per-subscriber sends of route fan-outs", []string{"route", "outcome"}),
		alertsTotal:       newCounterVec("monitor", "alerts_total", "Raised alerts", []string{"kind", "level"}),
		health:            newGaugeVec("monitor", "health", "Current health classification, 1 for the active level", []string{"level"}),
		entities:          newGaugeVec("simulation", "entities", "Active simulated entities", []string{"kind"}),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.pathLatency,
		c.pathsTotal,
		c.sendsTotal,
		c.sendLatency,
		c.framesDropped,
		c.connectedClients,
		c.queueDepth,
		c.queueRetries,
		c.queueDropped,
		c.broadcastDuration,
		c.broadcastSends,
		c.alertsTotal,
		c.health,
		c.entities,
	}
}

// register adds every collector to r. Collectors already registered by an
// earlier monitor are left in place.
func (c *collectors) register(r prometheus.Registerer) error {
	for _, col := range c.all() {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (c *collectors) setHealth(h Health) {
	for _, level := range []Health{HealthUnknown, HealthExcellent, HealthGood, HealthFair, HealthPoor} {
		v := 0.0
		if level == h {
			v = 1
		}
		c.health.WithLabelValues(string(level)).Set(v)
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
