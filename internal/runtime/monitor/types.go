package monitor

import (
	"time"

	"github.com/drblury/transitflow/internal/runtime/window"
)

// Health classifies recent delivery quality.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
)

// AlertLevel is the severity of an Alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertKind names the signal that crossed a threshold.
type AlertKind string

const (
	AlertLatency  AlertKind = "latency"
	AlertDropRate AlertKind = "dropRate"
)

// Alert is raised when a rolling average or drop rate crosses a threshold.
type Alert struct {
	ID        string     `json:"id"`
	Kind      AlertKind  `json:"kind"`
	Level     AlertLevel `json:"level"`
	Key       string     `json:"key"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	RaisedAt  time.Time  `json:"raised_at"`
}

// Checkpoint marks an intermediate hop of a message path.
type Checkpoint struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// PathRecord is a completed message journey.
type PathRecord struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Latency     time.Duration `json:"latency"`
	Success     bool          `json:"success"`
	Abandoned   bool          `json:"abandoned,omitempty"`
	Checkpoints []Checkpoint  `json:"checkpoints,omitempty"`
}

// Key groups paths by source and destination.
func (p PathRecord) Key() string { return PathKey(p.Source, p.Destination) }

// PathKey formats the stats key of a source and destination pair.
func PathKey(source, destination string) string { return source + "->" + destination }

// PathStats aggregates the retained history of one path key.
type PathStats struct {
	Key         string  `json:"key"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	// PerSecond is the rate of successful completions over the
	// throughput window.
	PerSecond float64 `json:"per_second"`
	window.Summary
}

// DropRate is the share of failed paths.
func (s PathStats) DropRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Count-s.Successes) / float64(s.Count)
}

// ConnectionStats describes one simulated client.
type ConnectionStats struct {
	ClientID       string        `json:"client_id"`
	Connected      bool          `json:"connected"`
	MessagesSent   uint64        `json:"messages_sent"`
	MessagesFailed uint64        `json:"messages_failed"`
	FramesDropped  uint64        `json:"frames_dropped"`
	Reconnects     int           `json:"reconnects"`
	PingLatency    time.Duration `json:"ping_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	LastChangeAt   time.Time     `json:"last_change_at"`
}

// QueueStats summarises the most recent depth samples of a client's
// offline queue. GrowthRate is entries per second between the oldest and
// newest retained sample.
type QueueStats struct {
	ClientID   string  `json:"client_id"`
	Current    int     `json:"current"`
	Average    float64 `json:"average"`
	Max        int     `json:"max"`
	GrowthRate float64 `json:"growth_rate"`
	Samples    int     `json:"samples"`
	Retries    uint64  `json:"retries"`
	Dropped    uint64  `json:"dropped"`
}

// BroadcastStats aggregates RoutePublish events of one route.
type BroadcastStats struct {
	RouteID         string        `json:"route_id"`
	Broadcasts      uint64        `json:"broadcasts"`
	Attempted       uint64        `json:"attempted"`
	Delivered       uint64        `json:"delivered"`
	AverageDuration time.Duration `json:"average_duration"`
	LastDuration    time.Duration `json:"last_duration"`
	PerSecond       float64       `json:"per_second"`
}

// Snapshot is an immutable view of the monitor at one instant.
type Snapshot struct {
	Timestamp        time.Time                  `json:"timestamp"`
	Health           Health                     `json:"health"`
	Paths            map[string]PathStats       `json:"paths"`
	Connections      map[string]ConnectionStats `json:"connections"`
	Queues           map[string]QueueStats      `json:"queues"`
	Broadcasts       map[string]BroadcastStats  `json:"broadcasts"`
	RollingAverages  map[string]time.Duration   `json:"rolling_averages"`
	Alerts           []Alert                    `json:"alerts"`
	ConnectedClients int                        `json:"connected_clients"`
	ActiveDrivers    int                        `json:"active_drivers"`
	ActivePassengers int                        `json:"active_passengers"`
	AverageLatency   time.Duration              `json:"average_latency"`
	DeliveryRate     float64                    `json:"delivery_rate"`
	DroppedMessages  uint64                     `json:"dropped_messages"`
	ActivePaths      int                        `json:"active_paths"`
	// Throughput counts successful path completions over the throughput
	// window.
	Throughput window.ThroughputSnapshot `json:"throughput"`
}
