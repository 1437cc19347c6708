package messages

import (
	"time"

	"github.com/drblury/transitflow/internal/runtime/metadata"
)

// Priority orders queued envelopes; higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// QueuedEnvelope wraps a message awaiting delivery.
type QueuedEnvelope struct {
	ClientID    string
	Priority    Priority
	Topic       string
	Message     Message
	EnqueuedAt  time.Time
	RetryCount  int
	NextRetryAt time.Time
}

// Age is how long the envelope has waited.
func (e QueuedEnvelope) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// CoolingDown reports whether a retry is scheduled after now.
func (e QueuedEnvelope) CoolingDown(now time.Time) bool {
	return !e.NextRetryAt.IsZero() && now.Before(e.NextRetryAt)
}

// FrameType tags what a virtual channel frame carries.
type FrameType string

const (
	FrameConnectionAck FrameType = "connectionAck"
	FrameHeartbeat     FrameType = "heartbeat"
	FrameSubscribed    FrameType = "subscribed"
	FrameUnsubscribed  FrameType = "unsubscribed"
	FrameDisconnecting FrameType = "disconnecting"
	FrameBroadcast     FrameType = "broadcast"
)

// Frame is what travels on a client's virtual channel. ID and Timestamp are
// stamped by the connection simulator on send.
type Frame struct {
	ID              string            `json:"id"`
	Type            FrameType         `json:"type"`
	ClientID        string            `json:"clientId"`
	RouteID         string            `json:"routeId,omitempty"`
	BroadcastID     string            `json:"broadcastId,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	ServerTime      time.Time         `json:"serverTime,omitempty"`
	SubscriberCount int               `json:"subscriberCount,omitempty"`
	Note            string            `json:"note,omitempty"`
	Driver          *DriverMessage    `json:"driver,omitempty"`
	Passenger       *PassengerMessage `json:"passenger,omitempty"`
	Metadata        metadata.Metadata `json:"metadata,omitempty"`
}
