// Package messages holds the in-process message shapes exchanged between
// simulated drivers, passengers and the delivery fabric.
package messages

import (
	"time"

	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/metadata"
)

// Position is a single location sample pushed by a location provider.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// CrowdLevel is a coarse bus occupancy bucket.
type CrowdLevel string

const (
	CrowdLow    CrowdLevel = "low"
	CrowdMedium CrowdLevel = "medium"
	CrowdHigh   CrowdLevel = "high"
)

// CrowdLevelFor buckets a passenger count.
func CrowdLevelFor(count int) CrowdLevel {
	switch {
	case count < 15:
		return CrowdLow
	case count < 35:
		return CrowdMedium
	default:
		return CrowdHigh
	}
}

// Class separates location updates, which are coalesced, from everything else.
type Class int

const (
	ClassOther Class = iota
	ClassLocationUpdate
)

func (c Class) String() string {
	if c == ClassLocationUpdate {
		return "locationUpdate"
	}
	return "other"
}

// Message is implemented by every payload the offline queue can hold.
type Message interface {
	ID() string
	Class() Class
	// CoalesceKey groups location updates; empty for other classes.
	CoalesceKey() string
	CreatedAt() time.Time
}

// DriverKind tags the variant a DriverMessage carries.
type DriverKind string

const (
	KindLocation       DriverKind = "location"
	KindPassengerCount DriverKind = "passengerCount"
	KindEmergency      DriverKind = "emergency"
	KindSessionEnd     DriverKind = "sessionEnd"
)

// DriverMessage is a snapshot of a bus published to its route topic.
type DriverMessage struct {
	MessageID      string            `json:"messageId"`
	BusID          string            `json:"busId"`
	RouteID        string            `json:"routeId"`
	DriverID       string            `json:"driverId"`
	Latitude       float64           `json:"latitude"`
	Longitude      float64           `json:"longitude"`
	Speed          float64           `json:"speed"`
	Heading        float64           `json:"heading"`
	PassengerCount int               `json:"passengerCount"`
	CrowdLevel     CrowdLevel        `json:"crowdLevel"`
	Kind           DriverKind        `json:"kind"`
	Metadata       metadata.Metadata `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

func (m DriverMessage) ID() string { return m.MessageID }

func (m DriverMessage) Class() Class {
	if m.Kind == KindLocation || m.Kind == "" {
		return ClassLocationUpdate
	}
	return ClassOther
}

func (m DriverMessage) CoalesceKey() string {
	if m.Class() != ClassLocationUpdate {
		return ""
	}
	return m.BusID
}

func (m DriverMessage) CreatedAt() time.Time { return m.Timestamp }

// Position returns the location part of the message.
func (m DriverMessage) Position() Position {
	return Position{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Timestamp: m.Timestamp,
	}
}

// Clone copies the message including its metadata map.
func (m DriverMessage) Clone() DriverMessage {
	if m.Metadata != nil {
		m.Metadata = m.Metadata.Clone()
	}
	return m
}

// NewDriverMessage stamps a fresh id and timestamp onto a driver update.
func NewDriverMessage(kind DriverKind, busID, routeID, driverID string, pos Position, passengers int) DriverMessage {
	now := time.Now()
	return DriverMessage{
		MessageID:      ids.CreateULIDAt(now),
		BusID:          busID,
		RouteID:        routeID,
		DriverID:       driverID,
		Latitude:       pos.Latitude,
		Longitude:      pos.Longitude,
		Speed:          pos.Speed,
		Heading:        pos.Heading,
		PassengerCount: passengers,
		CrowdLevel:     CrowdLevelFor(passengers),
		Kind:           kind,
		Metadata:       metadata.Metadata{},
		Timestamp:      now,
	}
}

// PassengerMessageType enumerates what a rider sends upstream.
type PassengerMessageType string

const (
	PassengerRouteSubscribe   PassengerMessageType = "routeSubscribe"
	PassengerRouteUnsubscribe PassengerMessageType = "routeUnsubscribe"
	PassengerFeedback         PassengerMessageType = "feedback"
	PassengerCrowdingReport   PassengerMessageType = "crowdingReport"
	PassengerUnknown          PassengerMessageType = "unknown"
)

// ParsePassengerMessageType maps unrecognised values to PassengerUnknown.
func ParsePassengerMessageType(s string) PassengerMessageType {
	switch t := PassengerMessageType(s); t {
	case PassengerRouteSubscribe, PassengerRouteUnsubscribe, PassengerFeedback, PassengerCrowdingReport:
		return t
	default:
		return PassengerUnknown
	}
}

// PassengerMessage travels from a rider to a route topic.
type PassengerMessage struct {
	MessageID   string               `json:"messageId"`
	PassengerID string               `json:"passengerId"`
	BusID       string               `json:"busId,omitempty"`
	RouteID     string               `json:"routeId,omitempty"`
	Type        PassengerMessageType `json:"type"`
	Payload     map[string]any       `json:"payload,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

func (m PassengerMessage) ID() string           { return m.MessageID }
func (m PassengerMessage) Class() Class         { return ClassOther }
func (m PassengerMessage) CoalesceKey() string  { return "" }
func (m PassengerMessage) CreatedAt() time.Time { return m.Timestamp }

// NewPassengerMessage stamps a fresh id and timestamp.
func NewPassengerMessage(typ PassengerMessageType, passengerID, routeID string, payload map[string]any) PassengerMessage {
	now := time.Now()
	return PassengerMessage{
		MessageID:   ids.CreateULIDAt(now),
		PassengerID: passengerID,
		RouteID:     routeID,
		Type:        typ,
		Payload:     payload,
		Timestamp:   now,
	}
}
