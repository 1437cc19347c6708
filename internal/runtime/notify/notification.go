// Package notify carries rider notifications from the passenger adapters to
// an external renderer.
//
// Adapters hand a DemoNotification to a Sink. The Dispatcher's sink encodes it
// onto a watermill topic, and the Dispatcher's router consumes that topic
// through a middleware chain (correlation id, logging, tracing, metrics,
// poison queue, retry, panic recovery) before calling the Renderer behind a
// circuit breaker.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/metadata"
)

// Kind classifies a notification.
type Kind string

const (
	KindArrival   Kind = "arrival"
	KindCrowding  Kind = "crowding"
	KindEmergency Kind = "emergency"
	KindInfo      Kind = "info"
)

func (k Kind) valid() bool {
	switch k {
	case KindArrival, KindCrowding, KindEmergency, KindInfo:
		return true
	}
	return false
}

// DemoNotification is a request to show something to a rider. Topic names the
// rider-facing channel (for example a route) and is unrelated to the watermill
// topic the dispatcher uses internally.
type DemoNotification struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Topic       string         `json:"topic"`
	PassengerID string         `json:"passengerId,omitempty"`
	RouteID     string         `json:"routeId,omitempty"`
	BusID       string         `json:"busId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// New stamps an id and creation time.
func New(kind Kind, topic, title, body string, payload map[string]any) DemoNotification {
	now := time.Now()
	return DemoNotification{
		ID:        ids.CreateULIDAt(now),
		Kind:      kind,
		Title:     title,
		Body:      body,
		Topic:     topic,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Validate reports every missing field at once.
func (n DemoNotification) Validate() error {
	var errs []error
	if n.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if n.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if n.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if !n.Kind.valid() {
		errs = append(errs, fmt.Errorf("unknown kind %q", n.Kind))
	}
	return errors.Join(errs...)
}

var marshalOptions = protojson.MarshalOptions{EmitUnpopulated: true}

// Encode renders n as a protojson google.protobuf.Struct. Payload values must
// be JSON-like: strings, bools, numbers, nil, []any or map[string]any.
func Encode(n DemoNotification) (*message.Message, error) {
	fields := map[string]any{
		"id":          n.ID,
		"kind":        string(n.Kind),
		"title":       n.Title,
		"body":        n.Body,
		"topic":       n.Topic,
		"passengerId": n.PassengerID,
		"routeId":     n.RouteID,
		"busId":       n.BusID,
		"createdAt":   n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(n.Payload) > 0 {
		fields["payload"] = n.Payload
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	data, err := marshalOptions.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", n.ID, err)
	}

	msg := message.NewMessage(n.ID, data)
	msg.Metadata.Set(metadata.KeyNotificationKind, string(n.Kind))
	if n.PassengerID != "" {
		msg.Metadata.Set(metadata.KeyPassengerID, n.PassengerID)
	}
	if n.RouteID != "" {
		msg.Metadata.Set(metadata.KeyRouteID, n.RouteID)
	}
	if n.BusID != "" {
		msg.Metadata.Set(metadata.KeyBusID, n.BusID)
	}
	return msg, nil
}

// Decode is the inverse of Encode. Payload numbers come back as float64.
func Decode(msg *message.Message) (DemoNotification, error) {
	if msg == nil {
		return DemoNotification{}, errors.New("nil message")
	}
	var st structpb.Struct
	if err := protojson.Unmarshal(msg.Payload, &st); err != nil {
		return DemoNotification{}, fmt.Errorf("decode notification: %w", err)
	}
	fields := st.AsMap()

	n := DemoNotification{
		ID:          stringField(fields, "id"),
		Kind:        Kind(stringField(fields, "kind")),
		Title:       stringField(fields, "title"),
		Body:        stringField(fields, "body"),
		Topic:       stringField(fields, "topic"),
		PassengerID: stringField(fields, "passengerId"),
		RouteID:     stringField(fields, "routeId"),
		BusID:       stringField(fields, "busId"),
	}
	if n.ID == "" {
		n.ID = msg.UUID
	}
	if raw := stringField(fields, "createdAt"); raw != "" {
		created, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return DemoNotification{}, fmt.Errorf("decode notification createdAt: %w", err)
		}
		n.CreatedAt = created
	}
	if payload, ok := fields["payload"].(map[string]any); ok {
		n.Payload = payload
	}
	return n, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
