package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/metadata"
	"github.com/drblury/transitflow/transport"
)

// Sink accepts notification requests. Passenger adapters only see this.
type Sink interface {
	Notify(ctx context.Context, n DemoNotification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n DemoNotification) error

func (f SinkFunc) Notify(ctx context.Context, n DemoNotification) error { return f(ctx, n) }

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Notify(context.Context, DemoNotification) error { return nil }

// PublisherSink validates, encodes and publishes onto a watermill topic.
type PublisherSink struct {
	pub   message.Publisher
	topic string
	caps  transport.Capabilities
}

// NewPublisherSink publishes to topic through pub, rejecting payloads caps
// says will not fit.
func NewPublisherSink(pub message.Publisher, topic string, caps transport.Capabilities) (*PublisherSink, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &PublisherSink{pub: pub, topic: topic, caps: caps}, nil
}

// Topic is the watermill topic notifications are published to.
func (s *PublisherSink) Topic() string { return s.topic }

func (s *PublisherSink) Notify(ctx context.Context, n DemoNotification) error {
	if err := n.Validate(); err != nil {
		return &UnprocessableNotificationError{Payload: n.ID, Err: err}
	}
	msg, err := Encode(n)
	if err != nil {
		return &UnprocessableNotificationError{Payload: n.ID, Err: err}
	}
	if !s.caps.Fits(len(msg.Payload)) {
		return fmt.Errorf("%w: %d bytes on %s", ErrTooLarge, len(msg.Payload), s.caps.Name)
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, id)
	}
	msg.SetContext(ctx)
	return s.pub.Publish(s.topic, msg)
}

type correlationKey struct{}

// WithCorrelationID makes PublisherSink stamp id onto the published message.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// MemorySink keeps the most recent notifications in memory.
type MemorySink struct {
	limit int

	mu    sync.Mutex
	items []DemoNotification
	total int
}

// NewMemorySink keeps up to limit notifications. Non-positive limits keep 100.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 100
	}
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Notify(_ context.Context, n DemoNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.items = append(s.items, n)
	if over := len(s.items) - s.limit; over > 0 {
		s.items = append(s.items[:0:0], s.items[over:]...)
	}
	return nil
}

// Notifications returns the kept notifications, oldest first.
func (s *MemorySink) Notifications() []DemoNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DemoNotification(nil), s.items...)
}

// Count is how many notifications were ever received, kept or not.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n DemoNotification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
