package notify

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/metadata"
)

// JobContext describes one delivery of a notification message, including
// every retry of it.
type JobContext struct {
	MessageUUID   string
	Kind          Kind
	PassengerID   string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional lifecycle callbacks.
type JobHooks struct {
	OnJobStart func(JobContext)
	OnJobDone  func(JobContext)
	OnJobError func(JobContext, error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErr(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(c JobContext) {
		a(c)
		b(c)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(c JobContext, err error) {
		a(c, err)
		b(c, err)
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobContext{
				MessageUUID:   msg.UUID,
				Kind:          Kind(msg.Metadata.Get(metadata.KeyNotificationKind)),
				PassengerID:   msg.Metadata.Get(metadata.KeyPassengerID),
				CorrelationID: msg.Metadata.Get(metadata.KeyCorrelationID),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			out, err := h(msg)
			job.Duration = time.Since(job.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return out, err
		}
	}
}

// LoggingHooks logs completions at debug and failures at error level.
func LoggingHooks(log logging.ServiceLogger) JobHooks {
	log = logging.OrNop(log)
	return JobHooks{
		OnJobDone: func(c JobContext) {
			log.Debug("Notification delivered", logging.LogFields{
				"message_uuid": c.MessageUUID,
				"kind":         c.Kind,
				"passenger_id": c.PassengerID,
				"duration_ms":  c.Duration.Milliseconds(),
			})
		},
		OnJobError: func(c JobContext, err error) {
			log.Error("Notification delivery failed", err, logging.LogFields{
				"message_uuid":   c.MessageUUID,
				"kind":           c.Kind,
				"passenger_id":   c.PassengerID,
				"correlation_id": c.CorrelationID,
				"duration_ms":    c.Duration.Milliseconds(),
			})
		},
	}
}
