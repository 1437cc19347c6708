package notify

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/transitflow/notify"

// MiddlewareBuilder constructs a middleware for d. Returning a nil middleware
// skips registration.
type MiddlewareBuilder func(d *Dispatcher) (message.HandlerMiddleware, error)

// MiddlewareRegistration names a middleware added to the dispatcher router.
// Set either Middleware or Builder.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares is the chain every dispatcher gets, outermost first.
// Poison sits outside retry so only exhausted messages are poisoned.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(),
		JobHooksMiddleware(),
		RetryMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware stamps a correlation id on messages that lack one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadata.KeyCorrelationID, ids.CreateULID())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs each consumed message at debug level.
func LogMessagesMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			log := d.log
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					log.Debug("Processing notification", logging.LogFields{
						"message_uuid": msg.UUID,
						"payload":      string(msg.Payload),
						"metadata":     msg.Metadata,
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps each delivery in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "notify.deliver")
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("notification.kind", msg.Metadata.Get(metadata.KeyNotificationKind)),
					attribute.String("notification.passenger_id", msg.Metadata.Get(metadata.KeyPassengerID)),
					attribute.String("correlation_id", msg.Metadata.Get(metadata.KeyCorrelationID)),
				)
				out, err := h(msg)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return out, err
			}
		},
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics when the
// dispatcher has a registerer. The builder installs its own middleware.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.registerer == nil {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(d.registerer, "transitflow", "notifications")
			builder.AddPrometheusRouterMetrics(d.router)
			return nil, nil
		},
	}
}

// PoisonQueueMiddleware publishes failed messages to the configured poison
// topic. Shutdown cancellations are nacked instead.
func PoisonQueueMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.cfg.PoisonQueue == "" {
				return nil, nil
			}
			return middleware.PoisonQueueWithFilter(d.poison, d.cfg.PoisonQueue, poisonable)
		},
	}
}

// JobHooksMiddleware runs the dispatcher's hooks around each delivery.
func JobHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.hooks.empty() {
				return nil, nil
			}
			return jobHooksMiddleware(d.hooks), nil
		},
	}
}

// RetryMiddleware retries renders with exponential backoff, skipping errors a
// retry cannot fix.
func RetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			maxRetries := d.cfg.RetryMaxRetries
			if maxRetries <= 0 {
				return nil, nil
			}
			initial := d.cfg.RetryInitialInterval
			if initial <= 0 {
				initial = 100 * time.Millisecond
			}
			return middleware.Retry{
				MaxRetries:      maxRetries,
				InitialInterval: initial,
				MaxInterval:     d.cfg.RetryMaxInterval,
				Multiplier:      2,
				ShouldRetry: func(params middleware.RetryParams) bool {
					return retryable(params.Err)
				},
				Logger: d.wmLogger,
			}.Middleware, nil
		},
	}
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware adds reg to the router. It must be called before Run.
func (d *Dispatcher) RegisterMiddleware(reg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		if mw, err = reg.Builder(d); err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}
	if mw != nil {
		d.router.AddMiddleware(mw)
	}
	return nil
}
