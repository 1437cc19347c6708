package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/logging"
)

// Renderer shows a notification to the rider. It lives outside the
// simulation; the demo uses LogRenderer.
type Renderer interface {
	Render(ctx context.Context, n DemoNotification) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, n DemoNotification) error

func (f RendererFunc) Render(ctx context.Context, n DemoNotification) error { return f(ctx, n) }

// LogRenderer logs every notification at info level.
func LogRenderer(log logging.ServiceLogger) Renderer {
	log = logging.Component(log, "notification_renderer")
	return RendererFunc(func(_ context.Context, n DemoNotification) error {
		log.Info("Notification rendered", logging.LogFields{
			"notification_id": n.ID,
			"kind":            n.Kind,
			"title":           n.Title,
			"topic":           n.Topic,
			"passenger_id":    n.PassengerID,
			"bus_id":          n.BusID,
		})
		return nil
	})
}

// BreakerRenderer trips after BreakerMaxFailures consecutive failures and
// rejects renders with ErrRendererUnavailable until BreakerTimeout elapses.
// One probe is let through while half-open.
type BreakerRenderer struct {
	next Renderer
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerRenderer wraps next.
func NewBreakerRenderer(next Renderer, cfg config.NotificationsConfig, log logging.ServiceLogger) *BreakerRenderer {
	log = logging.Component(log, "notification_breaker")
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return &BreakerRenderer{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notification_renderer",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Notification renderer breaker changed state", logging.LogFields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		}),
	}
}

func (b *BreakerRenderer) Render(ctx context.Context, n DemoNotification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Render(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	return err
}

// State is the breaker's current state.
func (b *BreakerRenderer) State() gobreaker.State {
	return b.cb.State()
}
