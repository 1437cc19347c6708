package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/logging"
)

func TestBreakerRendererTripsAndRecovers(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	failing.Store(true)
	next := RendererFunc(func(context.Context, DemoNotification) error {
		calls.Add(1)
		if failing.Load() {
			return errors.New("push gateway down")
		}
		return nil
	})
	cfg := config.NotificationsConfig{BreakerMaxFailures: 2, BreakerTimeout: 50 * time.Millisecond}
	r := NewBreakerRenderer(next, cfg, logging.NewNopServiceLogger())
	ctx := context.Background()

	require.Error(t, r.Render(ctx, arrival()))
	require.Error(t, r.Render(ctx, arrival()))
	assert.Equal(t, gobreaker.StateOpen, r.State())

	err := r.Render(ctx, arrival())
	assert.ErrorIs(t, err, ErrRendererUnavailable)
	assert.False(t, retryable(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not call the renderer")

	failing.Store(false)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, r.State())
	require.NoError(t, r.Render(ctx, arrival()))
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestBreakerRendererPassesThroughErrors(t *testing.T) {
	boom := errors.New("bad device token")
	r := NewBreakerRenderer(RendererFunc(func(context.Context, DemoNotification) error { return boom }),
		config.NotificationsConfig{}, nil)
	assert.ErrorIs(t, r.Render(context.Background(), arrival()), boom)
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestLogRenderer(t *testing.T) {
	assert.NoError(t, LogRenderer(nil).Render(context.Background(), arrival()))
}
