package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

func TestDistance(t *testing.T) {
	a := messages.Position{Latitude: 51.5074, Longitude: -0.1278}
	assert.Zero(t, Distance(a, a))

	north := Offset(a, 1000, 0)
	assert.InDelta(t, 1000, Distance(a, north), 1)
	assert.InDelta(t, 0, Bearing(a, north), 0.01)

	east := Offset(a, 0, 500)
	assert.InDelta(t, 500, Distance(a, east), 1)
	assert.InDelta(t, 90, Bearing(a, east), 0.5)
}

func TestWaypointsAreStablePerRoute(t *testing.T) {
	one := Waypoints("route-1", DefaultCenter, 8, 1500)
	again := Waypoints("route-1", DefaultCenter, 8, 1500)
	other := Waypoints("route-2", DefaultCenter, 8, 1500)

	require.Len(t, one, 8)
	assert.Equal(t, one, again)
	assert.NotEqual(t, one, other)
}

func TestFeedAdvanceMovesAlongLoop(t *testing.T) {
	f := NewFeed("route-1", WithSeed(7), WithStartFraction(0))
	start := f.Advance(0)
	assert.Equal(t, f.Path()[0].Latitude, start.Latitude)

	next := f.Advance(10 * time.Second)
	moved := Distance(start, next)
	assert.Greater(t, moved, 60.0)
	assert.Less(t, moved, 140.0)
	assert.Positive(t, next.Speed)

	latest, ok := f.Latest()
	require.True(t, ok)
	assert.Equal(t, next, latest)
}

func TestFeedStartPublishesSamples(t *testing.T) {
	f := NewFeed("route-1", WithSeed(1), WithInterval(5*time.Millisecond))
	ch, cancel := f.Subscribe(context.Background())
	defer cancel()

	require.NoError(t, f.Start(context.Background()))
	assert.ErrorIs(t, f.Start(context.Background()), errspkg.ErrAlreadyRunning)
	assert.True(t, f.Running())

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected a position sample")
		}
	}
	f.Stop()
	assert.False(t, f.Running())
	require.NoError(t, f.Start(context.Background()))
	f.Stop()
}
