package driver

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/connection"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/location"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/metadata"
	"github.com/drblury/transitflow/internal/runtime/monitor"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
	"github.com/drblury/transitflow/internal/runtime/status"
)

func TestNewValidatesArguments(t *testing.T) {
	cfg := testConfig()
	log := logging.NewNopServiceLogger()
	deps := Dependencies{Connector: newFakeConnector(), Publisher: &fakePublisher{}, Location: &fakeLocation{}}

	_, err := New(Identity{RouteID: "route-1"}, cfg, log, deps)
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)
	_, err = New(Identity{BusID: "bus-1"}, cfg, log, deps)
	assert.ErrorIs(t, err, errspkg.ErrRouteRequired)

	id := Identity{BusID: "bus-1", RouteID: "route-1"}
	_, err = New(id, cfg, log, Dependencies{Publisher: &fakePublisher{}, Location: &fakeLocation{}})
	assert.ErrorIs(t, err, errspkg.ErrConnectorRequired)
	_, err = New(id, cfg, log, Dependencies{Connector: newFakeConnector(), Location: &fakeLocation{}})
	assert.ErrorIs(t, err, errspkg.ErrTopicsRequired)
	_, err = New(id, cfg, log, Dependencies{Connector: newFakeConnector(), Publisher: &fakePublisher{}})
	assert.ErrorIs(t, err, errspkg.ErrLocationRequired)

	d, err := New(id, cfg, log, deps)
	require.NoError(t, err)
	assert.Contains(t, d.ClientID(), "driver_")
}

func TestBroadcastSessionLifecycle(t *testing.T) {
	h := newTestDriver(t, nil)
	ctx := context.Background()

	require.NoError(t, h.driver.StartBroadcasting(ctx))
	assert.ErrorIs(t, h.driver.StartBroadcasting(ctx), errspkg.ErrAlreadyRunning)
	assert.True(t, h.conn.IsConnected("driver-1"))

	require.Eventually(t, func() bool {
		return h.pub.count(ofKind(messages.KindLocation)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	first := h.pub.snapshot()[0]
	assert.Equal(t, "bus-1", first.BusID)
	assert.Equal(t, "route-1", first.RouteID)
	assert.Equal(t, "driver-1", first.DriverID)
	assert.Equal(t, messages.CrowdLevelFor(first.PassengerCount), first.CrowdLevel)

	session := h.driver.StopBroadcasting(ctx)
	assert.GreaterOrEqual(t, session.MessagesSent, uint64(3))
	assert.Zero(t, session.MessagesDropped)
	assert.Equal(t, time.Millisecond, session.AverageLatency)
	assert.Positive(t, session.Duration)

	published := h.pub.snapshot()
	assert.Equal(t, messages.KindSessionEnd, published[len(published)-1].Kind)
	assert.False(t, h.conn.IsConnected("driver-1"))
	assert.Equal(t, 1, h.location.stopped)
	assert.False(t, h.driver.Stats().Broadcasting)

	h.status.mu.Lock()
	require.Len(t, h.status.started, 1)
	require.Len(t, h.status.ended, 1)
	assert.Equal(t, "bus-1", h.status.ended[0].BusID)
	assert.Equal(t, int(session.MessagesSent), h.status.ended[0].MessagesSent)
	h.status.mu.Unlock()
	assert.Contains(t, h.status.states(), status.StateEnded)

	assert.Equal(t, SessionStats{}, h.driver.StopBroadcasting(ctx), "stopping twice is a no-op")
}

func TestForcedOfflineQueuesThenDrainsCoalesced(t *testing.T) {
	h := newTestDriver(t, nil)
	ctx := context.Background()

	h.driver.ForceOffline(3)
	require.NoError(t, h.driver.StartBroadcasting(ctx))

	require.Eventually(t, func() bool {
		st := h.driver.Stats()
		return st.OfflineTicks == 3 && st.Queue.Depth == 0 && h.pub.count(withMetadata(metadata.KeyForcedOffline, "true")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := h.driver.Stats()
	assert.Equal(t, uint64(3), st.MessagesQueued)
	assert.Zero(t, st.MessagesDropped)
	assert.True(t, st.Online)
	assert.Contains(t, h.status.states(), status.StateOffline)

	// Only the newest of the three offline updates survives coalescing.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.pub.count(withMetadata(metadata.KeyForcedOffline, "true")))
}

func TestDisconnectedDriverQueuesUntilReconnect(t *testing.T) {
	h := newTestDriver(t, nil)
	ctx := context.Background()
	require.NoError(t, h.driver.StartBroadcasting(ctx))

	h.driver.Disconnect(ctx)
	require.Eventually(t, func() bool { return h.driver.Stats().MessagesQueued >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.driver.Online())

	require.True(t, h.driver.Reconnect(ctx))
	require.Eventually(t, func() bool {
		return h.driver.Queue().Len() == 0 && h.pub.count(withMetadata(KeyOfflineReason, "disconnected")) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	h.conn.mu.Lock()
	h.conn.refuse = true
	h.conn.mu.Unlock()
	h.driver.Disconnect(ctx)
	assert.False(t, h.driver.Reconnect(ctx))
}

func TestPassengerCountOverrideAndEmergency(t *testing.T) {
	h := newTestDriver(t, nil)
	ctx := context.Background()

	assert.False(t, h.driver.UpdatePassengerCount(ctx, 5), "not broadcasting")
	assert.False(t, h.driver.SendEmergencyAlert(ctx, "flat tyre"))

	require.NoError(t, h.driver.StartBroadcasting(ctx))
	require.True(t, h.driver.UpdatePassengerCount(ctx, 99))
	counts := h.pub.snapshot()
	var override messages.DriverMessage
	for _, m := range counts {
		if m.Kind == messages.KindPassengerCount {
			override = m
		}
	}
	assert.Equal(t, 50, override.PassengerCount, "clamped to capacity")
	assert.Equal(t, messages.CrowdHigh, override.CrowdLevel)

	h.driver.ForceOffline(1000)
	require.True(t, h.driver.SendEmergencyAlert(ctx, "flat tyre"))
	pending := h.driver.Queue().Pending()
	require.NotEmpty(t, pending)
	assert.Equal(t, messages.PriorityHigh, pending[0].Priority)
	assert.Contains(t, h.status.states(), status.StateEmergency)

	h.driver.ForceOffline(0)
	require.Eventually(t, func() bool {
		return h.pub.count(withMetadata(KeyEmergencyNote, "flat tyre")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueRejectionCountsAsDropped(t *testing.T) {
	h := newTestDriver(t, func(c *config.Config) {
		c.Queue.MaxSize = 1
		c.Driver.Interval = time.Hour
	})
	ctx := context.Background()

	h.driver.ForceOffline(1000)
	require.NoError(t, h.driver.StartBroadcasting(ctx))
	require.Eventually(t, func() bool { return h.driver.Queue().Len() == 1 }, time.Second, time.Millisecond)

	assert.False(t, h.driver.UpdatePassengerCount(ctx, 20))
	assert.Equal(t, uint64(1), h.driver.Stats().MessagesDropped)
}

func TestUnreachedRouteFallsBackToQueue(t *testing.T) {
	h := newTestDriver(t, nil)
	h.pub.setUnreached(true)
	require.NoError(t, h.driver.StartBroadcasting(context.Background()))

	require.Eventually(t, func() bool { return h.driver.Stats().MessagesQueued >= 1 }, time.Second, time.Millisecond)
	assert.Zero(t, h.driver.Stats().MessagesSent)

	h.pub.setUnreached(false)
	require.Eventually(t, func() bool {
		return h.pub.count(withMetadata(KeyOfflineReason, "unreached")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBurstPassengerUpdates(t *testing.T) {
	h := newTestDriver(t, nil)
	ctx := context.Background()
	require.NoError(t, h.driver.StartBroadcasting(ctx))

	assert.Equal(t, 7, h.driver.BurstPassengerUpdates(ctx, 7))
	assert.Equal(t, 7, h.pub.count(ofKind(messages.KindPassengerCount)))
}

func TestPassengerWalkStaysWithinCapacity(t *testing.T) {
	h := newTestDriver(t, func(c *config.Config) {
		c.Driver.StopEventProbability = 1
		c.Driver.StopEventMax = 30
	})
	d := h.driver
	d.rng = rand.New(rand.NewPCG(7, 7))

	for i := 0; i < 1000; i++ {
		d.mu.Lock()
		count, stop := d.walkLocked()
		d.mu.Unlock()
		require.True(t, stop)
		require.GreaterOrEqual(t, count, 0)
		require.LessOrEqual(t, count, 50)
	}
}

func TestDriverRecordsPaths(t *testing.T) {
	mon, err := monitor.New(config.Default().Monitor, logging.NewNopServiceLogger())
	require.NoError(t, err)
	t.Cleanup(mon.Stop)

	d, err := New(Identity{BusID: "bus-1", RouteID: "route-1", DriverID: "driver-1"}, testConfig(), logging.NewNopServiceLogger(), Dependencies{
		Connector: newFakeConnector(),
		Publisher: &fakePublisher{},
		Location:  &fakeLocation{},
		Recorder:  mon,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })

	require.NoError(t, d.StartBroadcasting(context.Background()))
	require.Eventually(t, func() bool {
		return mon.PathStats()[monitor.PathKey(PathSource, "route-1")].Count >= 3
	}, 2*time.Second, 5*time.Millisecond)
	stats := mon.PathStats()[monitor.PathKey(PathSource, "route-1")]
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestDriverReachesSubscriberThroughSimulator(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.ConnectDelayMin = 0
	cfg.Connection.ConnectDelayMax = 0
	cfg.Connection.MaxNetworkDelay = 0
	cfg.Connection.DisconnectGrace = time.Millisecond
	log := logging.NewNopServiceLogger()

	sim := connection.NewSimulator(cfg.Connection, log)
	t.Cleanup(func() { _ = sim.Close() })
	topics, err := pubsub.NewManager(sim, cfg.Topics, log)
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, topics.Subscribe(ctx, "passenger-1", "route-1"))
	frames, cancel, ok := sim.Frames(ctx, "passenger-1")
	require.True(t, ok)
	defer cancel()

	feed := location.NewFeed("route-1", location.WithSeed(3), location.WithInterval(10*time.Millisecond))
	d, err := New(Identity{BusID: "bus-9", RouteID: "route-1"}, cfg, log, Dependencies{
		Connector: sim,
		Publisher: topics,
		Location:  feed,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })
	require.NoError(t, d.StartBroadcasting(ctx))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Type == messages.FrameBroadcast && f.Driver != nil && f.Driver.BusID == "bus-9" {
				assert.Equal(t, "route-1", f.RouteID)
				assert.NotZero(t, f.Driver.Latitude)
				return
			}
		case <-deadline:
			t.Fatal("no broadcast reached the subscriber")
		}
	}
}
