package pubsub

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/connection"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

func newTestManager(t *testing.T, conn Connector, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(conn, config.Default().Topics, logging.NewNopServiceLogger(), opts...)
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresConnector(t *testing.T) {
	_, err := NewManager(nil, config.TopicsConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrConnectorRequired)
}

func TestSubscribeCreatesTopicAndAcks(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()

	require.True(t, m.Subscribe(ctx, "p-1", "route-1"))
	require.True(t, m.Subscribe(ctx, "p-2", "route-1"))

	info, ok := m.Topic("route-1")
	require.True(t, ok)
	assert.Equal(t, 2, info.SubscriberCount)
	assert.Equal(t, []string{"p-1", "p-2"}, m.Subscribers("route-1"))
	assert.Equal(t, []string{"route-1"}, m.Subscriptions("p-1"))

	acks := conn.framesOf("p-2", messages.FrameSubscribed)
	require.Len(t, acks, 1)
	assert.Equal(t, 2, acks[0].SubscriberCount)
	assert.NoError(t, m.CheckConsistency())
}

func TestSubscribeFailsWhenConnectRefused(t *testing.T) {
	conn := newFakeConnector()
	conn.refuse["p-1"] = true
	m := newTestManager(t, conn)

	assert.False(t, m.Subscribe(context.Background(), "p-1", "route-1"))
	assert.Empty(t, m.Topics())
	assert.False(t, m.Subscribe(context.Background(), "", "route-1"))
}

func TestUnsubscribeDeletesEmptyTopic(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()
	m.Subscribe(ctx, "p-1", "route-1")

	assert.True(t, m.Unsubscribe(ctx, "p-1", "route-1"))
	_, ok := m.Topic("route-1")
	assert.False(t, ok)
	assert.Empty(t, m.Subscriptions("p-1"))
	assert.Len(t, conn.framesOf("p-1", messages.FrameUnsubscribed), 1)

	assert.False(t, m.Unsubscribe(ctx, "p-1", "route-1"))
}

func TestUnsubscribeSkipsAckWhenDisconnected(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()
	m.Subscribe(ctx, "p-1", "route-1")
	conn.drop("p-1")

	assert.True(t, m.Unsubscribe(ctx, "p-1", "route-1"))
	assert.Empty(t, conn.framesOf("p-1", messages.FrameUnsubscribed))
}

func TestRoutePublishWithoutSubscribersIsNoop(t *testing.T) {
	conn := newFakeConnector()
	rec := &fakeRecorder{}
	m := newTestManager(t, conn, WithRecorder(rec))

	res := m.RoutePublish(context.Background(), "route-9", messages.DriverMessage{BusID: "b"})
	assert.Zero(t, res.Attempted)
	assert.True(t, res.Reached())
	assert.Empty(t, rec.events)
}

func TestRoutePublishFanOutCompleteness(t *testing.T) {
	conn := newFakeConnector()
	rec := &fakeRecorder{}
	m := newTestManager(t, conn, WithRecorder(rec))
	ctx := context.Background()

	const k = 25
	for i := 0; i < k; i++ {
		require.True(t, m.Subscribe(ctx, fmt.Sprintf("p-%02d", i), "route-1"))
	}
	conn.drop("p-03")
	conn.drop("p-17")

	msg := messages.NewDriverMessage(messages.KindLocation, "bus-1", "route-1", "d-1", messages.Position{}, 5)
	res := m.RoutePublish(ctx, "route-1", msg)

	assert.Equal(t, k, conn.totalSends(messages.FrameBroadcast), "exactly one send per subscriber")
	assert.Equal(t, k, res.Attempted)
	assert.Equal(t, k-2, res.Delivered)
	assert.Equal(t, []string{"p-03", "p-17"}, res.Pruned)
	assert.NotContains(t, m.Subscribers("route-1"), "p-03")
	assert.Len(t, m.Subscribers("route-1"), k-2)
	assert.NoError(t, m.CheckConsistency())

	require.Len(t, rec.events, 1)
	assert.Equal(t, broadcastEvent{"route-1", k, k - 2}, rec.events[0])

	frames := conn.framesOf("p-00", messages.FrameBroadcast)
	require.Len(t, frames, 1)
	assert.Equal(t, res.BroadcastID, frames[0].BroadcastID)
	require.NotNil(t, frames[0].Driver)
	assert.Equal(t, msg.MessageID, frames[0].Driver.MessageID)
}

func TestRoutePublishKeepsConnectedFailures(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()
	m.Subscribe(ctx, "p-1", "route-1")
	conn.failSend["p-1"] = true

	res := m.RoutePublish(ctx, "route-1", messages.PassengerMessage{PassengerID: "p-2"})
	assert.Zero(t, res.Delivered)
	assert.Empty(t, res.Pruned, "connected clients are never pruned")
	assert.False(t, res.Reached())
}

func TestRoutePublishRespectsConcurrencyLimit(t *testing.T) {
	conn := newFakeConnector()
	conn.sendDelay = 5 * time.Millisecond
	cfg := config.Default().Topics
	cfg.MaxConcurrentSends = 2
	m, err := NewManager(conn, cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		m.Subscribe(ctx, fmt.Sprintf("p-%d", i), "route-1")
	}

	res := m.RoutePublish(ctx, "route-1", messages.DriverMessage{BusID: "b"})
	assert.Equal(t, 6, res.Delivered)
	assert.GreaterOrEqual(t, res.Duration, 15*time.Millisecond)
}

func TestUnsubscribeAllAndHandleDisconnect(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()
	for _, r := range []string{"r1", "r2", "r3"} {
		m.Subscribe(ctx, "p-1", r)
		m.Subscribe(ctx, "p-2", r)
	}

	m.UnsubscribeAll(ctx, "p-1")
	assert.Empty(t, m.Subscriptions("p-1"))
	assert.Equal(t, []string{"p-1"}, conn.disconnects)
	assert.Len(t, conn.framesOf("p-1", messages.FrameUnsubscribed), 3)

	before := len(conn.sends["p-2"])
	m.HandleClientDisconnect("p-2")
	assert.Empty(t, m.Subscriptions("p-2"))
	assert.Empty(t, m.Topics())
	assert.Equal(t, before, len(conn.sends["p-2"]), "no sends on external disconnect")
	assert.NoError(t, m.CheckConsistency())
}

func TestBidirectionalInvariantUnderRandomOperations(t *testing.T) {
	conn := newFakeConnector()
	m := newTestManager(t, conn)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	clients := []string{"a", "b", "c", "d", "e"}
	routes := []string{"r1", "r2", "r3"}
	for i := 0; i < 500; i++ {
		c := clients[rng.Intn(len(clients))]
		r := routes[rng.Intn(len(routes))]
		switch rng.Intn(5) {
		case 0, 1:
			m.Subscribe(ctx, c, r)
		case 2:
			m.Unsubscribe(ctx, c, r)
		case 3:
			m.HandleClientDisconnect(c)
		case 4:
			conn.drop(c)
			m.RoutePublish(ctx, r, messages.DriverMessage{BusID: "bus"})
		}
		require.NoError(t, m.CheckConsistency(), "after step %d", i)
	}
}

func TestWithSimulator(t *testing.T) {
	cfg := config.Default().Connection
	cfg.ConnectDelayMin, cfg.ConnectDelayMax, cfg.MaxNetworkDelay = 0, 0, 0
	cfg.DisconnectGrace = time.Millisecond
	sim := connection.NewSimulator(cfg, nil)
	defer sim.Close()
	m := newTestManager(t, sim)
	ctx := context.Background()

	require.True(t, m.Subscribe(ctx, "p-1", "route-1"))
	frames, cancel, ok := sim.Frames(ctx, "p-1")
	require.True(t, ok)
	defer cancel()

	res := m.RoutePublish(ctx, "route-1", messages.DriverMessage{BusID: "bus-1", RouteID: "route-1"})
	assert.Equal(t, 1, res.Delivered)

	select {
	case f := <-frames:
		assert.Equal(t, messages.FrameBroadcast, f.Type)
		assert.Equal(t, "bus-1", f.Driver.BusID)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}

	sim.Disconnect(ctx, "p-1")
	res = m.RoutePublish(ctx, "route-1", messages.DriverMessage{BusID: "bus-1"})
	assert.Equal(t, []string{"p-1"}, res.Pruned)
}
