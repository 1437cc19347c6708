package passenger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/connection"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/notify"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
)

var testStop = messages.Position{Latitude: 51.5072, Longitude: -0.1276}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Connection.ConnectDelayMin = 0
	cfg.Connection.ConnectDelayMax = 0
	cfg.Connection.MaxNetworkDelay = 0
	cfg.Connection.DisconnectGrace = time.Millisecond
	cfg.Passenger.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

// flakyTopics wraps a real manager, can refuse subscriptions and records
// what the passenger publishes.
type flakyTopics struct {
	*pubsub.Manager

	mu        sync.Mutex
	refuse    bool
	published []messages.PassengerMessage
}

func (f *flakyTopics) Subscribe(ctx context.Context, clientID, routeID string) bool {
	f.mu.Lock()
	refuse := f.refuse
	f.mu.Unlock()
	if refuse {
		return false
	}
	return f.Manager.Subscribe(ctx, clientID, routeID)
}

func (f *flakyTopics) RoutePublish(ctx context.Context, routeID string, msg messages.Message) pubsub.BroadcastResult {
	if pm, ok := msg.(messages.PassengerMessage); ok {
		f.mu.Lock()
		f.published = append(f.published, pm)
		f.mu.Unlock()
	}
	return f.Manager.RoutePublish(ctx, routeID, msg)
}

func (f *flakyTopics) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *flakyTopics) sent(typ messages.PassengerMessageType) []messages.PassengerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messages.PassengerMessage
	for _, m := range f.published {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	passenger *Passenger
	sim       *connection.Simulator
	topics    *flakyTopics
	sink      *notify.MemorySink
}

func newTestPassenger(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	log := logging.NewNopServiceLogger()
	sim := connection.NewSimulator(cfg.Connection, log)
	t.Cleanup(func() { _ = sim.Close() })
	manager, err := pubsub.NewManager(sim, cfg.Topics, log)
	require.NoError(t, err)

	h := &harness{sim: sim, topics: &flakyTopics{Manager: manager}, sink: notify.NewMemorySink(0)}
	p, err := New(Identity{PassengerID: "passenger-1", Stop: testStop}, cfg.Passenger, log, Dependencies{
		Connector: sim,
		Topics:    h.topics,
		Notifier:  h.sink,
	})
	require.NoError(t, err)
	h.passenger = p
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return h
}

// subscribed initializes the passenger and follows routeID.
func (h *harness) subscribed(t *testing.T, routeID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.passenger.Initialize(ctx))
	require.True(t, h.passenger.SubscribeToRoute(ctx, routeID))
}

// drive publishes a driver update onto routeID.
func (h *harness) drive(routeID, busID string, pos messages.Position, passengers int) messages.DriverMessage {
	msg := messages.NewDriverMessage(messages.KindLocation, busID, routeID, "driver-"+busID, pos, passengers)
	h.topics.Manager.RoutePublish(context.Background(), routeID, msg)
	return msg
}

// farAway is well outside any arrival radius of testStop.
func farAway() messages.Position {
	return messages.Position{Latitude: 51.6, Longitude: -0.3}
}
