package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/notify"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Connection.ConnectDelayMin = 0
	cfg.Connection.ConnectDelayMax = 0
	cfg.Connection.MaxNetworkDelay = 0
	cfg.Connection.DisconnectGrace = time.Millisecond
	cfg.Driver.Interval = 20 * time.Millisecond
	cfg.Driver.OfflineProbability = 0
	cfg.Driver.StopEventProbability = 0
	cfg.Queue.InitialDelay = time.Millisecond
	cfg.Queue.MaxDelay = 5 * time.Millisecond
	cfg.Queue.CoalesceWindow = 5 * time.Millisecond
	cfg.Passenger.ReconnectDelay = 10 * time.Millisecond
	cfg.Monitor.SnapshotInterval = 20 * time.Millisecond
	cfg.Simulation.Routes = []string{"route-1"}
	cfg.Simulation.DriverCount = 3
	cfg.Simulation.PassengerCount = 10
	cfg.Simulation.StaggerDelay = time.Millisecond
	cfg.Simulation.StatusInterval = 50 * time.Millisecond
	cfg.Simulation.ChaosEnabled = false
	cfg.Simulation.ChaosInterval = 20 * time.Millisecond
	cfg.Simulation.ChaosReconnectAfter = 20 * time.Millisecond
	cfg.Simulation.LoadSpikeUpdates = 5
	cfg.Simulation.Seed = 42
	return cfg
}

type harness struct {
	sim      *Harness
	sink     *notify.MemorySink
	registry *prometheus.Registry
}

// newTestHarness builds a harness and stops it on cleanup when a test left it
// running.
func newTestHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{sink: notify.NewMemorySink(0), registry: prometheus.NewRegistry()}
	sim, err := New(context.Background(), cfg, logging.NewNopServiceLogger(), Dependencies{
		Registerer: h.registry,
		Notifier:   h.sink,
	})
	require.NoError(t, err)
	h.sim = sim
	t.Cleanup(func() { _, _ = sim.StopSimulation(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sim.StartSimulation(context.Background()))
}

// cachedBuses lists the buses passengerID holds an update of on routeID.
func (h *harness) cachedBuses(passengerID, routeID string) map[string]bool {
	p, ok := h.sim.Passenger(passengerID)
	if !ok {
		return nil
	}
	buses := make(map[string]bool)
	for _, msg := range p.CachedMessages(routeID) {
		buses[msg.BusID] = true
	}
	return buses
}
