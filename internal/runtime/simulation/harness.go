// Package simulation owns the lifecycle of many simulated drivers and
// passengers sharing one connection simulator, topic manager and monitor,
// and injects chaos into them.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/connection"
	"github.com/drblury/transitflow/internal/runtime/driver"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/location"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/monitor"
	"github.com/drblury/transitflow/internal/runtime/notify"
	"github.com/drblury/transitflow/internal/runtime/passenger"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
	"github.com/drblury/transitflow/internal/runtime/status"
)

// Dependencies are optional collaborators of a Harness.
type Dependencies struct {
	// Registerer receives the monitor's Prometheus collectors.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	// Status receives driver status writes. When nil the harness opens the
	// store named by the status config and owns it.
	Status   status.Sink
	Notifier notify.Sink
	// Rand drives route stops, chaos choices and the per-entity seeds. When
	// nil it is seeded from the simulation config.
	Rand *rand.Rand
}

// Summary is what StopSimulation returns.
type Summary struct {
	Sessions []driver.SessionStats `json:"sessions"`
	Final    Report                `json:"final"`
}

// Harness runs one simulation. It cannot be restarted once stopped.
type Harness struct {
	cfg      config.Config
	log      logging.ServiceLogger
	conn     *connection.Simulator
	topics   *pubsub.Manager
	monitor  *monitor.Monitor
	status   status.Sink
	notifier notify.Sink

	store  status.Store
	writer *status.Writer

	rngMu sync.Mutex
	rng   *rand.Rand

	resources *resourceTracker

	// lifecycle serialises start, stop and entity changes.
	lifecycle sync.Mutex

	mu            sync.Mutex
	running       bool
	stopped       bool
	startedAt     time.Time
	stoppedAt     time.Time
	runCtx        context.Context
	runCancel     context.CancelFunc
	loopCtx       context.Context
	loopCancel    context.CancelFunc
	drivers       map[string]*driver.Driver
	passengers    map[string]*passenger.Passenger
	nextDriver    int
	nextPassenger int
	chaos         map[ChaosAction]uint64
	wg            sync.WaitGroup
}

// New wires the shared services of a simulation. Nothing runs until
// StartSimulation.
func New(ctx context.Context, cfg config.Config, log logging.ServiceLogger, deps Dependencies) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logging.Component(log, "simulation")

	var monOpts []monitor.Option
	if deps.Registerer != nil {
		monOpts = append(monOpts, monitor.WithRegisterer(deps.Registerer))
	}
	if deps.TracerProvider != nil {
		monOpts = append(monOpts, monitor.WithTracerProvider(deps.TracerProvider))
	}
	mon, err := monitor.New(cfg.Monitor, log, monOpts...)
	if err != nil {
		return nil, err
	}
	conn := connection.NewSimulator(cfg.Connection, log, connection.WithRecorder(mon))
	topics, err := pubsub.NewManager(conn, cfg.Topics, log, pubsub.WithRecorder(mon))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	h := &Harness{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		topics:     topics,
		monitor:    mon,
		status:     deps.Status,
		notifier:   deps.Notifier,
		rng:        deps.Rand,
		resources:  newResourceTracker(),
		drivers:    make(map[string]*driver.Driver),
		passengers: make(map[string]*passenger.Passenger),
		chaos:      make(map[ChaosAction]uint64),
	}
	if h.rng == nil {
		h.rng = newRand(cfg.Simulation.Seed)
	}
	if h.notifier == nil {
		h.notifier = notify.NopSink{}
	}
	if h.status == nil {
		store, err := status.Open(ctx, cfg.Status)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open status store: %w", err)
		}
		h.store = store
		h.writer = status.NewWriter(store, 0, log)
		h.status = h.writer
	}
	return h, nil
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
}

func (h *Harness) intN(n int) int {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.IntN(n)
}

func (h *Harness) seed() uint64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Uint64()
}

// Monitor is the simulation's performance monitor.
func (h *Harness) Monitor() *monitor.Monitor { return h.monitor }

// Topics is the simulation's topic manager.
func (h *Harness) Topics() *pubsub.Manager { return h.topics }

// Connections is the simulation's connection simulator.
func (h *Harness) Connections() *connection.Simulator { return h.conn }

// StatusStore is the store the harness opened, or nil when a status sink was
// supplied.
func (h *Harness) StatusStore() status.Store { return h.store }

// StartSimulation starts the shared services, spawns the configured
// passengers and drivers with a stagger between each, and starts the status
// and chaos loops. Passengers come first so the first driver updates have
// an audience.
func (h *Harness) StartSimulation(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	switch {
	case h.stopped:
		h.mu.Unlock()
		return errspkg.ErrNotRunning
	case h.running:
		h.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	h.runCtx, h.runCancel = context.WithCancel(ctx)
	h.loopCtx, h.loopCancel = context.WithCancel(h.runCtx)
	h.running = true
	h.startedAt = time.Now()
	runCtx, runCancel, loopCtx := h.runCtx, h.runCancel, h.loopCtx
	h.mu.Unlock()

	if err := h.monitor.Start(runCtx); err != nil {
		h.mu.Lock()
		h.running = false
		h.startedAt = time.Time{}
		h.mu.Unlock()
		runCancel()
		return fmt.Errorf("start monitor: %w", err)
	}
	h.conn.Start(runCtx)

	sim := h.cfg.Simulation
	h.log.Info("Starting simulation", logging.LogFields{
		"drivers":    sim.DriverCount,
		"passengers": sim.PassengerCount,
		"routes":     sim.Routes,
		"chaos":      sim.ChaosEnabled,
	})

	var errs []error
	first := true
	stagger := func() bool {
		if first {
			first = false
			return true
		}
		return sleep(runCtx, sim.StaggerDelay)
	}
	for i := 0; i < sim.PassengerCount && stagger(); i++ {
		if _, err := h.addPassenger(runCtx, ""); err != nil {
			errs = append(errs, err)
		}
	}
	for i := 0; i < sim.DriverCount && stagger(); i++ {
		if _, err := h.addDriver(runCtx, ""); err != nil {
			errs = append(errs, err)
		}
	}

	h.every(loopCtx, sim.StatusInterval, func(context.Context) { h.reportStatus() })
	if sim.ChaosEnabled {
		h.every(loopCtx, sim.ChaosInterval, h.chaosTick)
	}
	return errors.Join(errs...)
}

func (h *Harness) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (h *Harness) route(n int, requested string) string {
	if requested != "" {
		return requested
	}
	routes := h.cfg.Simulation.Routes
	return routes[(n-1)%len(routes)]
}

// AddDriver starts a new driver on routeID, or on the next route in
// round-robin order when routeID is empty. It returns the driver's id.
func (h *Harness) AddDriver(ctx context.Context, routeID string) (string, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.addDriver(ctx, routeID)
}

func (h *Harness) addDriver(ctx context.Context, routeID string) (string, error) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return "", errspkg.ErrNotRunning
	}
	h.nextDriver++
	n := h.nextDriver
	runCtx := h.runCtx
	h.mu.Unlock()

	routeID = h.route(n, routeID)
	id := driver.Identity{
		BusID:    fmt.Sprintf("bus-%d", n),
		RouteID:  routeID,
		DriverID: fmt.Sprintf("driver-%d", n),
	}
	d, err := driver.New(id, h.cfg, h.log, driver.Dependencies{
		Connector: h.conn,
		Publisher: h.topics,
		Location:  location.NewFeed(routeID, location.WithSeed(h.seed()), location.WithInterval(h.cfg.Driver.Interval)),
		Recorder:  h.monitor,
		Status:    h.status,
		Rand:      rand.New(rand.NewPCG(h.seed(), h.seed())),
	})
	if err != nil {
		return "", err
	}
	if err := d.StartBroadcasting(runCtx); err != nil {
		d.Close(ctx)
		return "", err
	}

	h.mu.Lock()
	h.drivers[id.DriverID] = d
	h.mu.Unlock()
	h.updateEntities()
	h.log.Debug("Driver added", logging.LogFields{"client_id": id.DriverID, "bus_id": id.BusID, "route_id": routeID})
	return id.DriverID, nil
}

// AddPassenger starts a new passenger following routeID, or the next route in
// round-robin order when routeID is empty. A passenger whose first subscribe
// fails is still added and keeps reconnecting.
func (h *Harness) AddPassenger(ctx context.Context, routeID string) (string, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.addPassenger(ctx, routeID)
}

func (h *Harness) addPassenger(ctx context.Context, routeID string) (string, error) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return "", errspkg.ErrNotRunning
	}
	h.nextPassenger++
	n := h.nextPassenger
	runCtx := h.runCtx
	h.mu.Unlock()

	routeID = h.route(n, routeID)
	stops := location.Waypoints(routeID, location.DefaultCenter, 8, 1500)
	id := passenger.Identity{
		PassengerID: fmt.Sprintf("passenger-%d", n),
		Stop:        stops[h.intN(len(stops))],
	}
	p, err := passenger.New(id, h.cfg.Passenger, h.log, passenger.Dependencies{
		Connector: h.conn,
		Topics:    h.topics,
		Notifier:  h.notifier,
	})
	if err != nil {
		return "", err
	}
	if err := p.Initialize(runCtx); err != nil {
		p.Dispose(ctx)
		return "", err
	}
	if !p.SubscribeToRoute(ctx, routeID) {
		h.log.Warn("Passenger started offline", logging.LogFields{"client_id": id.PassengerID, "route_id": routeID})
	}

	h.mu.Lock()
	h.passengers[id.PassengerID] = p
	h.mu.Unlock()
	h.updateEntities()
	h.log.Debug("Passenger added", logging.LogFields{"client_id": id.PassengerID, "route_id": routeID})
	return id.PassengerID, nil
}

// RemoveEntity stops and forgets the driver or passenger with id.
func (h *Harness) RemoveEntity(ctx context.Context, id string) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	d, isDriver := h.drivers[id]
	p, isPassenger := h.passengers[id]
	delete(h.drivers, id)
	delete(h.passengers, id)
	h.mu.Unlock()

	switch {
	case isDriver:
		session := d.Close(ctx)
		h.log.Info("Driver removed", logging.LogFields{"client_id": id, "messages_sent": session.MessagesSent})
	case isPassenger:
		p.Dispose(ctx)
		h.log.Info("Passenger removed", logging.LogFields{"client_id": id})
	default:
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownEntity, id)
	}
	h.updateEntities()
	return nil
}

func (h *Harness) updateEntities() {
	h.mu.Lock()
	drivers, passengers := len(h.drivers), len(h.passengers)
	h.mu.Unlock()
	h.monitor.SetActiveEntities(drivers, passengers)
}

// Driver returns the driver with id.
func (h *Harness) Driver(id string) (*driver.Driver, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.drivers[id]
	return d, ok
}

// Passenger returns the passenger with id.
func (h *Harness) Passenger(id string) (*passenger.Passenger, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.passengers[id]
	return p, ok
}

// Drivers lists driver ids in sorted order.
func (h *Harness) Drivers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.drivers))
}

// Passengers lists passenger ids in sorted order.
func (h *Harness) Passengers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.passengers))
}

// StopSimulation stops the status and chaos loops, stops every driver and
// disposes every passenger in id order, and only then releases the monitor,
// the connection simulator and an owned status store.
func (h *Harness) StopSimulation(ctx context.Context) (Summary, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return Summary{}, errspkg.ErrNotRunning
	}
	h.running = false
	h.stopped = true
	h.stoppedAt = time.Now()
	loopCancel, runCancel := h.loopCancel, h.runCancel
	drivers := h.drivers
	passengers := h.passengers
	h.drivers = make(map[string]*driver.Driver)
	h.passengers = make(map[string]*passenger.Passenger)
	h.mu.Unlock()

	loopCancel()
	h.wg.Wait()

	var summary Summary
	for _, id := range slices.Sorted(maps.Keys(drivers)) {
		summary.Sessions = append(summary.Sessions, drivers[id].Close(ctx))
	}
	for _, id := range slices.Sorted(maps.Keys(passengers)) {
		passengers[id].Dispose(ctx)
	}
	h.updateEntities()
	h.monitor.TakeSnapshot()
	summary.Final = h.report(drivers, passengers)

	runCancel()
	h.monitor.Stop()
	err := h.conn.Close()
	if h.writer != nil {
		h.writer.Close()
		err = errors.Join(err, h.store.Close())
	}
	h.log.Info("Simulation stopped", logging.LogFields{
		"drivers":    len(drivers),
		"passengers": len(passengers),
		"dropped":    summary.Final.DroppedMessages,
		"health":     string(summary.Final.Health),
	})
	return summary, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
