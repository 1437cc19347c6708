// Package passenger simulates the consumer side of the demo: a rider that
// follows one route at a time, caches the newest update per bus and derives
// arrival and crowding notifications from the live stream.
//
// When the route cannot be reached the passenger goes offline, replays its
// cache to its own listeners and retries the subscription on a fixed delay
// until it succeeds. A connection that delivers no frame, heartbeats
// included, within the heartbeat timeout is treated as lost the same way.
package passenger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/fanout"
	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/location"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/metadata"
	"github.com/drblury/transitflow/internal/runtime/notify"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
)

// Payload keys of the reconnect acknowledgment.
const (
	KeyReconnected    = "reconnected"
	KeyCachedMessages = "cachedMessages"
)

// Connector owns the passenger's connection and its frame stream.
// connection.Simulator implements it.
type Connector interface {
	Connect(ctx context.Context, clientID string) bool
	Disconnect(ctx context.Context, clientID string)
	IsConnected(clientID string) bool
	Frames(ctx context.Context, clientID string) (<-chan messages.Frame, func(), bool)
}

// Topics manages route membership. pubsub.Manager implements it.
type Topics interface {
	Subscribe(ctx context.Context, clientID, routeID string) bool
	Unsubscribe(ctx context.Context, clientID, routeID string) bool
	RoutePublish(ctx context.Context, routeID string, msg messages.Message) pubsub.BroadcastResult
	UnsubscribeAll(ctx context.Context, clientID string)
	HandleClientDisconnect(clientID string)
}

// Identity names a rider. Stop is where they wait; a zero Stop disables
// arrival notifications. PassengerID defaults to a generated id.
type Identity struct {
	PassengerID string
	Stop        messages.Position
}

// Dependencies are the collaborators of a Passenger. Connector and Topics
// are required.
type Dependencies struct {
	Connector Connector
	Topics    Topics
	Notifier  notify.Sink
	Clock     func() time.Time
}

// Stats is a point-in-time view of a passenger.
type Stats struct {
	PassengerID   string `json:"passengerId"`
	RouteID       string `json:"routeId,omitempty"`
	Connected     bool   `json:"connected"`
	Offline       bool   `json:"offline"`
	Frames        uint64 `json:"frames"`
	DriverUpdates uint64 `json:"driverUpdates"`
	StaleUpdates  uint64 `json:"staleUpdates"`
	PeerMessages  uint64 `json:"peerMessages"`
	Heartbeats    uint64 `json:"heartbeats"`
	Timeouts      uint64 `json:"heartbeatTimeouts"`
	Notifications uint64 `json:"notifications"`
	Reconnects    uint64 `json:"reconnects"`
	Attempts      uint64 `json:"reconnectAttempts"`
	Cached        int    `json:"cached"`
}

// Passenger is one simulated rider.
type Passenger struct {
	id       Identity
	cfg      config.PassengerConfig
	log      logging.ServiceLogger
	conn     Connector
	topics   Topics
	notifier notify.Sink
	now      func() time.Time

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	initialized     bool
	disposed        bool
	route           string
	offline         bool
	pumping         bool
	reconnectCancel context.CancelFunc
	caches          map[string]*routeCache
	hubs            map[string]*fanout.Hub[messages.DriverMessage]
	lastArrival     map[string]time.Time
	lastCrowding    map[string]time.Time
	wg              sync.WaitGroup

	frames        atomic.Uint64
	driverUpdates atomic.Uint64
	stale         atomic.Uint64
	peers         atomic.Uint64
	heartbeats    atomic.Uint64
	timeouts      atomic.Uint64
	notified      atomic.Uint64
	reconnects    atomic.Uint64
	attempts      atomic.Uint64
}

// New builds a passenger. Call Initialize before subscribing.
func New(id Identity, cfg config.PassengerConfig, log logging.ServiceLogger, deps Dependencies) (*Passenger, error) {
	if deps.Connector == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	if deps.Topics == nil {
		return nil, errspkg.ErrTopicsRequired
	}
	if id.PassengerID == "" {
		id.PassengerID = ids.Prefixed("passenger")
	}
	p := &Passenger{
		id:           id,
		cfg:          cfg,
		log:          logging.Component(log, "passenger").With(logging.LogFields{"client_id": id.PassengerID}),
		conn:         deps.Connector,
		topics:       deps.Topics,
		notifier:     deps.Notifier,
		now:          deps.Clock,
		caches:       make(map[string]*routeCache),
		hubs:         make(map[string]*fanout.Hub[messages.DriverMessage]),
		lastArrival:  make(map[string]time.Time),
		lastCrowding: make(map[string]time.Time),
	}
	if p.notifier == nil {
		p.notifier = notify.NopSink{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// ID is the passenger's client id.
func (p *Passenger) ID() string { return p.id.PassengerID }

// Initialize connects and starts consuming frames. The passenger stays
// usable when the connect fails; SubscribeToRoute retries it.
func (p *Passenger) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return errspkg.ErrNotRunning
	}
	if p.initialized {
		p.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.initialized = true
	p.mu.Unlock()

	if !p.connect(ctx) {
		p.log.Warn("Passenger connect failed", nil)
	}
	p.log.Debug("Passenger initialized", nil)
	return nil
}

func (p *Passenger) connect(ctx context.Context) bool {
	if !p.conn.IsConnected(p.id.PassengerID) && !p.conn.Connect(ctx, p.id.PassengerID) {
		return false
	}
	p.ensurePump()
	return true
}

// ensurePump starts consuming the current connection's frames unless a pump
// already is.
func (p *Passenger) ensurePump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pumping || p.disposed || p.ctx == nil {
		return
	}
	frames, cancel, ok := p.conn.Frames(p.ctx, p.id.PassengerID)
	if !ok {
		return
	}
	p.pumping = true
	p.wg.Add(1)
	go p.pump(frames, cancel)
}

func (p *Passenger) pump(frames <-chan messages.Frame, cancel func()) {
	defer p.wg.Done()
	defer cancel()
	if p.consume(frames) {
		p.dropSilentConnection()
		return
	}

	p.mu.Lock()
	p.pumping = false
	disposed, offline, route := p.disposed, p.offline, p.route
	p.mu.Unlock()
	switch {
	case disposed:
	case p.conn.IsConnected(p.id.PassengerID):
		// A reconnect finished while this pump drained the old channel.
		p.ensurePump()
	case !offline && route != "":
		p.log.Info("Passenger connection lost", logging.LogFields{"route_id": route})
		p.goOffline(route)
	}
}

// consume handles frames until the channel closes. It reports true when the
// heartbeat timeout passed without any frame.
func (p *Passenger) consume(frames <-chan messages.Frame) bool {
	timeout := p.cfg.HeartbeatTimeout
	if timeout <= 0 {
		for frame := range frames {
			p.handleFrame(frame)
		}
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return false
			}
			p.handleFrame(frame)
			timer.Reset(timeout)
		case <-timer.C:
			return true
		}
	}
}

// dropSilentConnection closes a connection that stopped delivering
// heartbeats so the reconnect loop opens a fresh one.
func (p *Passenger) dropSilentConnection() {
	p.mu.Lock()
	p.pumping = false
	disposed, route, ctx := p.disposed, p.route, p.ctx
	p.mu.Unlock()
	if disposed {
		return
	}
	p.timeouts.Add(1)
	p.log.Warn("Heartbeat timeout, dropping silent connection", logging.LogFields{
		"route_id": route,
		"timeout":  p.cfg.HeartbeatTimeout.String(),
	})
	p.conn.Disconnect(ctx, p.id.PassengerID)
	p.topics.HandleClientDisconnect(p.id.PassengerID)
	if route != "" {
		p.goOffline(route)
	}
}

func (p *Passenger) handleFrame(frame messages.Frame) {
	p.frames.Add(1)
	switch frame.Type {
	case messages.FrameHeartbeat:
		p.heartbeats.Add(1)
	case messages.FrameBroadcast:
		switch {
		case frame.Driver != nil:
			p.handleDriver(*frame.Driver)
		case frame.Passenger != nil:
			p.peers.Add(1)
		}
	}
}

func (p *Passenger) handleDriver(msg messages.DriverMessage) {
	p.mu.Lock()
	cache := p.cacheLocked(msg.RouteID)
	hub := p.hubLocked(msg.RouteID)
	var fresh bool
	if msg.Kind == messages.KindSessionEnd {
		cache.remove(msg.BusID)
		fresh = true
	} else {
		fresh = cache.put(msg)
	}
	p.mu.Unlock()

	if !fresh {
		p.stale.Add(1)
		return
	}
	p.driverUpdates.Add(1)
	hub.Publish(msg)
	p.checkNotifications(msg)
}

func (p *Passenger) cacheLocked(routeID string) *routeCache {
	c, ok := p.caches[routeID]
	if !ok {
		c = newRouteCache(p.cacheSize())
		p.caches[routeID] = c
	}
	return c
}

func (p *Passenger) hubLocked(routeID string) *fanout.Hub[messages.DriverMessage] {
	h, ok := p.hubs[routeID]
	if !ok {
		h = fanout.NewHub[messages.DriverMessage](p.cacheSize(), 0)
		p.hubs[routeID] = h
	}
	return h
}

func (p *Passenger) cacheSize() int {
	if p.cfg.CacheSize > 0 {
		return p.cfg.CacheSize
	}
	return 20
}

// SubscribeToRoute follows routeID, leaving the previous route. On failure
// the passenger goes offline and keeps retrying in the background; the call
// then returns false.
func (p *Passenger) SubscribeToRoute(ctx context.Context, routeID string) bool {
	if routeID == "" {
		return false
	}
	p.mu.Lock()
	if !p.initialized || p.disposed {
		p.mu.Unlock()
		p.log.Warn("Subscribe on a passenger that is not initialized", logging.LogFields{"route_id": routeID})
		return false
	}
	prev := p.route
	p.stopReconnectLocked()
	p.offline = false
	p.route = routeID
	p.mu.Unlock()

	if prev != "" && prev != routeID {
		p.topics.Unsubscribe(ctx, p.id.PassengerID, prev)
		p.publish(ctx, prev, messages.NewPassengerMessage(messages.PassengerRouteUnsubscribe, p.id.PassengerID, prev, nil))
	}

	if !p.tryRoute(ctx, routeID) {
		p.log.Warn("Route unreachable, going offline", logging.LogFields{"route_id": routeID})
		p.goOffline(routeID)
		return false
	}
	p.publish(ctx, routeID, messages.NewPassengerMessage(messages.PassengerRouteSubscribe, p.id.PassengerID, routeID, nil))
	p.log.Info("Passenger subscribed to route", logging.LogFields{"route_id": routeID})
	return true
}

func (p *Passenger) tryRoute(ctx context.Context, routeID string) bool {
	if !p.connect(ctx) {
		return false
	}
	return p.topics.Subscribe(ctx, p.id.PassengerID, routeID)
}

func (p *Passenger) stopReconnectLocked() {
	if p.reconnectCancel != nil {
		p.reconnectCancel()
		p.reconnectCancel = nil
	}
}

// goOffline replays the route cache to the passenger's own listeners and
// starts the reconnect loop.
func (p *Passenger) goOffline(routeID string) {
	p.mu.Lock()
	if p.disposed || p.offline || p.ctx == nil {
		p.mu.Unlock()
		return
	}
	p.offline = true
	cached := p.cacheLocked(routeID).snapshot()
	hub := p.hubLocked(routeID)
	ctx, cancel := context.WithCancel(p.ctx)
	p.reconnectCancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	for _, msg := range cached {
		hub.Publish(msg)
	}
	go p.reconnectLoop(ctx, routeID)
}

func (p *Passenger) reconnectDelay() time.Duration {
	if p.cfg.ReconnectDelay > 0 {
		return p.cfg.ReconnectDelay
	}
	return 5 * time.Second
}

func (p *Passenger) reconnectLoop(ctx context.Context, routeID string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reconnectDelay())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		attempt := p.attempts.Add(1)
		if p.tryRoute(ctx, routeID) {
			p.finishReconnect(ctx, routeID)
			return
		}
		p.log.Debug("Reconnect attempt failed", logging.LogFields{"route_id": routeID, "attempt": attempt})
	}
}

func (p *Passenger) finishReconnect(ctx context.Context, routeID string) {
	p.mu.Lock()
	if p.route != routeID || p.disposed {
		p.mu.Unlock()
		return
	}
	p.offline = false
	stop := p.reconnectCancel
	p.reconnectCancel = nil
	cached := p.cacheLocked(routeID).len()
	p.mu.Unlock()
	if stop != nil {
		defer stop()
	}

	p.reconnects.Add(1)
	ack := messages.NewPassengerMessage(messages.PassengerRouteSubscribe, p.id.PassengerID, routeID, map[string]any{
		KeyReconnected:    true,
		KeyCachedMessages: cached,
	})
	p.publish(ctx, routeID, ack)
	p.log.Info("Passenger reconnected", logging.LogFields{"route_id": routeID, "cached_messages": cached})
}

func (p *Passenger) publish(ctx context.Context, routeID string, msg messages.PassengerMessage) bool {
	return p.topics.RoutePublish(ctx, routeID, msg).Reached()
}

// RouteStream streams driver updates of routeID, starting with the cached
// ones, oldest first. buffer sizes the channel; non-positive uses the cache
// size.
func (p *Passenger) RouteStream(ctx context.Context, routeID string, buffer int) (<-chan messages.DriverMessage, func()) {
	p.mu.Lock()
	hub := p.hubLocked(routeID)
	seed := p.cacheLocked(routeID).snapshot()
	p.mu.Unlock()
	return hub.SubscribeFrom(ctx, buffer, seed)
}

// CachedMessages returns the cached updates of routeID, oldest first.
func (p *Passenger) CachedMessages(routeID string) []messages.DriverMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.caches[routeID]; ok {
		return c.snapshot()
	}
	return nil
}

// SendFeedback publishes rider feedback about busID onto the current route.
func (p *Passenger) SendFeedback(ctx context.Context, busID, comment string, rating int) bool {
	return p.sendUpstream(ctx, messages.PassengerFeedback, busID, map[string]any{
		"comment": comment,
		"rating":  rating,
	})
}

// ReportCrowding publishes the rider's view of how full busID is.
func (p *Passenger) ReportCrowding(ctx context.Context, busID string, level messages.CrowdLevel) bool {
	return p.sendUpstream(ctx, messages.PassengerCrowdingReport, busID, map[string]any{
		"crowdLevel": string(level),
	})
}

func (p *Passenger) sendUpstream(ctx context.Context, typ messages.PassengerMessageType, busID string, payload map[string]any) bool {
	p.mu.Lock()
	route, offline := p.route, p.offline
	p.mu.Unlock()
	if route == "" || offline {
		return false
	}
	msg := messages.NewPassengerMessage(typ, p.id.PassengerID, route, payload)
	msg.BusID = busID
	return p.publish(ctx, route, msg)
}

// SimulateReconnecting drops the connection, as a flaky network would. The
// passenger goes offline and the reconnect loop brings it back.
func (p *Passenger) SimulateReconnecting(ctx context.Context) {
	p.mu.Lock()
	route := p.route
	p.mu.Unlock()
	p.conn.Disconnect(ctx, p.id.PassengerID)
	p.topics.HandleClientDisconnect(p.id.PassengerID)
	if route != "" {
		p.goOffline(route)
	}
}

// Route is the route currently followed, if any.
func (p *Passenger) Route() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.route
}

// Offline reports whether the passenger is waiting to reconnect.
func (p *Passenger) Offline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offline
}

// Stats returns counters since the passenger was created.
func (p *Passenger) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		PassengerID: p.id.PassengerID,
		RouteID:     p.route,
		Offline:     p.offline,
	}
	if c, ok := p.caches[p.route]; ok {
		st.Cached = c.len()
	}
	p.mu.Unlock()
	st.Connected = p.conn.IsConnected(p.id.PassengerID)
	st.Frames = p.frames.Load()
	st.DriverUpdates = p.driverUpdates.Load()
	st.StaleUpdates = p.stale.Load()
	st.PeerMessages = p.peers.Load()
	st.Heartbeats = p.heartbeats.Load()
	st.Timeouts = p.timeouts.Load()
	st.Notifications = p.notified.Load()
	st.Reconnects = p.reconnects.Load()
	st.Attempts = p.attempts.Load()
	return st
}

// Dispose unsubscribes, disconnects, stops every background task and closes
// route streams. The passenger cannot be used afterwards.
func (p *Passenger) Dispose(ctx context.Context) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.stopReconnectLocked()
	cancel := p.cancel
	p.mu.Unlock()

	p.topics.UnsubscribeAll(ctx, p.id.PassengerID)
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	hubs := make([]*fanout.Hub[messages.DriverMessage], 0, len(p.hubs))
	for _, h := range p.hubs {
		hubs = append(hubs, h)
	}
	p.caches = make(map[string]*routeCache)
	p.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
	p.log.Debug("Passenger disposed", nil)
}

func (p *Passenger) checkNotifications(msg messages.DriverMessage) {
	switch msg.Kind {
	case messages.KindEmergency:
		p.notify(msg, notify.KindEmergency,
			fmt.Sprintf("Bus %s reported an emergency", msg.BusID),
			msg.Metadata.Get(metadata.KeyEmergencyNote, "The driver raised an alert"),
			map[string]any{"busId": msg.BusID})
		return
	case messages.KindSessionEnd:
		return
	}

	now := p.now()
	if p.id.Stop != (messages.Position{}) && p.cfg.ArrivalRadiusMeters > 0 {
		distance := location.Distance(msg.Position(), p.id.Stop)
		if distance < p.cfg.ArrivalRadiusMeters && p.cooledDown(p.lastArrival, msg.BusID, now, p.cfg.ArrivalCooldown) {
			p.notify(msg, notify.KindArrival,
				fmt.Sprintf("Bus %s is arriving", msg.BusID),
				fmt.Sprintf("Your bus is %.0f m away", distance),
				map[string]any{"distanceMeters": distance})
		}
	}

	if seats := p.cfg.SeatCapacity; seats > 0 {
		if float64(msg.PassengerCount) > p.cfg.CrowdingThreshold*float64(seats) &&
			p.cooledDown(p.lastCrowding, msg.BusID, now, p.cfg.CrowdingCooldown) {
			p.notify(msg, notify.KindCrowding,
				fmt.Sprintf("Bus %s is crowded", msg.BusID),
				fmt.Sprintf("%d of %d seats taken", msg.PassengerCount, seats),
				map[string]any{
					"passengerCount": msg.PassengerCount,
					"capacity":       seats,
					"crowdLevel":     string(msg.CrowdLevel),
				})
		}
	}
}

// cooledDown reports whether busID may notify again and, if so, starts a new
// cool-down.
func (p *Passenger) cooledDown(last map[string]time.Time, busID string, now time.Time, cooldown time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at, ok := last[busID]; ok && now.Sub(at) < cooldown {
		return false
	}
	last[busID] = now
	return true
}

func (p *Passenger) notify(msg messages.DriverMessage, kind notify.Kind, title, body string, payload map[string]any) {
	payload["busId"] = msg.BusID
	payload["routeId"] = msg.RouteID
	n := notify.New(kind, msg.RouteID, title, body, payload)
	n.PassengerID = p.id.PassengerID
	n.RouteID = msg.RouteID
	n.BusID = msg.BusID

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if err := p.notifier.Notify(notify.WithCorrelationID(ctx, msg.MessageID), n); err != nil {
		p.log.Warn("Notification request failed", logging.LogFields{
			"kind":   string(kind),
			"bus_id": msg.BusID,
			"error":  err.Error(),
		})
		return
	}
	p.notified.Add(1)
}
