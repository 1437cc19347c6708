// Package driver simulates the producer side of the demo: a bus that samples
// its location every tick and publishes a DriverMessage to its route topic.
// While offline the message goes to the driver's offline queue instead, and
// the queue is drained opportunistically once the driver is back online.
package driver

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/metadata"
	"github.com/drblury/transitflow/internal/runtime/monitor"
	"github.com/drblury/transitflow/internal/runtime/offline"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
	"github.com/drblury/transitflow/internal/runtime/status"
)

// PathSource is the source recorded for every message path a driver opens.
const PathSource = "driver"

// Metadata keys stamped by the driver.
const (
	KeyEmergencyNote = metadata.KeyEmergencyNote
	KeyOfflineReason = "offline_reason"
)

// LocationSource pushes position samples. location.Feed implements it.
type LocationSource interface {
	Start(ctx context.Context) error
	Stop()
	Latest() (messages.Position, bool)
}

// Publisher fans a message out to a route. pubsub.Manager implements it.
type Publisher interface {
	RoutePublish(ctx context.Context, routeID string, msg messages.Message) pubsub.BroadcastResult
}

// Connector owns the driver's own connection.
type Connector interface {
	Connect(ctx context.Context, clientID string) bool
	Disconnect(ctx context.Context, clientID string)
	IsConnected(clientID string) bool
}

// Recorder receives path and queue observations. monitor.Monitor
// implements it.
type Recorder interface {
	offline.Recorder
	BeginPath(ctx context.Context, id, source, destination string)
	Checkpoint(id, name string)
	CompletePath(id string, success bool) (monitor.PathRecord, bool)
	RecordDrop(clientID, reason string)
}

// Identity names the bus a driver simulates. DriverID doubles as the
// connection client id and defaults to a generated id.
type Identity struct {
	BusID    string
	RouteID  string
	DriverID string
}

// Dependencies are the collaborators of a Driver. Connector, Publisher and
// Location are required.
type Dependencies struct {
	Connector Connector
	Publisher Publisher
	Location  LocationSource
	Recorder  Recorder
	Status    status.Sink
	// Rand drives the passenger walk and stochastic connectivity.
	Rand *rand.Rand
}

// Stats is a point-in-time view of a driver.
type Stats struct {
	BusID           string              `json:"busId"`
	RouteID         string              `json:"routeId"`
	DriverID        string              `json:"driverId"`
	Broadcasting    bool                `json:"broadcasting"`
	Online          bool                `json:"online"`
	PassengerCount  int                 `json:"passengerCount"`
	CrowdLevel      messages.CrowdLevel `json:"crowdLevel"`
	Ticks           uint64              `json:"ticks"`
	OfflineTicks    uint64              `json:"offlineTicks"`
	MessagesSent    uint64              `json:"messagesSent"`
	MessagesQueued  uint64              `json:"messagesQueued"`
	MessagesDropped uint64              `json:"messagesDropped"`
	AverageLatency  time.Duration       `json:"averageLatency"`
	Position        messages.Position   `json:"position"`
	Queue           offline.Stats       `json:"queue"`
	ForcedOffline   int                 `json:"forcedOffline"`
	LastPublishedAt time.Time           `json:"lastPublishedAt,omitempty"`
	LastKind        messages.DriverKind `json:"lastKind,omitempty"`
}

// SessionStats summarises one StartBroadcasting/StopBroadcasting session.
type SessionStats struct {
	BusID           string        `json:"busId"`
	RouteID         string        `json:"routeId"`
	DriverID        string        `json:"driverId"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         time.Time     `json:"endedAt"`
	Duration        time.Duration `json:"duration"`
	MessagesSent    uint64        `json:"messagesSent"`
	MessagesQueued  uint64        `json:"messagesQueued"`
	MessagesDropped uint64        `json:"messagesDropped"`
	AverageLatency  time.Duration `json:"averageLatency"`
	QueueRemaining  int           `json:"queueRemaining"`
}

// Driver is one simulated bus.
type Driver struct {
	id       Identity
	cfg      config.DriverConfig
	log      logging.ServiceLogger
	conn     Connector
	pub      Publisher
	location LocationSource
	recorder Recorder
	status   status.Sink
	queue    *offline.Manager

	mu         sync.Mutex
	rng        *rand.Rand
	passengers int
	lastPos    messages.Position
	forced     int
	running    bool
	cancel     context.CancelFunc
	startedAt  time.Time
	lastSent   time.Time
	lastKind   messages.DriverKind
	latencySum time.Duration
	latencyN   int64
	wg         sync.WaitGroup

	ticks        atomic.Uint64
	offlineTicks atomic.Uint64
	sent         atomic.Uint64
	queued       atomic.Uint64
	dropped      atomic.Uint64

	// sessionBase holds sent, queued and dropped at StartBroadcasting.
	sessionBase [3]uint64
}

// New builds a stopped driver with its own offline queue.
func New(id Identity, cfg config.Config, log logging.ServiceLogger, deps Dependencies) (*Driver, error) {
	if id.BusID == "" {
		return nil, errspkg.ErrBusRequired
	}
	if id.RouteID == "" {
		return nil, errspkg.ErrRouteRequired
	}
	if deps.Connector == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	if deps.Publisher == nil {
		return nil, errspkg.ErrTopicsRequired
	}
	if deps.Location == nil {
		return nil, errspkg.ErrLocationRequired
	}
	if id.DriverID == "" {
		id.DriverID = ids.Prefixed("driver")
	}

	d := &Driver{
		id:  id,
		cfg: cfg.Driver,
		log: logging.Component(log, "driver").With(logging.LogFields{
			"bus_id":    id.BusID,
			"route_id":  id.RouteID,
			"client_id": id.DriverID,
		}),
		conn:       deps.Connector,
		pub:        deps.Publisher,
		location:   deps.Location,
		recorder:   deps.Recorder,
		status:     deps.Status,
		rng:        deps.Rand,
		passengers: cfg.Driver.InitialPassengers,
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.status == nil {
		d.status = status.NopSink{}
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	queue, err := offline.NewManager(id.DriverID, cfg.Queue, d.deliverQueued, log,
		offline.WithRecorder(d.recorder),
		offline.WithHooks(offline.Hooks{
			OnDelivered: d.onQueueDelivered,
			OnDropped:   d.onQueueDropped,
		}),
	)
	if err != nil {
		return nil, err
	}
	d.queue = queue
	return d, nil
}

// Identity returns the bus, route and driver ids.
func (d *Driver) Identity() Identity { return d.id }

// ClientID is the connection id the driver publishes from.
func (d *Driver) ClientID() string { return d.id.DriverID }

// Queue exposes the driver's offline queue.
func (d *Driver) Queue() *offline.Manager { return d.queue }

// StartBroadcasting connects, starts the location feed and publishes a
// first update right away, then one every tick until StopBroadcasting or ctx
// is done. A failed connect is not an error; updates queue until Reconnect.
func (d *Driver) StartBroadcasting(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	if err := d.location.Start(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.startedAt = time.Now()
	d.latencySum, d.latencyN = 0, 0
	d.sessionBase = [3]uint64{d.sent.Load(), d.queued.Load(), d.dropped.Load()}
	d.wg.Add(1)
	d.mu.Unlock()

	if !d.conn.Connect(ctx, d.id.DriverID) {
		d.log.Warn("Driver connect failed, updates will queue", nil)
	}
	d.status.SessionStarted(status.Session{
		BusID:     d.id.BusID,
		RouteID:   d.id.RouteID,
		DriverID:  d.id.DriverID,
		StartedAt: d.startedAt,
	})
	d.log.Info("Driver started broadcasting", logging.LogFields{"interval": d.interval().String()})

	go d.run(runCtx)
	return nil
}

func (d *Driver) interval() time.Duration {
	if d.cfg.Interval > 0 {
		return d.cfg.Interval
	}
	return time.Second
}

func (d *Driver) run(ctx context.Context) {
	defer d.wg.Done()
	d.tick(ctx)
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	d.ticks.Add(1)
	pos := d.position()

	d.mu.Lock()
	count, stopEvent := d.walkLocked()
	down, reason := d.offlineLocked(true)
	d.mu.Unlock()

	msg := messages.NewDriverMessage(messages.KindLocation, d.id.BusID, d.id.RouteID, d.id.DriverID, pos, count)
	if stopEvent {
		msg.Metadata = msg.Metadata.With(metadata.KeyStopEvent, "true")
	}
	if down {
		d.offlineTicks.Add(1)
	}
	d.dispatch(ctx, msg, messages.PriorityNormal, down, reason)
}

func (d *Driver) position() messages.Position {
	pos, ok := d.location.Latest()
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok {
		d.lastPos = pos
	}
	return d.lastPos
}

// walkLocked moves the passenger count by a small random step, or by a large
// one on a bus stop event, clamped to capacity.
func (d *Driver) walkLocked() (int, bool) {
	step := d.cfg.RandomWalkStep
	delta := 0
	if step > 0 {
		delta = d.rng.IntN(2*step+1) - step
	}
	stopEvent := false
	if d.cfg.StopEventMax > 0 && d.rng.Float64() < d.cfg.StopEventProbability {
		stopEvent = true
		delta = d.rng.IntN(d.cfg.StopEventMax) + 1
		if d.rng.IntN(2) == 0 {
			delta = -delta
		}
	}
	d.passengers = d.clamp(d.passengers + delta)
	return d.passengers, stopEvent
}

func (d *Driver) clamp(n int) int {
	if n < 0 {
		return 0
	}
	if d.cfg.Capacity > 0 && n > d.cfg.Capacity {
		return d.cfg.Capacity
	}
	return n
}

// offlineLocked decides whether the next message bypasses the route. Only
// ticks consume forced offline ticks and roll the stochastic outage.
func (d *Driver) offlineLocked(tick bool) (bool, string) {
	if d.forced > 0 {
		if tick {
			d.forced--
		}
		return true, "forced"
	}
	if !d.conn.IsConnected(d.id.DriverID) {
		return true, "disconnected"
	}
	if tick && d.cfg.OfflineProbability > 0 && d.rng.Float64() < d.cfg.OfflineProbability {
		return true, "stochastic"
	}
	return false, ""
}

func (d *Driver) dispatch(ctx context.Context, msg messages.DriverMessage, priority messages.Priority, down bool, reason string) bool {
	if down {
		msg.Metadata = msg.Metadata.With(KeyOfflineReason, reason)
		if reason == "forced" {
			msg.Metadata = msg.Metadata.With(metadata.KeyForcedOffline, "true")
		}
	}
	d.recorder.BeginPath(ctx, msg.MessageID, PathSource, d.id.RouteID)
	if down {
		return d.enqueue(msg, priority, reason)
	}

	res := d.pub.RoutePublish(ctx, d.id.RouteID, msg)
	d.observeLatency(res.Duration)
	if !res.Reached() {
		d.recorder.Checkpoint(msg.MessageID, "broadcast_failed")
		return d.enqueue(msg, priority, "unreached")
	}
	d.recorder.Checkpoint(msg.MessageID, "broadcast")
	d.recorder.CompletePath(msg.MessageID, true)
	d.sent.Add(1)
	d.markSent(msg)
	d.writeStatus(msg, statusFor(msg.Kind, status.StateActive))
	d.drain(ctx, false)
	return true
}

func (d *Driver) enqueue(msg messages.DriverMessage, priority messages.Priority, reason string) bool {
	ok := d.queue.Enqueue(messages.QueuedEnvelope{
		ClientID: d.id.DriverID,
		Priority: priority,
		Topic:    d.id.RouteID,
		Message:  msg,
	})
	if !ok {
		d.dropped.Add(1)
		d.recorder.CompletePath(msg.MessageID, false)
		d.recorder.RecordDrop(d.id.DriverID, "rejected")
		d.log.Warn("Offline queue rejected update", logging.LogFields{
			"message_id": msg.MessageID,
			"kind":       string(msg.Kind),
		})
		return false
	}
	d.queued.Add(1)
	d.recorder.Checkpoint(msg.MessageID, "queued")
	d.writeStatus(msg, statusFor(msg.Kind, status.StateOffline))
	d.log.Debug("Update queued while offline", logging.LogFields{
		"message_id": msg.MessageID,
		"reason":     reason,
		"depth":      d.queue.Len(),
	})
	return true
}

func statusFor(kind messages.DriverKind, fallback status.State) status.State {
	if kind == messages.KindEmergency {
		return status.StateEmergency
	}
	return fallback
}

func (d *Driver) deliverQueued(ctx context.Context, env messages.QueuedEnvelope) bool {
	d.mu.Lock()
	forced := d.forced > 0
	d.mu.Unlock()
	if forced || !d.conn.IsConnected(d.id.DriverID) {
		return false
	}
	res := d.pub.RoutePublish(ctx, env.Topic, env.Message)
	d.observeLatency(res.Duration)
	return res.Reached()
}

func (d *Driver) onQueueDelivered(env messages.QueuedEnvelope) {
	d.sent.Add(1)
	id := env.Message.ID()
	d.recorder.Checkpoint(id, "drained")
	d.recorder.CompletePath(id, true)
	if msg, ok := env.Message.(messages.DriverMessage); ok {
		d.markSent(msg)
	}
}

// onQueueDropped closes the path of an envelope that left the queue. A
// coalesced or superseded location update counts as delivered, since a newer
// update of the same bus replaced it.
func (d *Driver) onQueueDropped(env messages.QueuedEnvelope, reason offline.DropReason) {
	id := env.Message.ID()
	switch reason {
	case offline.DropCoalesced, offline.DropSuperseded:
		d.recorder.Checkpoint(id, string(reason))
		d.recorder.CompletePath(id, true)
	default:
		d.dropped.Add(1)
		d.recorder.CompletePath(id, false)
		d.recorder.RecordDrop(d.id.DriverID, string(reason))
	}
}

// drain starts a background pass over the offline queue when anything is
// queued. force flushes the coalescing window and ignores retry cooldowns.
func (d *Driver) drain(ctx context.Context, force bool) {
	if d.queue.Len() == 0 {
		return
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		var res offline.ProcessResult
		if force {
			res = d.queue.Flush(ctx)
		} else {
			res = d.queue.ProcessQueue(ctx)
		}
		if res.Delivered > 0 {
			d.log.Debug("Drained offline queue", logging.LogFields{
				"delivered": res.Delivered,
				"retrying":  res.Retrying,
				"remaining": res.Remaining,
			})
		}
	}()
}

func (d *Driver) observeLatency(took time.Duration) {
	if took <= 0 {
		return
	}
	d.mu.Lock()
	d.latencySum += took
	d.latencyN++
	d.mu.Unlock()
}

func (d *Driver) markSent(msg messages.DriverMessage) {
	d.mu.Lock()
	if msg.Timestamp.After(d.lastSent) {
		d.lastSent = msg.Timestamp
		d.lastKind = msg.Kind
	}
	d.mu.Unlock()
}

func (d *Driver) writeStatus(msg messages.DriverMessage, state status.State) {
	d.status.Status(status.Update{
		BusID:          d.id.BusID,
		RouteID:        d.id.RouteID,
		DriverID:       d.id.DriverID,
		State:          state,
		Latitude:       msg.Latitude,
		Longitude:      msg.Longitude,
		Speed:          msg.Speed,
		Heading:        msg.Heading,
		PassengerCount: msg.PassengerCount,
		CrowdLevel:     string(msg.CrowdLevel),
		Note:           msg.Metadata[KeyEmergencyNote],
		UpdatedAt:      msg.Timestamp,
	})
}

func (d *Driver) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// UpdatePassengerCount overrides the simulated count and publishes it right
// away. It reports whether the update was published or queued; it is false
// when the driver is not broadcasting.
func (d *Driver) UpdatePassengerCount(ctx context.Context, count int) bool {
	if !d.isRunning() {
		return false
	}
	pos := d.position()
	d.mu.Lock()
	d.passengers = d.clamp(count)
	count = d.passengers
	down, reason := d.offlineLocked(false)
	d.mu.Unlock()

	msg := messages.NewDriverMessage(messages.KindPassengerCount, d.id.BusID, d.id.RouteID, d.id.DriverID, pos, count)
	return d.dispatch(ctx, msg, messages.PriorityNormal, down, reason)
}

// SendEmergencyAlert publishes a high priority emergency update, queuing it
// while offline.
func (d *Driver) SendEmergencyAlert(ctx context.Context, note string) bool {
	if !d.isRunning() {
		return false
	}
	pos := d.position()
	d.mu.Lock()
	count := d.passengers
	down, reason := d.offlineLocked(false)
	d.mu.Unlock()

	msg := messages.NewDriverMessage(messages.KindEmergency, d.id.BusID, d.id.RouteID, d.id.DriverID, pos, count)
	msg.Metadata = msg.Metadata.With(KeyEmergencyNote, note)
	d.log.Warn("Emergency alert raised", logging.LogFields{"note": note, "offline": down})
	return d.dispatch(ctx, msg, messages.PriorityHigh, down, reason)
}

// BurstPassengerUpdates publishes n passenger count updates back to back. It
// returns how many were published or queued.
func (d *Driver) BurstPassengerUpdates(ctx context.Context, n int) int {
	accepted := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		d.mu.Lock()
		count, _ := d.walkLocked()
		d.mu.Unlock()
		if d.UpdatePassengerCount(ctx, count) {
			accepted++
		}
	}
	return accepted
}

// ForceOffline diverts the next ticks ticks into the offline queue.
func (d *Driver) ForceOffline(ticks int) {
	if ticks < 0 {
		ticks = 0
	}
	d.mu.Lock()
	d.forced = ticks
	d.mu.Unlock()
	d.log.Info("Driver forced offline", logging.LogFields{"ticks": ticks})
}

// Disconnect drops the driver's own connection. Updates queue until
// Reconnect.
func (d *Driver) Disconnect(ctx context.Context) {
	d.conn.Disconnect(ctx, d.id.DriverID)
	d.log.Info("Driver disconnected", nil)
}

// Reconnect re-establishes the connection and flushes the offline queue in
// the background.
func (d *Driver) Reconnect(ctx context.Context) bool {
	if !d.conn.Connect(ctx, d.id.DriverID) {
		d.log.Warn("Driver reconnect failed", nil)
		return false
	}
	d.log.Info("Driver reconnected", logging.LogFields{"queued": d.queue.Len()})
	d.drain(ctx, true)
	return true
}

// Online reports whether ticks currently reach the route.
func (d *Driver) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forced == 0 && d.conn.IsConnected(d.id.DriverID)
}

// Stats returns counters since the driver was created.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	st := Stats{
		BusID:           d.id.BusID,
		RouteID:         d.id.RouteID,
		DriverID:        d.id.DriverID,
		Broadcasting:    d.running,
		PassengerCount:  d.passengers,
		CrowdLevel:      messages.CrowdLevelFor(d.passengers),
		AverageLatency:  d.averageLatencyLocked(),
		Position:        d.lastPos,
		ForcedOffline:   d.forced,
		LastPublishedAt: d.lastSent,
		LastKind:        d.lastKind,
	}
	d.mu.Unlock()
	st.Online = d.Online()
	st.Ticks = d.ticks.Load()
	st.OfflineTicks = d.offlineTicks.Load()
	st.MessagesSent = d.sent.Load()
	st.MessagesQueued = d.queued.Load()
	st.MessagesDropped = d.dropped.Load()
	st.Queue = d.queue.Stats()
	return st
}

func (d *Driver) averageLatencyLocked() time.Duration {
	if d.latencyN == 0 {
		return 0
	}
	return d.latencySum / time.Duration(d.latencyN)
}

// StopBroadcasting cancels the tick loop, stops the location feed, flushes
// the offline queue, announces the end of the session on the route and
// disconnects. Stopping a stopped driver returns zero stats.
func (d *Driver) StopBroadcasting(ctx context.Context) SessionStats {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return SessionStats{}
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.location.Stop()

	flushed := d.queue.Flush(ctx)
	if d.conn.IsConnected(d.id.DriverID) {
		pos := d.position()
		d.mu.Lock()
		count := d.passengers
		d.mu.Unlock()
		end := messages.NewDriverMessage(messages.KindSessionEnd, d.id.BusID, d.id.RouteID, d.id.DriverID, pos, count)
		d.pub.RoutePublish(ctx, d.id.RouteID, end)
		d.writeStatus(end, status.StateEnded)
	}
	d.conn.Disconnect(ctx, d.id.DriverID)

	now := time.Now()
	d.mu.Lock()
	session := SessionStats{
		BusID:           d.id.BusID,
		RouteID:         d.id.RouteID,
		DriverID:        d.id.DriverID,
		StartedAt:       d.startedAt,
		EndedAt:         now,
		Duration:        now.Sub(d.startedAt),
		MessagesSent:    d.sent.Load() - d.sessionBase[0],
		MessagesQueued:  d.queued.Load() - d.sessionBase[1],
		MessagesDropped: d.dropped.Load() - d.sessionBase[2],
		AverageLatency:  d.averageLatencyLocked(),
		QueueRemaining:  flushed.Remaining,
	}
	d.mu.Unlock()

	d.status.SessionEnded(status.Session{
		BusID:           session.BusID,
		RouteID:         session.RouteID,
		DriverID:        session.DriverID,
		StartedAt:       session.StartedAt,
		EndedAt:         session.EndedAt,
		MessagesSent:    int(session.MessagesSent),
		MessagesQueued:  int(session.MessagesQueued),
		MessagesDropped: int(session.MessagesDropped),
		AverageLatency:  session.AverageLatency,
	})
	d.log.Info("Driver session ended", logging.LogFields{
		"duration":        session.Duration.String(),
		"messages_sent":   session.MessagesSent,
		"messages_queued": session.MessagesQueued,
		"dropped":         session.MessagesDropped,
		"avg_latency_ms":  session.AverageLatency.Milliseconds(),
		"queue_remaining": session.QueueRemaining,
	})
	return session
}

// Close stops broadcasting if needed and drops whatever is still queued.
func (d *Driver) Close(ctx context.Context) SessionStats {
	session := d.StopBroadcasting(ctx)
	d.queue.Close()
	return session
}

type nopRecorder struct{}

func (nopRecorder) RecordQueueDepth(string, int)                      {}
func (nopRecorder) RecordRetry(string, int, time.Duration)            {}
func (nopRecorder) BeginPath(context.Context, string, string, string) {}
func (nopRecorder) Checkpoint(string, string)                         {}
func (nopRecorder) RecordDrop(string, string)                         {}

func (nopRecorder) CompletePath(string, bool) (monitor.PathRecord, bool) {
	return monitor.PathRecord{}, false
}
