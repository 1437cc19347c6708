// Package monitor turns connection, broadcast, queue and path events into
// health signals. It publishes a snapshot every SnapshotInterval and raises
// alerts when rolling latency averages or path drop rates cross thresholds.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/fanout"
	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/window"
)

// Rolling average keys maintained by the monitor itself.
const (
	MetricSendLatency      = "latency.send"
	MetricClientLatency    = "latency.client"
	MetricBroadcastLatency = "latency.broadcast"
	metricPathPrefix       = "latency.path."
)

const tracerName = "github.com/drblury/transitflow/monitor"

type activePath struct {
	record PathRecord
	span   trace.Span
}

type connectionEntry struct {
	stats   ConnectionStats
	latency *window.Latency
	seen    bool
}

type queueSample struct {
	depth int
	at    time.Time
}

type queueEntry struct {
	samples []queueSample
	retries uint64
	dropped uint64
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithRegisterer registers the Prometheus collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Monitor) { m.registerer = r }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Monitor) { m.tracer = tp.Tracer(tracerName) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg        config.MonitorConfig
	log        logging.ServiceLogger
	now        func() time.Time
	tracer     trace.Tracer
	registerer prometheus.Registerer
	metrics    *collectors

	mu          sync.Mutex
	active      map[string]*activePath
	history     *pathHistory
	rolling     map[string]*window.Latency
	connections map[string]*connectionEntry
	queues      map[string]*queueEntry
	broadcasts  map[string]*BroadcastStats
	alerts      map[string]Alert
	latest      *Snapshot
	drivers     int
	passengers  int
	dropped     uint64

	// Successful completions overall, per path key and broadcasts per route.
	deliveries *window.Throughput
	pathRates  map[string]*window.Throughput
	routeRates map[string]*window.Throughput

	snapshots *fanout.Hub[Snapshot]
	alertHub  *fanout.Hub[Alert]

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a monitor. Collectors are only registered when WithRegisterer
// is supplied.
func New(cfg config.MonitorConfig, log logging.ServiceLogger, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		cfg:         cfg,
		log:         logging.Component(log, "monitor"),
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
		metrics:     newCollectors(),
		active:      make(map[string]*activePath),
		pathRates:   make(map[string]*window.Throughput),
		routeRates:  make(map[string]*window.Throughput),
		rolling:     make(map[string]*window.Latency),
		connections: make(map[string]*connectionEntry),
		queues:      make(map[string]*queueEntry),
		broadcasts:  make(map[string]*BroadcastStats),
		alerts:      make(map[string]Alert),
		snapshots:   fanout.NewHub[Snapshot](4, 1),
		alertHub:    fanout.NewHub[Alert](32, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = newPathHistory(cfg.PathHistory)
	m.deliveries = window.NewThroughput(cfg.ThroughputWindow)
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			return nil, fmt.Errorf("register monitor collectors: %w", err)
		}
	}
	m.metrics.setHealth(HealthUnknown)
	return m, nil
}

// Start launches the snapshot and alert loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errspkg.ErrAlreadyRunning
	}
	if m.stopped {
		return errspkg.ErrNotRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.every(ctx, m.cfg.SnapshotInterval, func() { m.TakeSnapshot() })
	m.every(ctx, m.cfg.AlertInterval, func() {
		m.abandonStale()
		m.EvaluateAlerts()
	})
	m.log.Debug("Monitor started", logging.LogFields{
		"snapshot_interval": m.cfg.SnapshotInterval.String(),
		"alert_interval":    m.cfg.AlertInterval.String(),
	})
	return nil
}

func (m *Monitor) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop ends the loops, abandons open paths and closes every subscription.
// It is idempotent.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if m.stopped {
		m.runMu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id := range m.active {
		m.finishLocked(id, false, true)
	}
	m.mu.Unlock()

	m.snapshots.Close()
	m.alertHub.Close()
}

// BeginPath opens a message path. Beginning an id that is already open
// replaces it.
func (m *Monitor) BeginPath(ctx context.Context, id, source, destination string) {
	if id == "" {
		return
	}
	now := m.now()
	_, span := m.tracer.Start(ctx, "transitflow.path",
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.String("path.id", id),
			attribute.String("path.source", source),
			attribute.String("path.destination", destination),
		),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.active[id]; ok {
		prev.span.End()
	}
	m.active[id] = &activePath{
		record: PathRecord{ID: id, Source: source, Destination: destination, StartedAt: now},
		span:   span,
	}
}

// Checkpoint records an intermediate hop. Unknown ids are ignored.
func (m *Monitor) Checkpoint(id, name string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[id]
	if !ok {
		return
	}
	p.record.Checkpoints = append(p.record.Checkpoints, Checkpoint{Name: name, At: now})
	p.span.AddEvent(name, trace.WithTimestamp(now))
}

// CompletePath closes a path and records its latency and outcome.
func (m *Monitor) CompletePath(id string, success bool) (PathRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, success, false)
}

// AbandonPath closes a path that will never complete. It counts as a failure.
func (m *Monitor) AbandonPath(id string) (PathRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, false, true)
}

func (m *Monitor) finishLocked(id string, success, abandoned bool) (PathRecord, bool) {
	p, ok := m.active[id]
	if !ok {
		return PathRecord{}, false
	}
	delete(m.active, id)
	now := m.now()
	rec := p.record
	rec.CompletedAt = now
	rec.Latency = now.Sub(rec.StartedAt)
	rec.Success = success
	rec.Abandoned = abandoned

	p.span.SetAttributes(
		attribute.Bool("path.success", success),
		attribute.Int64("path.latency_ms", rec.Latency.Milliseconds()),
	)
	switch {
	case abandoned:
		p.span.SetStatus(codes.Error, "abandoned")
	case !success:
		p.span.SetStatus(codes.Error, "delivery failed")
	}
	p.span.End(trace.WithTimestamp(now))

	m.history.add(rec)
	m.addRollingLocked(metricPathPrefix+rec.Key(), rec.Latency)
	if success {
		m.deliveries.Add(now)
		m.rateLocked(m.pathRates, rec.Key()).Add(now)
	}

	m.metrics.pathLatency.WithLabelValues(rec.Key()).Observe(rec.Latency.Seconds())
	m.metrics.pathsTotal.WithLabelValues(rec.Key(), outcome(success)).Inc()
	return rec, true
}

func (m *Monitor) rateLocked(rates map[string]*window.Throughput, key string) *window.Throughput {
	tw, ok := rates[key]
	if !ok {
		tw = window.NewThroughput(m.cfg.ThroughputWindow)
		rates[key] = tw
	}
	return tw
}

func (m *Monitor) abandonStale() {
	if m.cfg.StalePathAfter <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.StalePathAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.active {
		if p.record.StartedAt.Before(cutoff) {
			m.finishLocked(id, false, true)
		}
	}
}

// RecordMetric adds a sample to the rolling window of key.
func (m *Monitor) RecordMetric(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRollingLocked(key, d)
}

func (m *Monitor) addRollingLocked(key string, d time.Duration) {
	w, ok := m.rolling[key]
	if !ok {
		w = window.NewLatency(m.cfg.RollingWindow)
		m.rolling[key] = w
	}
	w.Add(d)
}

// RollingAverage of key, zero when no samples exist.
func (m *Monitor) RollingAverage(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolling[key].Average()
}

func (m *Monitor) connectionLocked(clientID string) *connectionEntry {
	c, ok := m.connections[clientID]
	if !ok {
		c = &connectionEntry{
			stats:   ConnectionStats{ClientID: clientID},
			latency: window.NewLatency(m.cfg.RollingWindow),
		}
		m.connections[clientID] = c
	}
	return c
}

// RecordConnection tracks connect and disconnect transitions. A connect
// after an earlier one counts as a reconnect.
func (m *Monitor) RecordConnection(clientID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.connectionLocked(clientID)
	if connected && !c.stats.Connected {
		if c.seen {
			c.stats.Reconnects++
		}
		c.seen = true
	}
	c.stats.Connected = connected
	c.stats.LastChangeAt = m.now()
	m.metrics.connectedClients.Set(float64(m.connectedLocked()))
}

func (m *Monitor) connectedLocked() int {
	n := 0
	for _, c := range m.connections {
		if c.stats.Connected {
			n++
		}
	}
	return n
}

// RecordSend tracks one virtual channel send.
func (m *Monitor) RecordSend(clientID string, latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.connectionLocked(clientID)
	if ok {
		c.stats.MessagesSent++
		c.latency.Add(latency)
		m.addRollingLocked(MetricSendLatency, latency)
		m.metrics.sendLatency.Observe(latency.Seconds())
	} else {
		c.stats.MessagesFailed++
	}
	m.metrics.sendsTotal.WithLabelValues(outcome(ok)).Inc()
}

// RecordFrameDrop counts frames a client listener missed after a send that
// reported success.
func (m *Monitor) RecordFrameDrop(clientID string, frameType messages.FrameType, missed int) {
	if missed <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectionLocked(clientID).stats.FramesDropped += uint64(missed)
	m.dropped += uint64(missed)
	m.metrics.framesDropped.WithLabelValues(string(frameType)).Add(float64(missed))
}

// RecordClientLatency stores the simulator's periodic rolling average as the
// client's ping latency.
func (m *Monitor) RecordClientLatency(clientID string, average time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.connectionLocked(clientID)
	c.stats.PingLatency = average
	m.addRollingLocked(MetricClientLatency, average)
}

// RecordBroadcast tracks one route fan-out.
func (m *Monitor) RecordBroadcast(routeID string, duration time.Duration, attempted, delivered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[routeID]
	if !ok {
		b = &BroadcastStats{RouteID: routeID}
		m.broadcasts[routeID] = b
	}
	b.Broadcasts++
	m.rateLocked(m.routeRates, routeID).Add(m.now())
	b.Attempted += uint64(attempted)
	b.Delivered += uint64(delivered)
	b.LastDuration = duration
	b.AverageDuration += (duration - b.AverageDuration) / time.Duration(b.Broadcasts)
	m.addRollingLocked(MetricBroadcastLatency, duration)

	m.metrics.broadcastDuration.WithLabelValues(routeID).Observe(duration.Seconds())
	m.metrics.broadcastSends.WithLabelValues(routeID, "success").Add(float64(delivered))
	m.metrics.broadcastSends.WithLabelValues(routeID, "failure").Add(float64(attempted - delivered))
}

func (m *Monitor) queueLocked(clientID string) *queueEntry {
	q, ok := m.queues[clientID]
	if !ok {
		q = &queueEntry{}
		m.queues[clientID] = q
	}
	return q
}

// RecordQueueDepth keeps the last QueueSamples depth samples of a client.
func (m *Monitor) RecordQueueDepth(clientID string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(clientID)
	q.samples = append(q.samples, queueSample{depth: depth, at: m.now()})
	limit := m.cfg.QueueSamples
	if limit <= 0 {
		limit = 10
	}
	if len(q.samples) > limit {
		q.samples = append(q.samples[:0:0], q.samples[len(q.samples)-limit:]...)
	}
	m.metrics.queueDepth.WithLabelValues(clientID).Set(float64(depth))
}

// RecordRetry counts a scheduled offline retry.
func (m *Monitor) RecordRetry(clientID string, attempt int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLocked(clientID).retries++
	m.metrics.queueRetries.WithLabelValues(clientID).Inc()
	m.log.Trace("Offline retry scheduled", logging.LogFields{
		"client_id": clientID,
		"attempt":   attempt,
		"delay":     delay.String(),
	})
}

// RecordDrop counts an envelope that left an offline queue undelivered.
func (m *Monitor) RecordDrop(clientID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLocked(clientID).dropped++
	m.dropped++
	m.metrics.queueDropped.WithLabelValues(clientID, reason).Inc()
}

// SetActiveEntities updates the simulated driver and passenger counts.
func (m *Monitor) SetActiveEntities(drivers, passengers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers, m.passengers = drivers, passengers
	m.metrics.entities.WithLabelValues("driver").Set(float64(drivers))
	m.metrics.entities.WithLabelValues("passenger").Set(float64(passengers))
}

// PathStats aggregates the retained history per path key.
func (m *Monitor) PathStats() map[string]PathStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathStatsLocked()
}

func (m *Monitor) pathStatsLocked() map[string]PathStats {
	samples := make(map[string][]time.Duration)
	successes := make(map[string]int)
	for i := 0; i < m.history.len(); i++ {
		rec := m.history.at(i)
		key := rec.Key()
		samples[key] = append(samples[key], rec.Latency)
		if rec.Success {
			successes[key]++
		}
	}
	now := m.now()
	out := make(map[string]PathStats, len(samples))
	for key, s := range samples {
		st := PathStats{
			Key:         key,
			Successes:   successes[key],
			SuccessRate: float64(successes[key]) / float64(len(s)),
			Summary:     window.Summarize(s),
		}
		if tw, ok := m.pathRates[key]; ok {
			st.PerSecond = tw.Snapshot(now).CurrentRPS
		}
		out[key] = st
	}
	return out
}

// History returns the retained completed paths, oldest first.
func (m *Monitor) History() []PathRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.values()
}

// Health classifies paths completed within HealthWindow.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, _, _ := m.healthLocked()
	return h
}

func (m *Monitor) healthLocked() (Health, float64, time.Duration) {
	horizon := m.cfg.HealthWindow
	if horizon <= 0 {
		horizon = time.Minute
	}
	cutoff := m.now().Add(-horizon)
	var recent []time.Duration
	ok := 0
	for i := m.history.len() - 1; i >= 0; i-- {
		rec := m.history.at(i)
		if rec.CompletedAt.Before(cutoff) {
			break
		}
		recent = append(recent, rec.Latency)
		if rec.Success {
			ok++
		}
	}
	if len(recent) == 0 {
		return HealthUnknown, 1, 0
	}
	rate := float64(ok) / float64(len(recent))
	avg := window.Mean(recent)
	return Classify(rate, avg), rate, avg
}

// Classify maps a success rate and average latency to a Health level.
func Classify(successRate float64, avg time.Duration) Health {
	switch {
	case successRate > 0.95 && avg < 100*time.Millisecond:
		return HealthExcellent
	case successRate > 0.90 && avg < 500*time.Millisecond:
		return HealthGood
	case successRate > 0.80 && avg < time.Second:
		return HealthFair
	default:
		return HealthPoor
	}
}

// EvaluateAlerts compares rolling averages against the latency thresholds
// and per-path drop rates against the drop thresholds. Newly raised or
// escalated alerts are published; cleared conditions leave the active set.
func (m *Monitor) EvaluateAlerts() []Alert {
	m.mu.Lock()
	now := m.now()
	current := make(map[string]Alert)
	for key, w := range m.rolling {
		if w.Len() == 0 {
			continue
		}
		avg := w.Average()
		level, threshold, ok := m.latencyLevel(avg)
		if !ok {
			continue
		}
		id := string(AlertLatency) + ":" + key
		current[id] = Alert{
			Kind:      AlertLatency,
			Level:     level,
			Key:       key,
			Message:   fmt.Sprintf("rolling average %s of %s exceeds %s", avg, key, threshold),
			Value:     float64(avg.Milliseconds()),
			Threshold: float64(threshold.Milliseconds()),
		}
	}
	for key, st := range m.pathStatsLocked() {
		rate := st.DropRate()
		level, threshold, ok := m.dropLevel(rate)
		if !ok {
			continue
		}
		id := string(AlertDropRate) + ":" + key
		current[id] = Alert{
			Kind:      AlertDropRate,
			Level:     level,
			Key:       key,
			Message:   fmt.Sprintf("drop rate %.1f%% of %s exceeds %.1f%%", rate*100, key, threshold*100),
			Value:     rate,
			Threshold: threshold,
		}
	}

	var raised []Alert
	for id, a := range current {
		prev, existed := m.alerts[id]
		if existed && prev.Level == a.Level {
			a.ID, a.RaisedAt = prev.ID, prev.RaisedAt
			current[id] = a
			continue
		}
		a.ID = ids.Prefixed("alert")
		a.RaisedAt = now
		current[id] = a
		raised = append(raised, a)
		m.metrics.alertsTotal.WithLabelValues(string(a.Kind), string(a.Level)).Inc()
	}
	m.alerts = current
	m.mu.Unlock()

	sort.Slice(raised, func(i, j int) bool { return raised[i].Key < raised[j].Key })
	for _, a := range raised {
		m.log.Warn("Alert raised", logging.LogFields{
			"kind":  string(a.Kind),
			"level": string(a.Level),
			"key":   a.Key,
			"value": a.Value,
		})
		m.alertHub.Publish(a)
	}
	return raised
}

func (m *Monitor) latencyLevel(avg time.Duration) (AlertLevel, time.Duration, bool) {
	switch {
	case m.cfg.LatencyCritical > 0 && avg >= m.cfg.LatencyCritical:
		return AlertCritical, m.cfg.LatencyCritical, true
	case m.cfg.LatencyWarning > 0 && avg >= m.cfg.LatencyWarning:
		return AlertWarning, m.cfg.LatencyWarning, true
	}
	return "", 0, false
}

func (m *Monitor) dropLevel(rate float64) (AlertLevel, float64, bool) {
	switch {
	case m.cfg.DropRateCritical > 0 && rate >= m.cfg.DropRateCritical:
		return AlertCritical, m.cfg.DropRateCritical, true
	case m.cfg.DropRateWarning > 0 && rate >= m.cfg.DropRateWarning:
		return AlertWarning, m.cfg.DropRateWarning, true
	}
	return "", 0, false
}

// RecentAlerts returns the most recently raised alerts, oldest first,
// including ones that have since cleared.
func (m *Monitor) RecentAlerts() []Alert {
	return m.alertHub.Replay()
}

// ActiveAlerts returns the alerts raised by the last evaluation that still
// hold.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAlertsLocked()
}

func (m *Monitor) activeAlertsLocked() []Alert {
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// TakeSnapshot builds a snapshot, stores it as the latest and publishes it
// to snapshot subscribers.
func (m *Monitor) TakeSnapshot() Snapshot {
	m.mu.Lock()
	snap := m.buildLocked()
	m.latest = &snap
	m.mu.Unlock()
	m.metrics.setHealth(snap.Health)
	m.snapshots.Publish(snap)
	return snap
}

// Latest returns the most recently published snapshot, building one when
// none has been published yet.
func (m *Monitor) Latest() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest != nil {
		return *m.latest
	}
	return m.buildLocked()
}

func (m *Monitor) buildLocked() Snapshot {
	health, rate, avg := m.healthLocked()
	now := m.now()
	snap := Snapshot{
		Timestamp:        now,
		Health:           health,
		Paths:            m.pathStatsLocked(),
		Connections:      make(map[string]ConnectionStats, len(m.connections)),
		Queues:           make(map[string]QueueStats, len(m.queues)),
		Broadcasts:       make(map[string]BroadcastStats, len(m.broadcasts)),
		RollingAverages:  make(map[string]time.Duration, len(m.rolling)),
		Alerts:           m.activeAlertsLocked(),
		ConnectedClients: m.connectedLocked(),
		ActiveDrivers:    m.drivers,
		ActivePassengers: m.passengers,
		AverageLatency:   avg,
		DeliveryRate:     rate,
		DroppedMessages:  m.dropped,
		ActivePaths:      len(m.active),
		Throughput:       m.deliveries.Snapshot(now),
	}
	for id, c := range m.connections {
		st := c.stats
		st.AverageLatency = c.latency.Average()
		snap.Connections[id] = st
	}
	for id, q := range m.queues {
		snap.Queues[id] = q.stats(id)
	}
	for id, b := range m.broadcasts {
		st := *b
		if tw, ok := m.routeRates[id]; ok {
			st.PerSecond = tw.Snapshot(now).CurrentRPS
		}
		snap.Broadcasts[id] = st
	}
	for key, w := range m.rolling {
		snap.RollingAverages[key] = w.Average()
	}
	return snap
}

func (q *queueEntry) stats(clientID string) QueueStats {
	st := QueueStats{ClientID: clientID, Samples: len(q.samples), Retries: q.retries, Dropped: q.dropped}
	if len(q.samples) == 0 {
		return st
	}
	sum := 0
	for _, s := range q.samples {
		sum += s.depth
		if s.depth > st.Max {
			st.Max = s.depth
		}
	}
	first, last := q.samples[0], q.samples[len(q.samples)-1]
	st.Current = last.depth
	st.Average = float64(sum) / float64(len(q.samples))
	if elapsed := last.at.Sub(first.at).Seconds(); elapsed > 0 {
		st.GrowthRate = float64(last.depth-first.depth) / elapsed
	}
	return st
}

// SubscribeSnapshots streams snapshots. A late subscriber first receives the
// latest one.
func (m *Monitor) SubscribeSnapshots(ctx context.Context) (<-chan Snapshot, func()) {
	return m.snapshots.Subscribe(ctx)
}

// SubscribeAlerts streams raised alerts, replaying the most recent ones.
func (m *Monitor) SubscribeAlerts(ctx context.Context) (<-chan Alert, func()) {
	return m.alertHub.Subscribe(ctx)
}
