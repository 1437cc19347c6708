// Package connection models a virtual full-duplex channel per simulated
// client on top of an in-memory watermill GoChannel.
//
// Every client owns the topic "client.<id>". Frames are JSON encoded into
// watermill messages and decoded by a per-client pump, which acknowledges each
// message and fans the frame out to the client's listeners.
package connection

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/time/rate"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/fanout"
	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/jsoncodec"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/metadata"
	"github.com/drblury/transitflow/internal/runtime/window"
)

const topicPrefix = "client."

// Recorder receives connection events. The performance monitor implements it.
type Recorder interface {
	RecordConnection(clientID string, connected bool)
	RecordSend(clientID string, latency time.Duration, ok bool)
	RecordClientLatency(clientID string, average time.Duration)
	// RecordFrameDrop reports frames a listener missed because its buffer
	// was full. The send that carried them already reported success.
	RecordFrameDrop(clientID string, frameType messages.FrameType, missed int)
}

// ConnectionState is the public view of a client's connection record.
type ConnectionState struct {
	ClientID       string        `json:"client_id"`
	Connected      bool          `json:"connected"`
	ConnectedAt    time.Time     `json:"connected_at"`
	DisconnectedAt time.Time     `json:"disconnected_at,omitempty"`
	LastHeartbeat  time.Time     `json:"last_heartbeat,omitempty"`
	MessagesSent   int64         `json:"messages_sent"`
	FramesDropped  int64         `json:"frames_dropped"`
	Reconnects     int           `json:"reconnects"`
	AverageLatency time.Duration `json:"average_latency"`
}

type clientChannel struct {
	id        string
	topic     string
	listeners *fanout.Hub[messages.Frame]
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	state     ConnectionState
	latencies *window.Latency
}

func (c *clientChannel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Connected
}

func (c *clientChannel) snapshot() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.AverageLatency = c.latencies.Average()
	return st
}

// Option customises a Simulator.
type Option func(*Simulator)

// WithRecorder forwards connection events to r.
func WithRecorder(r Recorder) Option {
	return func(s *Simulator) { s.recorder = r }
}

// WithConnectLimiter injects a resource limit on Connect.
func WithConnectLimiter(l *rate.Limiter) Option {
	return func(s *Simulator) { s.limiter = l }
}

// Simulator owns every client channel.
type Simulator struct {
	cfg      config.ConnectionConfig
	log      logging.ServiceLogger
	pubsub   *gochannel.GoChannel
	recorder Recorder
	limiter  *rate.Limiter

	mu         sync.RWMutex
	clients    map[string]*clientChannel
	reconnects map[string]int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSimulator builds a simulator. Connect limiting is enabled from cfg when
// ConnectRatePerSecond is positive unless an explicit limiter is supplied.
func NewSimulator(cfg config.ConnectionConfig, log logging.ServiceLogger, opts ...Option) *Simulator {
	log = logging.Component(log, "connection")
	s := &Simulator{
		cfg: cfg,
		log: log,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.ChannelBuffer,
			// Per-client frame order is preserved by waiting for the pump ack.
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermillAdapter(log)),
		clients:    make(map[string]*clientChannel),
		reconnects: make(map[string]int),
	}
	if cfg.ConnectRatePerSecond > 0 {
		burst := cfg.ConnectBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeliveryCeiling is the documented per-send latency target.
func (s *Simulator) DeliveryCeiling() time.Duration { return s.cfg.DeliveryCeiling }

// Start launches the heartbeat and latency report loops.
func (s *Simulator) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.every(ctx, s.cfg.HeartbeatInterval, s.heartbeat)
	go s.every(ctx, s.cfg.LatencyReportInterval, s.reportLatency)
}

func (s *Simulator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}
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
}

// Connect opens a channel for clientID. It is idempotent and fails only on
// an exhausted connect limiter or a cancelled context.
func (s *Simulator) Connect(ctx context.Context, clientID string) bool {
	if clientID == "" {
		return false
	}
	if s.IsConnected(clientID) {
		return true
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warn("Connect rejected by resource limit", logging.LogFields{"client_id": clientID})
		return false
	}
	if !sleep(ctx, randomBetween(s.cfg.ConnectDelayMin, s.cfg.ConnectDelayMax)) {
		return false
	}

	s.mu.Lock()
	if existing, ok := s.clients[clientID]; ok {
		if existing.connected() {
			s.mu.Unlock()
			return true
		}
		// A disconnect is still inside its grace period; replace it now.
		delete(s.clients, clientID)
		go s.closeChannel(existing)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	topic := topicPrefix + clientID
	frames, err := s.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		s.mu.Unlock()
		cancel()
		s.log.Error("Failed to open client channel", err, logging.LogFields{"client_id": clientID})
		return false
	}

	now := time.Now()
	reconnects := s.reconnects[clientID]
	s.reconnects[clientID] = reconnects + 1
	cc := &clientChannel{
		id:        clientID,
		topic:     topic,
		listeners: fanout.NewHub[messages.Frame](int(max(s.cfg.ChannelBuffer, 1)), 0),
		cancel:    cancel,
		done:      make(chan struct{}),
		latencies: window.NewLatency(s.cfg.LatencyWindow),
		state: ConnectionState{
			ClientID:    clientID,
			Connected:   true,
			ConnectedAt: now,
			Reconnects:  reconnects,
		},
	}
	s.clients[clientID] = cc
	s.mu.Unlock()

	go s.pump(cc, frames)

	if s.recorder != nil {
		s.recorder.RecordConnection(clientID, true)
	}
	s.dispatch(cc, messages.Frame{Type: messages.FrameConnectionAck, ServerTime: now})
	s.log.Debug("Client connected", logging.LogFields{"client_id": clientID, "reconnects": reconnects})
	return true
}

func (s *Simulator) pump(cc *clientChannel, frames <-chan *message.Message) {
	defer close(cc.done)
	for msg := range frames {
		var frame messages.Frame
		if err := jsoncodec.Unmarshal(msg.Payload, &frame); err != nil {
			s.log.Error("Dropping undecodable frame", err, logging.LogFields{"client_id": cc.id, "message_uuid": msg.UUID})
			msg.Ack()
			continue
		}
		msg.Ack()
		// The pump is the hub's only publisher, so the counter delta is
		// exactly this frame's misses.
		before := cc.listeners.Dropped()
		cc.listeners.Publish(frame)
		if missed := cc.listeners.Dropped() - before; missed > 0 {
			s.recordFrameDrop(cc, frame.Type, int(missed))
		}
	}
}

func (s *Simulator) recordFrameDrop(cc *clientChannel, frameType messages.FrameType, missed int) {
	cc.mu.Lock()
	cc.state.FramesDropped += int64(missed)
	cc.mu.Unlock()
	if s.recorder != nil {
		s.recorder.RecordFrameDrop(cc.id, frameType, missed)
	}
	s.log.Debug("Listener buffer full, frame dropped", logging.LogFields{
		"client_id":  cc.id,
		"frame_type": frameType,
		"missed":     missed,
	})
}

// Send delivers frame to clientID after an artificial network delay. It
// returns false when the client has no open channel.
func (s *Simulator) Send(ctx context.Context, clientID string, frame messages.Frame) bool {
	start := time.Now()
	cc := s.channel(clientID)
	if cc == nil || !cc.connected() {
		return false
	}
	if !sleep(ctx, randomBetween(0, s.cfg.MaxNetworkDelay)) {
		s.recordSend(clientID, time.Since(start), false)
		return false
	}
	// The client may have gone away while the frame was in flight.
	if current := s.channel(clientID); current != cc || !cc.connected() {
		s.recordSend(clientID, time.Since(start), false)
		return false
	}
	if !s.dispatch(cc, frame) {
		s.recordSend(clientID, time.Since(start), false)
		return false
	}

	latency := time.Since(start)
	cc.mu.Lock()
	cc.latencies.Add(latency)
	cc.state.MessagesSent++
	cc.mu.Unlock()
	s.recordSend(clientID, latency, true)
	if ceiling := s.cfg.DeliveryCeiling; ceiling > 0 && latency > ceiling {
		s.log.Warn("Send exceeded delivery ceiling", logging.LogFields{
			"client_id":  clientID,
			"route_id":   frame.RouteID,
			"latency_ms": latency.Milliseconds(),
		})
	}
	return true
}

func (s *Simulator) recordSend(clientID string, latency time.Duration, ok bool) {
	if s.recorder != nil {
		s.recorder.RecordSend(clientID, latency, ok)
	}
}

// dispatch stamps and publishes frame onto the client's topic.
func (s *Simulator) dispatch(cc *clientChannel, frame messages.Frame) bool {
	frame.ID = ids.CreateULID()
	frame.ClientID = cc.id
	frame.Timestamp = time.Now()

	payload, err := jsoncodec.Marshal(frame)
	if err != nil {
		s.log.Error("Failed to encode frame", err, logging.LogFields{"client_id": cc.id, "frame_type": frame.Type})
		return false
	}
	msg := message.NewMessage(frame.ID, payload)
	metadata.Stamp(msg, metadata.New(
		metadata.KeyFrameType, string(frame.Type),
		metadata.KeyClientID, cc.id,
	))
	if frame.RouteID != "" {
		msg.Metadata.Set(metadata.KeyRouteID, frame.RouteID)
	}
	if err := s.pubsub.Publish(cc.topic, msg); err != nil {
		s.log.Error("Failed to dispatch frame", err, logging.LogFields{"client_id": cc.id})
		return false
	}
	return true
}

// Disconnect marks the client disconnected, flushes a disconnecting frame and
// closes the channel after the grace period. It blocks for the grace period.
func (s *Simulator) Disconnect(ctx context.Context, clientID string) {
	cc := s.channel(clientID)
	if cc == nil {
		return
	}
	cc.mu.Lock()
	if !cc.state.Connected {
		cc.mu.Unlock()
		return
	}
	cc.state.Connected = false
	cc.state.DisconnectedAt = time.Now()
	cc.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordConnection(clientID, false)
	}
	s.dispatch(cc, messages.Frame{Type: messages.FrameDisconnecting, ServerTime: time.Now()})

	sleep(ctx, s.cfg.DisconnectGrace)

	s.mu.Lock()
	if s.clients[clientID] == cc {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	s.closeChannel(cc)
	s.log.Debug("Client disconnected", logging.LogFields{"client_id": clientID})
}

func (s *Simulator) closeChannel(cc *clientChannel) {
	cc.cancel()
	<-cc.done
	cc.listeners.Close()
}

func (s *Simulator) channel(clientID string) *clientChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[clientID]
}

// Frames subscribes to the frames delivered to clientID. The channel closes
// when the client disconnects or cancel is called; reconnecting opens a new
// channel, so listeners must subscribe again.
func (s *Simulator) Frames(ctx context.Context, clientID string) (<-chan messages.Frame, func(), bool) {
	cc := s.channel(clientID)
	if cc == nil {
		return nil, func() {}, false
	}
	ch, cancel := cc.listeners.Subscribe(ctx)
	return ch, cancel, true
}

// Listen calls fn for every frame delivered to clientID until the channel
// closes or the returned cancel func is called.
func (s *Simulator) Listen(clientID string, fn func(messages.Frame)) (func(), bool) {
	ch, cancel, ok := s.Frames(context.Background(), clientID)
	if !ok {
		return cancel, false
	}
	go func() {
		for frame := range ch {
			fn(frame)
		}
	}()
	return cancel, true
}

// IsConnected reports whether clientID has an open, connected channel.
func (s *Simulator) IsConnected(clientID string) bool {
	cc := s.channel(clientID)
	return cc != nil && cc.connected()
}

// State returns the connection record for clientID.
func (s *Simulator) State(clientID string) (ConnectionState, bool) {
	cc := s.channel(clientID)
	if cc == nil {
		return ConnectionState{}, false
	}
	return cc.snapshot(), true
}

// States returns every open connection record.
func (s *Simulator) States() []ConnectionState {
	s.mu.RLock()
	channels := make([]*clientChannel, 0, len(s.clients))
	for _, cc := range s.clients {
		channels = append(channels, cc)
	}
	s.mu.RUnlock()

	out := make([]ConnectionState, 0, len(channels))
	for _, cc := range channels {
		out = append(out, cc.snapshot())
	}
	return out
}

// ConnectedCount is the number of connected clients.
func (s *Simulator) ConnectedCount() int {
	n := 0
	for _, st := range s.States() {
		if st.Connected {
			n++
		}
	}
	return n
}

// AverageLatency is the rolling send latency of clientID.
func (s *Simulator) AverageLatency(clientID string) time.Duration {
	cc := s.channel(clientID)
	if cc == nil {
		return 0
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.latencies.Average()
}

func (s *Simulator) heartbeat(context.Context) {
	now := time.Now()
	s.mu.RLock()
	channels := make([]*clientChannel, 0, len(s.clients))
	for _, cc := range s.clients {
		if cc.connected() {
			channels = append(channels, cc)
		}
	}
	s.mu.RUnlock()

	for _, cc := range channels {
		if s.dispatch(cc, messages.Frame{Type: messages.FrameHeartbeat, ServerTime: now}) {
			cc.mu.Lock()
			cc.state.LastHeartbeat = now
			cc.mu.Unlock()
		}
	}
}

func (s *Simulator) reportLatency(context.Context) {
	if s.recorder == nil {
		return
	}
	for _, st := range s.States() {
		if st.Connected {
			s.recorder.RecordClientLatency(st.ClientID, st.AverageLatency)
		}
	}
}

// Close stops background loops and closes every channel.
func (s *Simulator) Close() error {
	s.runMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	s.runMu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	channels := make([]*clientChannel, 0, len(s.clients))
	for id, cc := range s.clients {
		channels = append(channels, cc)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	for _, cc := range channels {
		s.closeChannel(cc)
	}
	return s.pubsub.Close()
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// sleep waits for d, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
