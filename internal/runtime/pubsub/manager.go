// Package pubsub maps route ids to subscriber sets and fans published
// messages out to every subscriber's virtual channel.
package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/ids"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

// Connector is the part of the connection simulator the manager drives.
type Connector interface {
	Connect(ctx context.Context, clientID string) bool
	Send(ctx context.Context, clientID string, frame messages.Frame) bool
	Disconnect(ctx context.Context, clientID string)
	IsConnected(clientID string) bool
}

// Recorder receives one event per broadcast.
type Recorder interface {
	RecordBroadcast(routeID string, duration time.Duration, attempted, delivered int)
}

// BusRouteTopic is a route and the clients subscribed to it.
type BusRouteTopic struct {
	RouteID     string
	Subscribers map[string]struct{}
	CreatedAt   time.Time
}

// TopicInfo is a read-only view of a topic.
type TopicInfo struct {
	RouteID         string    `json:"route_id"`
	SubscriberCount int       `json:"subscriber_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// BroadcastResult describes a single RoutePublish call.
type BroadcastResult struct {
	BroadcastID string
	RouteID     string
	Attempted   int
	Delivered   int
	Pruned      []string
	Duration    time.Duration
}

// Reached reports whether the broadcast reached anyone, or had nobody to
// reach.
func (r BroadcastResult) Reached() bool {
	return r.Attempted == 0 || r.Delivered > 0
}

// Option customises a Manager.
type Option func(*Manager)

// WithRecorder forwards broadcast metrics to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager owns the topic registry and the reverse client index. Both maps
// change together under one lock so membership stays symmetric.
type Manager struct {
	conn     Connector
	cfg      config.TopicsConfig
	log      logging.ServiceLogger
	recorder Recorder

	mu                  sync.RWMutex
	topics              map[string]*BusRouteTopic
	clientSubscriptions map[string]map[string]struct{}
}

// NewManager builds a manager sending through conn.
func NewManager(conn Connector, cfg config.TopicsConfig, log logging.ServiceLogger, opts ...Option) (*Manager, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	m := &Manager{
		conn:                conn,
		cfg:                 cfg,
		log:                 logging.Component(log, "pubsub"),
		topics:              make(map[string]*BusRouteTopic),
		clientSubscriptions: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Subscribe connects clientID if needed and adds it to routeID, then sends a
// subscription acknowledgment carrying the current subscriber count.
func (m *Manager) Subscribe(ctx context.Context, clientID, routeID string) bool {
	if clientID == "" || routeID == "" {
		return false
	}
	if !m.conn.IsConnected(clientID) && !m.conn.Connect(ctx, clientID) {
		m.log.Warn("Subscribe failed: client could not connect", logging.LogFields{"client_id": clientID, "route_id": routeID})
		return false
	}

	m.mu.Lock()
	topic, ok := m.topics[routeID]
	if !ok {
		topic = &BusRouteTopic{
			RouteID:     routeID,
			Subscribers: make(map[string]struct{}),
			CreatedAt:   time.Now(),
		}
		m.topics[routeID] = topic
	}
	topic.Subscribers[clientID] = struct{}{}
	subs, ok := m.clientSubscriptions[clientID]
	if !ok {
		subs = make(map[string]struct{})
		m.clientSubscriptions[clientID] = subs
	}
	subs[routeID] = struct{}{}
	count := len(topic.Subscribers)
	m.mu.Unlock()

	m.conn.Send(ctx, clientID, messages.Frame{
		Type:            messages.FrameSubscribed,
		RouteID:         routeID,
		SubscriberCount: count,
	})
	m.log.Debug("Client subscribed", logging.LogFields{"client_id": clientID, "route_id": routeID, "subscribers": count})
	return true
}

// Unsubscribe removes clientID from routeID. It returns false when the client
// was not subscribed. The acknowledgment is only sent to connected clients.
func (m *Manager) Unsubscribe(ctx context.Context, clientID, routeID string) bool {
	m.mu.Lock()
	removed := m.removeLocked(clientID, routeID)
	m.mu.Unlock()
	if !removed {
		return false
	}

	if m.conn.IsConnected(clientID) {
		m.conn.Send(ctx, clientID, messages.Frame{Type: messages.FrameUnsubscribed, RouteID: routeID})
	}
	m.log.Debug("Client unsubscribed", logging.LogFields{"client_id": clientID, "route_id": routeID})
	return true
}

// removeLocked drops membership both ways and deletes empty topics.
func (m *Manager) removeLocked(clientID, routeID string) bool {
	topic, ok := m.topics[routeID]
	if !ok {
		return false
	}
	if _, member := topic.Subscribers[clientID]; !member {
		return false
	}
	delete(topic.Subscribers, clientID)
	if len(topic.Subscribers) == 0 {
		delete(m.topics, routeID)
	}
	if subs, ok := m.clientSubscriptions[clientID]; ok {
		delete(subs, routeID)
		if len(subs) == 0 {
			delete(m.clientSubscriptions, clientID)
		}
	}
	return true
}

// RoutePublish wraps msg in a broadcast frame and sends it concurrently to
// every subscriber of routeID. Subscribers whose send fails because they are
// no longer connected are pruned from the topic.
func (m *Manager) RoutePublish(ctx context.Context, routeID string, msg messages.Message) BroadcastResult {
	result := BroadcastResult{RouteID: routeID}

	m.mu.RLock()
	topic, ok := m.topics[routeID]
	var subscribers []string
	if ok {
		subscribers = make([]string, 0, len(topic.Subscribers))
		for id := range topic.Subscribers {
			subscribers = append(subscribers, id)
		}
	}
	m.mu.RUnlock()

	if len(subscribers) == 0 {
		m.log.Warn("Publish to route without subscribers", logging.LogFields{"route_id": routeID})
		return result
	}

	result.BroadcastID = ids.CreateULID()
	frame := messages.Frame{
		Type:        messages.FrameBroadcast,
		RouteID:     routeID,
		BroadcastID: result.BroadcastID,
	}
	switch v := msg.(type) {
	case messages.DriverMessage:
		clone := v.Clone()
		frame.Driver = &clone
	case *messages.DriverMessage:
		clone := v.Clone()
		frame.Driver = &clone
	case messages.PassengerMessage:
		frame.Passenger = &v
	case *messages.PassengerMessage:
		p := *v
		frame.Passenger = &p
	}

	start := time.Now()
	var (
		delivered atomic.Int64
		staleMu   sync.Mutex
		stale     []string
		g         errgroup.Group
	)
	if m.cfg.MaxConcurrentSends > 0 {
		g.SetLimit(m.cfg.MaxConcurrentSends)
	}
	for _, clientID := range subscribers {
		g.Go(func() error {
			if m.conn.Send(ctx, clientID, frame) {
				delivered.Add(1)
				return nil
			}
			if !m.conn.IsConnected(clientID) {
				staleMu.Lock()
				stale = append(stale, clientID)
				staleMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(stale) > 0 {
		m.mu.Lock()
		for _, clientID := range stale {
			if m.removeLocked(clientID, routeID) {
				result.Pruned = append(result.Pruned, clientID)
			}
		}
		m.mu.Unlock()
		sort.Strings(result.Pruned)
	}

	result.Attempted = len(subscribers)
	result.Delivered = int(delivered.Load())
	result.Duration = time.Since(start)

	if m.recorder != nil {
		m.recorder.RecordBroadcast(routeID, result.Duration, result.Attempted, result.Delivered)
	}
	if target := m.cfg.BroadcastTarget; target > 0 && result.Duration > target {
		m.log.Warn("Broadcast exceeded target duration", logging.LogFields{
			"route_id":    routeID,
			"duration_ms": result.Duration.Milliseconds(),
			"subscribers": result.Attempted,
		})
	}
	return result
}

// UnsubscribeAll unwinds every subscription of clientID and disconnects it.
func (m *Manager) UnsubscribeAll(ctx context.Context, clientID string) {
	for _, routeID := range m.Subscriptions(clientID) {
		m.Unsubscribe(ctx, clientID, routeID)
	}
	m.conn.Disconnect(ctx, clientID)
}

// HandleClientDisconnect drops clientID from every topic without sending.
func (m *Manager) HandleClientDisconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for routeID := range m.clientSubscriptions[clientID] {
		m.removeLocked(clientID, routeID)
	}
}

// Topic returns a view of routeID.
func (m *Manager) Topic(routeID string) (TopicInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topic, ok := m.topics[routeID]
	if !ok {
		return TopicInfo{}, false
	}
	return TopicInfo{RouteID: routeID, SubscriberCount: len(topic.Subscribers), CreatedAt: topic.CreatedAt}, true
}

// Topics returns every live topic ordered by route id.
func (m *Manager) Topics() []TopicInfo {
	m.mu.RLock()
	out := make([]TopicInfo, 0, len(m.topics))
	for id, topic := range m.topics {
		out = append(out, TopicInfo{RouteID: id, SubscriberCount: len(topic.Subscribers), CreatedAt: topic.CreatedAt})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Subscribers returns the sorted subscriber ids of routeID.
func (m *Manager) Subscribers(routeID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topic, ok := m.topics[routeID]
	if !ok {
		return nil
	}
	return sortedKeys(topic.Subscribers)
}

// Subscriptions returns the sorted route ids clientID is subscribed to.
func (m *Manager) Subscriptions(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.clientSubscriptions[clientID])
}

// CheckConsistency verifies that both indexes describe the same membership.
func (m *Manager) CheckConsistency() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for routeID, topic := range m.topics {
		if len(topic.Subscribers) == 0 {
			return fmt.Errorf("topic %q is empty but still registered", routeID)
		}
		for clientID := range topic.Subscribers {
			if _, ok := m.clientSubscriptions[clientID][routeID]; !ok {
				return fmt.Errorf("client %q in topic %q lacks the reverse subscription", clientID, routeID)
			}
		}
	}
	for clientID, routes := range m.clientSubscriptions {
		for routeID := range routes {
			topic, ok := m.topics[routeID]
			if !ok {
				return fmt.Errorf("client %q subscribed to missing topic %q", clientID, routeID)
			}
			if _, ok := topic.Subscribers[clientID]; !ok {
				return fmt.Errorf("client %q subscribed to %q but not in its subscriber set", clientID, routeID)
			}
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
