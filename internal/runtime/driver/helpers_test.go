package driver

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
	"github.com/drblury/transitflow/internal/runtime/pubsub"
	"github.com/drblury/transitflow/internal/runtime/status"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Driver.Interval = 10 * time.Millisecond
	cfg.Driver.OfflineProbability = 0
	cfg.Driver.StopEventProbability = 0
	cfg.Queue.InitialDelay = time.Millisecond
	cfg.Queue.MaxDelay = 5 * time.Millisecond
	cfg.Queue.CoalesceWindow = 5 * time.Millisecond
	return cfg
}

type fakeConnector struct {
	mu        sync.Mutex
	connected map[string]bool
	refuse    bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{connected: map[string]bool{}}
}

func (f *fakeConnector) Connect(_ context.Context, clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.connected[clientID] = true
	return true
}

func (f *fakeConnector) Disconnect(_ context.Context, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[clientID] = false
}

func (f *fakeConnector) IsConnected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[clientID]
}

// fakePublisher records every published driver message.
type fakePublisher struct {
	mu        sync.Mutex
	published []messages.DriverMessage
	unreached bool
}

func (p *fakePublisher) RoutePublish(_ context.Context, routeID string, msg messages.Message) pubsub.BroadcastResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := pubsub.BroadcastResult{RouteID: routeID, Attempted: 1, Duration: time.Millisecond}
	if p.unreached {
		return res
	}
	res.Delivered = 1
	if dm, ok := msg.(messages.DriverMessage); ok {
		p.published = append(p.published, dm)
	}
	return res
}

func (p *fakePublisher) setUnreached(v bool) {
	p.mu.Lock()
	p.unreached = v
	p.mu.Unlock()
}

func (p *fakePublisher) snapshot() []messages.DriverMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messages.DriverMessage(nil), p.published...)
}

func (p *fakePublisher) count(match func(messages.DriverMessage) bool) int {
	n := 0
	for _, m := range p.snapshot() {
		if match(m) {
			n++
		}
	}
	return n
}

func ofKind(kind messages.DriverKind) func(messages.DriverMessage) bool {
	return func(m messages.DriverMessage) bool { return m.Kind == kind }
}

func withMetadata(key, value string) func(messages.DriverMessage) bool {
	return func(m messages.DriverMessage) bool { return m.Metadata.Get(key, "") == value }
}

type fakeLocation struct {
	mu      sync.Mutex
	pos     messages.Position
	started int
	stopped int
}

func (l *fakeLocation) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	l.pos = messages.Position{Latitude: 51.5, Longitude: -0.12, Timestamp: time.Now()}
	return nil
}

func (l *fakeLocation) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

func (l *fakeLocation) Latest() (messages.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos, l.started > 0
}

type recordingStatus struct {
	mu      sync.Mutex
	updates []status.Update
	started []status.Session
	ended   []status.Session
}

func (r *recordingStatus) Status(u status.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingStatus) SessionStarted(s status.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recordingStatus) SessionEnded(s status.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, s)
}

func (r *recordingStatus) states() []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]status.State, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.State
	}
	return out
}

type harness struct {
	driver   *Driver
	conn     *fakeConnector
	pub      *fakePublisher
	location *fakeLocation
	status   *recordingStatus
}

func newTestDriver(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		conn:     newFakeConnector(),
		pub:      &fakePublisher{},
		location: &fakeLocation{},
		status:   &recordingStatus{},
	}
	d, err := New(Identity{BusID: "bus-1", RouteID: "route-1", DriverID: "driver-1"}, cfg, logging.NewNopServiceLogger(), Dependencies{
		Connector: h.conn,
		Publisher: h.pub,
		Location:  h.location,
		Status:    h.status,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	h.driver = d
	t.Cleanup(func() { d.Close(context.Background()) })
	return h
}
