package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/transitflow/internal/runtime/messages"
)

type fakeConnector struct {
	mu          sync.Mutex
	connected   map[string]bool
	refuse      map[string]bool
	failSend    map[string]bool
	sends       map[string][]messages.Frame
	sendDelay   time.Duration
	disconnects []string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		connected: map[string]bool{},
		refuse:    map[string]bool{},
		failSend:  map[string]bool{},
		sends:     map[string][]messages.Frame{},
	}
}

func (f *fakeConnector) Connect(_ context.Context, clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[clientID] {
		return false
	}
	f.connected[clientID] = true
	return true
}

func (f *fakeConnector) Send(_ context.Context, clientID string, frame messages.Frame) bool {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[clientID] = append(f.sends[clientID], frame)
	return f.connected[clientID] && !f.failSend[clientID]
}

func (f *fakeConnector) Disconnect(_ context.Context, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[clientID] = false
	f.disconnects = append(f.disconnects, clientID)
}

func (f *fakeConnector) IsConnected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[clientID]
}

func (f *fakeConnector) drop(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[clientID] = false
}

func (f *fakeConnector) framesOf(clientID string, typ messages.FrameType) []messages.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messages.Frame
	for _, fr := range f.sends[clientID] {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConnector) totalSends(typ messages.FrameType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frames := range f.sends {
		for _, fr := range frames {
			if fr.Type == typ {
				n++
			}
		}
	}
	return n
}

type broadcastEvent struct {
	routeID   string
	attempted int
	delivered int
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (r *fakeRecorder) RecordBroadcast(routeID string, _ time.Duration, attempted, delivered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcastEvent{routeID, attempted, delivered})
}
