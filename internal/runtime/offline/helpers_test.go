package offline

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDeliverer struct {
	mu        sync.Mutex
	fail      bool
	delivered []messages.QueuedEnvelope
	attempts  int
	block     chan struct{}
}

func (d *recordingDeliverer) deliver(_ context.Context, env messages.QueuedEnvelope) bool {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail {
		return false
	}
	d.delivered = append(d.delivered, env)
	return true
}

func (d *recordingDeliverer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *recordingDeliverer) snapshot() ([]messages.QueuedEnvelope, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]messages.QueuedEnvelope(nil), d.delivered...), d.attempts
}

type recordingRecorder struct {
	mu     sync.Mutex
	depths []int
	delays []time.Duration
}

func (r *recordingRecorder) RecordQueueDepth(_ string, depth int) {
	r.mu.Lock()
	r.depths = append(r.depths, depth)
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordRetry(_ string, _ int, delay time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxSize:        100,
		MaxRetries:     5,
		InitialDelay:   time.Second,
		MaxDelay:       5 * time.Minute,
		Jitter:         0.2,
		CoalesceWindow: 0,
		EvictionBatch:  10,
	}
}

func locationEnvelope(id, busID string, at time.Time, lat float64) messages.QueuedEnvelope {
	msg := messages.DriverMessage{
		MessageID: id,
		BusID:     busID,
		RouteID:   "route-1",
		Kind:      messages.KindLocation,
		Latitude:  lat,
		Timestamp: at,
	}
	return messages.QueuedEnvelope{Priority: messages.PriorityNormal, Topic: "route-1", Message: msg, EnqueuedAt: at}
}

func passengerEnvelope(id string, priority messages.Priority, at time.Time) messages.QueuedEnvelope {
	msg := messages.PassengerMessage{
		MessageID:   id,
		PassengerID: "passenger-1",
		Type:        messages.PassengerFeedback,
		Timestamp:   at,
	}
	return messages.QueuedEnvelope{Priority: priority, Topic: "route-1", Message: msg, EnqueuedAt: at}
}
