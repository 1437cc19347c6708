package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

func newTestQueue(t *testing.T, d *recordingDeliverer, clock *fakeClock, mutate func(*Manager), opts ...Option) *Manager {
	t.Helper()
	cfg := testQueueConfig()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := NewManager("driver-1", cfg, d.deliver, logging.NewNopServiceLogger(), opts...)
	require.NoError(t, err)
	if mutate != nil {
		mutate(m)
	}
	t.Cleanup(m.Close)
	return m
}

func TestNewManagerValidatesArguments(t *testing.T) {
	_, err := NewManager("", testQueueConfig(), func(context.Context, messages.QueuedEnvelope) bool { return true }, nil)
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)

	_, err = NewManager("c", testQueueConfig(), nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrDelivererRequired)
}

func TestEnqueueDeduplicatesByMessageID(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, nil)

	require.True(t, m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now())))
	clock.Advance(time.Second)
	require.True(t, m.Enqueue(passengerEnvelope("m-1", messages.PriorityHigh, clock.Now())))
	assert.Equal(t, 1, m.Len())

	res := m.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Delivered)
	delivered, _ := d.snapshot()
	require.Len(t, delivered, 1)
	assert.Equal(t, messages.PriorityHigh, delivered[0].Priority)
	assert.Equal(t, 0, m.Len())
}

func TestProcessQueueOrdersByPriorityThenAge(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, nil)

	m.Enqueue(passengerEnvelope("low", messages.PriorityLow, clock.Now()))
	clock.Advance(time.Millisecond)
	m.Enqueue(passengerEnvelope("normal-old", messages.PriorityNormal, clock.Now()))
	clock.Advance(time.Millisecond)
	m.Enqueue(passengerEnvelope("normal-new", messages.PriorityNormal, clock.Now()))
	clock.Advance(time.Millisecond)
	m.Enqueue(passengerEnvelope("high", messages.PriorityHigh, clock.Now()))

	m.ProcessQueue(context.Background())
	delivered, _ := d.snapshot()
	ids := make([]string, 0, len(delivered))
	for _, env := range delivered {
		ids = append(ids, env.Message.ID())
	}
	assert.Equal(t, []string{"high", "normal-old", "normal-new", "low"}, ids)
}

func TestCoalescingDeliversOnlyNewestLocation(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, func(m *Manager) { m.cfg.CoalesceWindow = time.Hour })

	var dropped []DropReason
	var mu sync.Mutex
	m.hooks = m.hooks.Merge(Hooks{OnDropped: func(_ messages.QueuedEnvelope, r DropReason) {
		mu.Lock()
		dropped = append(dropped, r)
		mu.Unlock()
	}})

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		require.True(t, m.Enqueue(locationEnvelope(fmt.Sprintf("loc-%d", i), "bus-1", clock.Now(), float64(i))))
	}
	require.True(t, m.Enqueue(locationEnvelope("other", "bus-2", clock.Now(), 9)))
	assert.Equal(t, 2, m.Len())
	assert.Empty(t, m.Pending())

	res := m.Flush(context.Background())
	assert.Equal(t, 2, res.Delivered)

	delivered, _ := d.snapshot()
	byBus := map[string]float64{}
	for _, env := range delivered {
		msg := env.Message.(messages.DriverMessage)
		byBus[msg.BusID] = msg.Latitude
	}
	assert.Equal(t, map[string]float64{"bus-1": 4, "bus-2": 9}, byBus)

	mu.Lock()
	assert.Len(t, dropped, 4)
	mu.Unlock()
	assert.Equal(t, uint64(4), m.Stats().Coalesced)
}

func TestCoalescingFlushSupersedesQueuedLocation(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{fail: true}
	m := newTestQueue(t, d, clock, func(m *Manager) { m.cfg.CoalesceWindow = time.Hour })

	m.Enqueue(locationEnvelope("loc-1", "bus-1", clock.Now(), 1))
	m.Flush(context.Background())
	require.Len(t, m.Pending(), 1)

	clock.Advance(time.Second)
	m.Enqueue(locationEnvelope("loc-2", "bus-1", clock.Now(), 2))
	m.flushCoalescing()

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "loc-2", pending[0].Message.ID())
}

func TestRetryBackoffGrowsAndStopsAtCeiling(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{fail: true}
	rec := &recordingRecorder{}
	m := newTestQueue(t, d, clock, nil, WithRecorder(rec))

	var exhausted int
	m.hooks = m.hooks.Merge(Hooks{OnDropped: func(_ messages.QueuedEnvelope, r DropReason) {
		if r == DropRetriesExhausted {
			exhausted++
		}
	}})

	require.True(t, m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now())))
	for i := 0; i < 20 && m.Len() > 0; i++ {
		m.ProcessQueue(context.Background())
		clock.Advance(10 * time.Minute)
	}

	_, attempts := d.snapshot()
	assert.Equal(t, 6, attempts)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 0, m.Len())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.delays, 5)
	for i := 1; i < len(rec.delays); i++ {
		assert.GreaterOrEqual(t, rec.delays[i], rec.delays[i-1])
	}
	for _, delay := range rec.delays {
		assert.LessOrEqual(t, delay, 5*time.Minute)
		assert.Positive(t, delay)
	}

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(5), st.Retries)
	assert.Zero(t, st.DeliveryRate)
}

func TestProcessQueueSkipsEntriesCoolingDown(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{fail: true}
	m := newTestQueue(t, d, clock, nil)

	m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now()))
	m.ProcessQueue(context.Background())
	_, attempts := d.snapshot()
	require.Equal(t, 1, attempts)

	res := m.ProcessQueue(context.Background())
	assert.Zero(t, res.Attempted)

	d.setFail(false)
	clock.Advance(2 * time.Second)
	res = m.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1.0, m.Stats().DeliveryRate)
}

func TestFlushIgnoresCooldown(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{fail: true}
	m := newTestQueue(t, d, clock, nil)

	m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now()))
	m.ProcessQueue(context.Background())
	d.setFail(false)

	res := m.Flush(context.Background())
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Remaining)
}

func TestEnqueueEvictsOldestLowPriorityWhenFull(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, func(m *Manager) {
		m.cfg.MaxSize = 4
		m.cfg.EvictionBatch = 1
	})

	m.Enqueue(passengerEnvelope("low-old", messages.PriorityLow, clock.Now()))
	clock.Advance(time.Millisecond)
	m.Enqueue(passengerEnvelope("low-new", messages.PriorityLow, clock.Now()))
	m.Enqueue(passengerEnvelope("high-1", messages.PriorityHigh, clock.Now()))
	m.Enqueue(passengerEnvelope("high-2", messages.PriorityHigh, clock.Now()))

	require.True(t, m.Enqueue(passengerEnvelope("high-3", messages.PriorityHigh, clock.Now())))
	assert.Equal(t, 4, m.Len())

	ids := map[string]bool{}
	for _, env := range m.Pending() {
		ids[env.Message.ID()] = true
	}
	assert.False(t, ids["low-old"])
	assert.True(t, ids["low-new"])
	assert.Equal(t, uint64(1), m.Stats().Evicted)
}

func TestEnqueueRejectsWhenOnlyHighPriorityQueued(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, func(m *Manager) { m.cfg.MaxSize = 2 })

	require.True(t, m.Enqueue(passengerEnvelope("a", messages.PriorityHigh, clock.Now())))
	require.True(t, m.Enqueue(passengerEnvelope("b", messages.PriorityNormal, clock.Now())))
	assert.False(t, m.Enqueue(passengerEnvelope("c", messages.PriorityHigh, clock.Now())))
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, uint64(1), m.Stats().Rejected)
}

func TestProcessQueueIsNotReentrant(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{block: make(chan struct{})}
	m := newTestQueue(t, d, clock, nil)
	m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now()))

	done := make(chan ProcessResult)
	go func() { done <- m.ProcessQueue(context.Background()) }()

	require.Eventually(t, func() bool { return m.processing.Load() }, time.Second, time.Millisecond)
	second := m.ProcessQueue(context.Background())
	assert.True(t, second.Skipped)

	close(d.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Delivered)

	_, attempts := d.snapshot()
	assert.Equal(t, 1, attempts)
}

func TestReplacementDuringDeliveryStaysQueued(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{block: make(chan struct{})}
	m := newTestQueue(t, d, clock, nil)
	m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now()))

	done := make(chan ProcessResult)
	go func() { done <- m.ProcessQueue(context.Background()) }()
	require.Eventually(t, func() bool { return m.processing.Load() }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	require.True(t, m.Enqueue(passengerEnvelope("m-1", messages.PriorityHigh, clock.Now())))
	close(d.block)
	<-done

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, messages.PriorityHigh, pending[0].Priority)
}

func TestCloseDropsEverything(t *testing.T) {
	clock := newFakeClock()
	d := &recordingDeliverer{}
	m := newTestQueue(t, d, clock, func(m *Manager) { m.cfg.CoalesceWindow = time.Hour })

	var reasons []DropReason
	m.hooks = m.hooks.Merge(Hooks{OnDropped: func(_ messages.QueuedEnvelope, r DropReason) { reasons = append(reasons, r) }})

	m.Enqueue(passengerEnvelope("m-1", messages.PriorityNormal, clock.Now()))
	m.Enqueue(locationEnvelope("loc", "bus-1", clock.Now(), 1))
	m.Close()

	assert.Equal(t, []DropReason{DropClosed, DropClosed}, reasons)
	assert.Zero(t, m.Len())
	assert.False(t, m.Enqueue(passengerEnvelope("m-2", messages.PriorityNormal, clock.Now())))
}

func TestHooksMergeCallsBoth(t *testing.T) {
	var calls []string
	h := Hooks{OnDelivered: func(messages.QueuedEnvelope) { calls = append(calls, "a") }}
	h = h.Merge(Hooks{OnDelivered: func(messages.QueuedEnvelope) { calls = append(calls, "b") }})
	h.fire([]event{{delivered: true}})
	assert.Equal(t, []string{"a", "b"}, calls)
}
