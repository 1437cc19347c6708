// Package offline buffers messages a driver could not deliver and retries
// them with exponential backoff.
//
// Each envelope moves through queued → delivered, or queued → retry
// scheduled → queued, until it is delivered or dropped. Location updates
// first pass through a coalescing window that keeps only the newest update
// per bus.
package offline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

// Deliverer attempts a single delivery and reports success.
type Deliverer func(ctx context.Context, env messages.QueuedEnvelope) bool

// Recorder receives queue observations. The performance monitor implements it.
type Recorder interface {
	RecordQueueDepth(clientID string, depth int)
	RecordRetry(clientID string, attempt int, delay time.Duration)
}

// Stats summarises queue activity since creation.
type Stats struct {
	Depth        int     `json:"depth"`
	Queued       uint64  `json:"queued"`
	Delivered    uint64  `json:"delivered"`
	Dropped      uint64  `json:"dropped"`
	Evicted      uint64  `json:"evicted"`
	Coalesced    uint64  `json:"coalesced"`
	Rejected     uint64  `json:"rejected"`
	Retries      uint64  `json:"retries"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// ProcessResult describes one ProcessQueue or Flush pass.
type ProcessResult struct {
	// Skipped is set when another pass was already running.
	Skipped   bool
	Attempted int
	Delivered int
	Retrying  int
	Dropped   int
	Remaining int
}

type entry struct {
	env       messages.QueuedEnvelope
	seq       uint64
	version   uint64
	backoff   *backoff.ExponentialBackOff
	lastDelay time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

func WithHooks(h Hooks) Option { return func(m *Manager) { m.hooks = m.hooks.Merge(h) } }

// WithClock replaces time.Now for cooldown and age calculations.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager is the offline queue of a single client.
type Manager struct {
	clientID string
	cfg      config.QueueConfig
	deliver  Deliverer
	log      logging.ServiceLogger
	recorder Recorder
	hooks    Hooks
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	coalescing map[string]*entry
	timer      *time.Timer
	seq        uint64
	closed     bool
	stats      Stats

	processing atomic.Bool
}

// NewManager creates the queue for clientID.
func NewManager(clientID string, cfg config.QueueConfig, deliver Deliverer, log logging.ServiceLogger, opts ...Option) (*Manager, error) {
	if clientID == "" {
		return nil, errspkg.ErrClientRequired
	}
	if deliver == nil {
		return nil, errspkg.ErrDelivererRequired
	}
	m := &Manager{
		clientID:   clientID,
		cfg:        cfg,
		deliver:    deliver,
		log:        logging.Component(log, "offline_queue").With(logging.LogFields{"client_id": clientID}),
		now:        time.Now,
		entries:    make(map[string]*entry),
		coalescing: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialDelay,
		RandomizationFactor: m.cfg.Jitter,
		Multiplier:          2,
		MaxInterval:         m.cfg.MaxDelay,
	}
	b.Reset()
	return b
}

// Enqueue adds env to the queue. It returns false when the queue is closed,
// the envelope carries no message, or the queue is full even after evicting
// low-priority entries. A message id already queued is replaced.
func (m *Manager) Enqueue(env messages.QueuedEnvelope) bool {
	if env.Message == nil {
		return false
	}
	var events []event
	defer func() { m.hooks.fire(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if env.ClientID == "" {
		env.ClientID = m.clientID
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = m.now()
	}
	env.RetryCount = 0
	env.NextRetryAt = time.Time{}

	id := env.Message.ID()
	key := env.Message.CoalesceKey()
	coalesce := env.Message.Class() == messages.ClassLocationUpdate && key != "" && m.cfg.CoalesceWindow > 0

	if coalesce {
		if prev, ok := m.coalescing[key]; ok {
			m.stats.Coalesced++
			m.stats.Queued++
			events = append(events, event{env: prev.env, reason: DropCoalesced})
			prev.env = env
			m.recordDepthLocked()
			return true
		}
	} else if prev, ok := m.entries[id]; ok {
		prev.env = env
		prev.version++
		prev.backoff = m.newBackoff()
		prev.lastDelay = 0
		m.stats.Queued++
		return true
	}

	if m.depthLocked() >= m.cfg.MaxSize {
		events = append(events, m.evictLocked()...)
		if m.depthLocked() >= m.cfg.MaxSize {
			m.stats.Rejected++
			m.log.Warn("Offline queue full, rejecting envelope", logging.LogFields{
				"message_id": id,
				"priority":   env.Priority.String(),
				"depth":      m.depthLocked(),
			})
			return false
		}
	}

	m.seq++
	e := &entry{env: env, seq: m.seq, backoff: m.newBackoff()}
	if coalesce {
		m.coalescing[key] = e
		if m.timer == nil {
			m.timer = time.AfterFunc(m.cfg.CoalesceWindow, m.flushCoalescing)
		}
	} else {
		m.entries[id] = e
	}
	m.stats.Queued++
	m.recordDepthLocked()
	return true
}

// evictLocked removes up to EvictionBatch of the oldest low-priority entries.
// High and normal priority entries are never evicted.
func (m *Manager) evictLocked() []event {
	type candidate struct {
		e          *entry
		coalescing bool
	}
	var low []candidate
	for _, e := range m.entries {
		if e.env.Priority == messages.PriorityLow {
			low = append(low, candidate{e: e})
		}
	}
	for _, e := range m.coalescing {
		if e.env.Priority == messages.PriorityLow {
			low = append(low, candidate{e: e, coalescing: true})
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if !low[i].e.env.EnqueuedAt.Equal(low[j].e.env.EnqueuedAt) {
			return low[i].e.env.EnqueuedAt.Before(low[j].e.env.EnqueuedAt)
		}
		return low[i].e.seq < low[j].e.seq
	})
	batch := m.cfg.EvictionBatch
	if batch > len(low) {
		batch = len(low)
	}
	events := make([]event, 0, batch)
	for _, c := range low[:batch] {
		if c.coalescing {
			delete(m.coalescing, c.e.env.Message.CoalesceKey())
		} else {
			delete(m.entries, c.e.env.Message.ID())
		}
		m.stats.Evicted++
		m.stats.Dropped++
		events = append(events, event{env: c.e.env, reason: DropEvicted})
	}
	if batch > 0 {
		m.log.Warn("Evicted low priority envelopes", logging.LogFields{"count": batch})
	}
	return events
}

// flushCoalescing moves the newest update per bus into the main queue. An
// update moving in also replaces any older queued location update of the
// same bus.
func (m *Manager) flushCoalescing() {
	var events []event
	m.mu.Lock()
	events = m.flushCoalescingLocked()
	m.mu.Unlock()
	m.hooks.fire(events)
}

func (m *Manager) flushCoalescingLocked() []event {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if len(m.coalescing) == 0 {
		return nil
	}
	var events []event
	for key, e := range m.coalescing {
		for id, queued := range m.entries {
			msg := queued.env.Message
			if msg.Class() == messages.ClassLocationUpdate && msg.CoalesceKey() == key &&
				!msg.CreatedAt().After(e.env.Message.CreatedAt()) {
				delete(m.entries, id)
				m.stats.Coalesced++
				events = append(events, event{env: queued.env, reason: DropSuperseded})
			}
		}
		m.entries[e.env.Message.ID()] = e
		delete(m.coalescing, key)
	}
	m.recordDepthLocked()
	return events
}

// ProcessQueue attempts every entry that is not cooling down, ordered by
// priority then age. Only one pass runs at a time; a concurrent call returns
// a result with Skipped set.
func (m *Manager) ProcessQueue(ctx context.Context) ProcessResult {
	if !m.processing.CompareAndSwap(false, true) {
		return ProcessResult{Skipped: true}
	}
	defer m.processing.Store(false)
	return m.process(ctx, false)
}

// Flush forces the coalescing window closed and attempts every entry once,
// ignoring retry cooldowns. It waits for a running pass to finish.
func (m *Manager) Flush(ctx context.Context) ProcessResult {
	for !m.processing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ProcessResult{Skipped: true, Remaining: m.Len()}
		case <-time.After(time.Millisecond):
		}
	}
	defer m.processing.Store(false)

	m.flushCoalescing()
	return m.process(ctx, true)
}

func (m *Manager) process(ctx context.Context, ignoreCooldown bool) ProcessResult {
	var result ProcessResult

	m.mu.Lock()
	now := m.now()
	due := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if ignoreCooldown || !e.env.CoolingDown(now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].env, due[j].env
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return due[i].seq < due[j].seq
	})

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		env, version := e.env, e.version
		live := m.entries[env.Message.ID()] == e
		m.mu.Unlock()
		if !live {
			continue
		}

		result.Attempted++
		ok := m.deliver(ctx, env)
		events := m.settle(e, env, version, ok, &result)
		m.hooks.fire(events)
	}

	result.Remaining = m.Len()
	m.mu.Lock()
	m.recordDepthLocked()
	m.mu.Unlock()
	return result
}

// settle applies a delivery outcome to e. The attempted envelope may have
// been replaced by a newer write with the same id while it was in flight; the
// newer write then stays queued.
func (m *Manager) settle(e *entry, attempted messages.QueuedEnvelope, version uint64, ok bool, result *ProcessResult) []event {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := attempted.Message.ID()
	live := m.entries[id] == e
	replaced := live && e.version != version

	if ok {
		result.Delivered++
		m.stats.Delivered++
		if live && !replaced {
			delete(m.entries, id)
		}
		return []event{{env: attempted, delivered: true}}
	}
	if !live || replaced {
		return nil
	}

	if e.env.RetryCount >= m.cfg.MaxRetries {
		delete(m.entries, id)
		result.Dropped++
		m.stats.Dropped++
		m.log.Warn("Dropping envelope after exhausting retries", logging.LogFields{
			"message_id": id,
			"retries":    e.env.RetryCount,
		})
		return []event{{env: e.env, reason: DropRetriesExhausted}}
	}

	delay := e.backoff.NextBackOff()
	if delay < e.lastDelay {
		delay = e.lastDelay
	}
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	e.lastDelay = delay
	e.env.RetryCount++
	e.env.NextRetryAt = m.now().Add(delay)
	result.Retrying++
	m.stats.Retries++
	if m.recorder != nil {
		m.recorder.RecordRetry(m.clientID, e.env.RetryCount, delay)
	}
	return []event{{env: e.env, retry: delay}}
}

// Close cancels the coalescing timer and drops everything still queued.
func (m *Manager) Close() {
	var events []event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for id, e := range m.entries {
		delete(m.entries, id)
		m.stats.Dropped++
		events = append(events, event{env: e.env, reason: DropClosed})
	}
	for key, e := range m.coalescing {
		delete(m.coalescing, key)
		m.stats.Dropped++
		events = append(events, event{env: e.env, reason: DropClosed})
	}
	m.recordDepthLocked()
	m.mu.Unlock()
	m.hooks.fire(events)
}

// Len counts queued and coalescing envelopes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked()
}

// Pending returns the main queue in delivery order. Coalescing envelopes are
// not included until their window flushes.
func (m *Manager) Pending() []messages.QueuedEnvelope {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].env, entries[j].env
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]messages.QueuedEnvelope, len(entries))
	for i, e := range entries {
		out[i] = e.env
	}
	return out
}

// Stats returns counters and the derived delivery rate, delivered over
// delivered plus dropped. The rate is 1 before anything resolved.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Depth = m.depthLocked()
	if resolved := st.Delivered + st.Dropped; resolved > 0 {
		st.DeliveryRate = float64(st.Delivered) / float64(resolved)
	} else {
		st.DeliveryRate = 1
	}
	return st
}

func (m *Manager) depthLocked() int {
	return len(m.entries) + len(m.coalescing)
}

func (m *Manager) recordDepthLocked() {
	if m.recorder != nil {
		m.recorder.RecordQueueDepth(m.clientID, m.depthLocked())
	}
}
