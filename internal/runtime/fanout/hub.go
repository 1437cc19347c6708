// Package fanout provides a generic observer registry that delivers each
// published value to every subscriber without blocking the publisher.
//
// Late subscribers first receive the last N published values. A subscriber
// whose buffer is full misses the value instead of stalling the others.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub fans values of type T out to subscribers.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	history []T
	keep    int
	closed  bool

	dropped atomic.Uint64
}

// NewHub creates a hub giving each subscriber a buffer of the given size and
// replaying the last replay values on subscribe.
func NewHub[T any](buffer, replay int) *Hub[T] {
	if buffer < 1 {
		buffer = 1
	}
	if replay < 0 {
		replay = 0
	}
	return &Hub[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
		keep:   replay,
	}
}

// Subscribe registers a listener. The returned cancel func is idempotent and
// is also invoked when ctx is done. The channel is closed on cancel or when
// the hub closes.
func (h *Hub[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	return h.subscribe(ctx, 0, nil, true)
}

// SubscribeFrom registers a listener that first receives seed instead of the
// hub's history. A positive buffer overrides the hub's buffer size.
func (h *Hub[T]) SubscribeFrom(ctx context.Context, buffer int, seed []T) (<-chan T, func()) {
	return h.subscribe(ctx, buffer, seed, false)
}

func (h *Hub[T]) subscribe(ctx context.Context, buffer int, seed []T, history bool) (<-chan T, func()) {
	h.mu.Lock()
	if history {
		seed = h.history
	}
	size := h.buffer
	if buffer > 0 {
		size = buffer
	}
	if len(seed) > size {
		size = len(seed)
	}
	ch := make(chan T, size)
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, v := range seed {
		ch <- v
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id) })
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers v to every subscriber that has room and returns how many
// received it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	if h.keep > 0 {
		h.history = append(h.history, v)
		if len(h.history) > h.keep {
			h.history = h.history[len(h.history)-h.keep:]
		}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Replay returns a copy of the retained history, oldest first.
func (h *Hub[T]) Replay() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, len(h.history))
	copy(out, h.history)
	return out
}

// Len is the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts values skipped because a subscriber buffer was full.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
