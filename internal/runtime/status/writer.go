package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/transitflow/internal/runtime/logging"
)

// Sink accepts status writes without waiting for them.
type Sink interface {
	Status(u Update)
	SessionStarted(s Session)
	SessionEnded(s Session)
}

// NopSink discards every write.
type NopSink struct{}

func (NopSink) Status(Update)          {}
func (NopSink) SessionStarted(Session) {}
func (NopSink) SessionEnded(Session)   {}

type write struct {
	name string
	key  string
	fn   func(ctx context.Context) error
}

// Writer drains writes to a Store on a background goroutine. Writes are
// dropped when the buffer is full; failures are logged and never returned.
type Writer struct {
	store   Store
	log     logging.ServiceLogger
	timeout time.Duration
	ch      chan write

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts a writer with the given buffer size.
func NewWriter(store Store, buffer int, log logging.ServiceLogger) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	w := &Writer{
		store:   store,
		log:     logging.Component(log, "status_writer"),
		timeout: 5 * time.Second,
		ch:      make(chan write, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for wr := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := wr.fn(ctx)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.log.Error("Status write failed", err, logging.LogFields{"write": wr.name, "bus_id": wr.key})
		}
	}
}

func (w *Writer) submit(wr write) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.ch <- wr:
	default:
		w.dropped.Add(1)
		w.log.Warn("Status write buffer full, dropping write", logging.LogFields{"write": wr.name, "bus_id": wr.key})
	}
}

func (w *Writer) Status(u Update) {
	w.submit(write{name: "status", key: u.BusID, fn: func(ctx context.Context) error { return w.store.SaveStatus(ctx, u) }})
}

func (w *Writer) SessionStarted(s Session) {
	w.submit(write{name: "session_start", key: s.BusID, fn: func(ctx context.Context) error { return w.store.StartSession(ctx, s) }})
}

func (w *Writer) SessionEnded(s Session) {
	w.submit(write{name: "session_end", key: s.BusID, fn: func(ctx context.Context) error { return w.store.EndSession(ctx, s) }})
}

// Dropped counts writes rejected because the buffer was full or the writer
// was closed.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Failed counts writes the store rejected.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// Close waits for buffered writes to finish. It does not close the store.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}
