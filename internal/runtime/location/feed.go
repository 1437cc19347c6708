package location

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/fanout"
	"github.com/drblury/transitflow/internal/runtime/messages"
)

const (
	DefaultInterval = time.Second
	// DefaultSpeed is in meters per second.
	DefaultSpeed = 10.0
)

// Option customises a Feed.
type Option func(*Feed)

func WithInterval(d time.Duration) Option { return func(f *Feed) { f.interval = d } }

// WithSpeed sets the average speed in meters per second.
func WithSpeed(mps float64) Option { return func(f *Feed) { f.speed = mps } }

func WithCenter(p messages.Position) Option { return func(f *Feed) { f.center = p } }

// WithSeed makes the feed deterministic.
func WithSeed(seed uint64) Option {
	return func(f *Feed) { f.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithStartFraction places the bus at a fraction of the loop.
func WithStartFraction(t float64) Option { return func(f *Feed) { f.startAt = t } }

func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// Feed walks a bus along a route loop and pushes a sample every interval.
type Feed struct {
	routeID  string
	center   messages.Position
	interval time.Duration
	speed    float64
	startAt  float64
	now      func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	path     []messages.Position
	segment  int
	progress float64
	latest   messages.Position
	hasFix   bool

	hub    *fanout.Hub[messages.Position]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a stopped feed for routeID.
func NewFeed(routeID string, opts ...Option) *Feed {
	f := &Feed{
		routeID:  routeID,
		center:   DefaultCenter,
		interval: DefaultInterval,
		speed:    DefaultSpeed,
		startAt:  -1,
		now:      time.Now,
		hub:      fanout.NewHub[messages.Position](8, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.rng == nil {
		f.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	f.path = Waypoints(routeID, f.center, 8, 1500)
	start := f.startAt
	if start < 0 || start >= 1 {
		start = f.rng.Float64()
	}
	scaled := start * float64(len(f.path))
	f.segment = int(scaled) % len(f.path)
	f.progress = scaled - math.Floor(scaled)
	return f
}

// RouteID is the route the feed follows.
func (f *Feed) RouteID() string { return f.routeID }

// Path returns the loop waypoints.
func (f *Feed) Path() []messages.Position {
	return append([]messages.Position(nil), f.path...)
}

// Start emits a first fix immediately and then one every interval until
// Stop or ctx is done.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	f.Advance(0)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Advance(f.interval)
			}
		}
	}()
	return nil
}

// Stop halts sampling. The feed can be started again.
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

// Running reports whether the sampling loop is active.
func (f *Feed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// Advance moves the bus by elapsed time at roughly the configured speed
// and publishes the new sample.
func (f *Feed) Advance(elapsed time.Duration) messages.Position {
	f.mu.Lock()
	speed := f.speed * (0.7 + 0.6*f.rng.Float64())
	remaining := speed * elapsed.Seconds()
	for remaining > 0 {
		a, b := f.path[f.segment], f.path[(f.segment+1)%len(f.path)]
		length := Distance(a, b)
		left := length * (1 - f.progress)
		if remaining < left {
			f.progress += remaining / length
			break
		}
		remaining -= left
		f.segment = (f.segment + 1) % len(f.path)
		f.progress = 0
	}
	a, b := f.path[f.segment], f.path[(f.segment+1)%len(f.path)]
	pos := Interpolate(a, b, f.progress)
	pos.Heading = Bearing(a, b)
	if elapsed > 0 {
		pos.Speed = speed
	}
	pos.Accuracy = 3 + 7*f.rng.Float64()
	pos.Timestamp = f.now()
	f.latest = pos
	f.hasFix = true
	f.mu.Unlock()

	f.hub.Publish(pos)
	return pos
}

// Latest returns the most recent sample.
func (f *Feed) Latest() (messages.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasFix
}

// Subscribe streams samples, starting with the most recent one.
func (f *Feed) Subscribe(ctx context.Context) (<-chan messages.Position, func()) {
	return f.hub.Subscribe(ctx)
}
