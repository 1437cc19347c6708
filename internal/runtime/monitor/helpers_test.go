package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/internal/runtime/logging"
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

func newTestMonitor(t *testing.T, clock *fakeClock, mutate func(*config.MonitorConfig)) (*Monitor, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default().Monitor
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	m, err := New(cfg, logging.NewNopServiceLogger(), WithClock(clock.Now), WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, reg
}

// recordPath opens and completes a path that took latency.
func recordPath(m *Monitor, clock *fakeClock, id, source, destination string, latency time.Duration, success bool) {
	m.BeginPath(context.Background(), id, source, destination)
	clock.Advance(latency)
	m.CompletePath(id, success)
}
