// Package window holds bounded sample windows used for rolling latency
// averages, percentiles and throughput.
package window

import (
	"sort"
	"time"
)

// Latency is a fixed-size ring of duration samples. It is not safe for
// concurrent use; owners guard it with their own lock.
type Latency struct {
	samples []time.Duration
	next    int
	filled  int
}

// NewLatency creates a window retaining the most recent size samples.
func NewLatency(size int) *Latency {
	if size <= 0 {
		size = 100
	}
	return &Latency{samples: make([]time.Duration, size)}
}

// Add records a sample, evicting the oldest once full.
func (lw *Latency) Add(d time.Duration) {
	if lw == nil {
		return
	}
	lw.samples[lw.next] = d
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

// Len is the number of retained samples.
func (lw *Latency) Len() int {
	if lw == nil {
		return 0
	}
	return lw.filled
}

// Values returns the retained samples, oldest first.
func (lw *Latency) Values() []time.Duration {
	if lw == nil || lw.filled == 0 {
		return nil
	}
	out := make([]time.Duration, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		out[i] = lw.samples[idx]
	}
	return out
}

// Average is the mean of the retained samples, zero when empty.
func (lw *Latency) Average() time.Duration {
	return Mean(lw.Values())
}

// Summary describes a sample set.
type Summary struct {
	Count   int           `json:"count"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// Summarize computes a Summary over samples without modifying them.
func Summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Summary{
		Count:   len(sorted),
		Average: Mean(sorted),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P50:     Percentile(sorted, 0.50),
		P95:     Percentile(sorted, 0.95),
		P99:     Percentile(sorted, 0.99),
	}
}

// Percentile indexes an ascending sample at floor(n*q), clamped to the last
// element.
func Percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Mean of samples, zero when empty.
func Mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range samples {
		sum += v
	}
	return sum / time.Duration(len(samples))
}

// Throughput counts events inside a sliding horizon.
type Throughput struct {
	horizon time.Duration
	samples []time.Time
}

// ThroughputSnapshot is the rate observed over the horizon.
type ThroughputSnapshot struct {
	Count         int     `json:"count"`
	WindowSeconds float64 `json:"window_seconds"`
	CurrentRPS    float64 `json:"current_rps"`
}

// NewThroughput keeps events for horizon, a minute when unset. It is not
// safe for concurrent use.
func NewThroughput(horizon time.Duration) *Throughput {
	if horizon <= 0 {
		horizon = time.Minute
	}
	return &Throughput{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

// Add records an event at now and forgets events older than the horizon.
func (tw *Throughput) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
}

// Snapshot drops events older than the horizon and returns the rate. The
// rate is taken over at least one second so a lone event does not spike.
func (tw *Throughput) Snapshot(now time.Time) ThroughputSnapshot {
	tw.cleanup(now)
	if len(tw.samples) == 0 {
		return ThroughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span < time.Second {
		span = time.Second
	}
	count := len(tw.samples)
	return ThroughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func (tw *Throughput) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}
