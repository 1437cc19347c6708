package simulation

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is the process footprint reported with each status report.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpuPercent"`
	HeapBytes   uint64  `json:"heapBytes"`
	Goroutines  int     `json:"goroutines"`
	SampledOver string  `json:"sampledOver,omitempty"`
}

const (
	metricCPU        = "/cpu/classes/total:cpu-seconds"
	metricHeap       = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker derives CPU usage from the delta between two samples, so
// the first snapshot reports zero CPU.
type resourceTracker struct {
	mu         sync.Mutex
	samples    []metrics.Sample
	lastCPU    float64
	lastSample time.Time
	numCPU     float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: metricCPU}, {Name: metricHeap}, {Name: metricGoroutines}},
		numCPU:  float64(runtime.GOMAXPROCS(0)),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	var cpu float64
	haveCPU := false
	for _, s := range r.samples {
		switch {
		case s.Name == metricCPU && s.Value.Kind() == metrics.KindFloat64:
			cpu, haveCPU = s.Value.Float64(), true
		case s.Name == metricHeap && s.Value.Kind() == metrics.KindUint64:
			usage.HeapBytes = s.Value.Uint64()
		case s.Name == metricGoroutines && s.Value.Kind() == metrics.KindUint64:
			usage.Goroutines = int(s.Value.Uint64())
		}
	}

	if haveCPU && !r.lastSample.IsZero() {
		wall := now.Sub(r.lastSample)
		if wall > 0 && r.numCPU > 0 {
			usage.CPUPercent = (cpu - r.lastCPU) / wall.Seconds() / r.numCPU * 100
			usage.SampledOver = wall.Round(time.Millisecond).String()
		}
	}
	if haveCPU {
		r.lastCPU = cpu
	}
	r.lastSample = now
	return usage
}
