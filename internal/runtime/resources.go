package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/drblury/callflow/internal/runtime/clock"
)

const cpuMetric = "/sched/cpu:seconds"

// ProcessUsage is a coarse view of the serving process, reported next to the
// function stats.
type ProcessUsage struct {
	// CPUPercent is averaged over the time since the previous snapshot and
	// normalised to the number of CPUs. The first snapshot reports zero.
	CPUPercent  float64 `json:"cpu_percent"`
	HeapBytes   uint64  `json:"heap_bytes"`
	Goroutines  int     `json:"goroutines"`
	UptimeNanos int64   `json:"uptime_ns"`
}

type processSampler struct {
	mu      sync.Mutex
	clock   clock.Clock
	started time.Time
	sample  []metrics.Sample
	numCPU  float64

	lastCPU  float64
	lastWall time.Time
}

func newProcessSampler(c clock.Clock) *processSampler {
	return &processSampler{
		clock:   c,
		started: c.Now(),
		sample:  []metrics.Sample{{Name: cpuMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (p *processSampler) Snapshot() ProcessUsage {
	if p == nil {
		return ProcessUsage{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	usage := ProcessUsage{
		Goroutines:  runtime.NumGoroutine(),
		UptimeNanos: int64(now.Sub(p.started)),
	}

	metrics.Read(p.sample)
	if v := p.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !p.lastWall.IsZero() {
			if wall := now.Sub(p.lastWall).Seconds(); wall > 0 && p.numCPU > 0 {
				usage.CPUPercent = (cpu - p.lastCPU) / wall / p.numCPU * 100
			}
		}
		p.lastCPU = cpu
		p.lastWall = now
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.HeapBytes = mem.HeapAlloc
	return usage
}
