// Package health watches process resources and guarded-operation quality and
// steers the admission ceiling in response. It emits alerts when configured
// limits are approached or breached.
package health

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"crawlguard/internal/metrics"
	obs "crawlguard/internal/observability/metrics"
)

// Probe samples resource usage of the current process. CPU utilisation is
// derived from the CPU time consumed between two consecutive samples, so the
// first sample always reports zero CPU.
type Probe struct {
	mu       sync.Mutex
	proc     procfs.Proc
	procOK   bool
	now      func() time.Time
	lastCPU  float64
	lastTime time.Time
	last     metrics.ResourceSnapshot
}

// NewProbe creates a resource probe. On platforms without procfs the probe
// degrades to runtime memory statistics with zero CPU and file counts.
func NewProbe() *Probe {
	p := &Probe{now: time.Now}
	proc, err := procfs.Self()
	if err == nil {
		p.proc = proc
		p.procOK = true
	}
	return p
}

// Sample takes a fresh resource snapshot and publishes it to the resource
// gauges.
func (p *Probe) Sample() metrics.ResourceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.sampleLocked()
	p.last = snap

	obs.ResourceMemoryMB.Set(snap.MemoryMB)
	obs.ResourceCPUPercent.Set(snap.CPUPercent)
	obs.ResourceOpenFiles.Set(float64(snap.OpenFiles))
	return snap
}

// Last returns the most recent snapshot without sampling.
func (p *Probe) Last() metrics.ResourceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Probe) sampleLocked() metrics.ResourceSnapshot {
	if !p.procOK {
		return p.fallbackLocked()
	}

	stat, err := p.proc.Stat()
	if err != nil {
		return p.fallbackLocked()
	}

	snap := metrics.ResourceSnapshot{
		MemoryMB: float64(stat.ResidentMemory()) / (1024 * 1024),
	}

	now := p.now()
	cpu := stat.CPUTime()
	if !p.lastTime.IsZero() {
		if wall := now.Sub(p.lastTime).Seconds(); wall > 0 {
			snap.CPUPercent = (cpu - p.lastCPU) / wall * 100
			if snap.CPUPercent < 0 {
				snap.CPUPercent = 0
			}
		}
	}
	p.lastCPU = cpu
	p.lastTime = now

	if n, err := p.proc.FileDescriptorsLen(); err == nil {
		snap.OpenFiles = n
	}
	return snap
}

func (p *Probe) fallbackLocked() metrics.ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return metrics.ResourceSnapshot{
		MemoryMB: float64(ms.Alloc) / (1024 * 1024),
	}
}
