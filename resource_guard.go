package main

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGuard gates new session accepts under resource pressure.
//
// Checks, in order:
//  1. Session count against the configured maximum
//  2. Process CPU usage against the reject threshold (relative to the
//     container's CPU allocation)
//  3. Process memory usage against the configured limit
//
// CPU sampling through gopsutil is too expensive to run per accept, so the
// guard caches the last sample for a second.
type ResourceGuard struct {
	config Config
	logger zerolog.Logger
	proc   *process.Process

	mu          sync.Mutex
	lastSample  time.Time
	lastCPUPct  float64
	lastMemUsed uint64
}

// NewResourceGuard builds a guard for the current process.
func NewResourceGuard(config Config, logger zerolog.Logger) *ResourceGuard {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("process handle unavailable, admission control degraded to session counting and runtime memory accounting")
		proc = nil
	}
	return &ResourceGuard{config: config, logger: logger, proc: proc}
}

// Admit decides whether one more session fits. The returned reason labels
// the rejection for metrics.
func (g *ResourceGuard) Admit(activeSessions int) (reason string, ok bool) {
	if activeSessions >= g.config.MaxSessions {
		return "max_sessions", false
	}

	cpuPct, memUsed := g.sample()

	// Normalize against the container's CPU allocation: 100% means every
	// allocated core busy.
	if g.config.CPULimit > 0 {
		cpuPct /= g.config.CPULimit
	}
	if cpuPct > g.config.CPURejectThreshold {
		return "cpu", false
	}

	if g.config.MemoryLimit > 0 && memUsed > uint64(g.config.MemoryLimit) {
		return "memory", false
	}

	return "", true
}

// CPUPercent returns the last sampled CPU usage, for the metrics collector.
func (g *ResourceGuard) CPUPercent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCPUPct
}

func (g *ResourceGuard) sample() (cpuPct float64, memUsed uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastSample) < time.Second {
		return g.lastCPUPct, g.lastMemUsed
	}
	g.lastSample = time.Now()

	if g.proc != nil {
		if pct, err := g.proc.CPUPercent(); err == nil {
			g.lastCPUPct = pct
		}
		if info, err := g.proc.MemoryInfo(); err == nil {
			g.lastMemUsed = info.RSS
			return g.lastCPUPct, g.lastMemUsed
		}
	}

	// Fall back to runtime accounting when the platform sampler is gone.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.lastMemUsed = mem.Alloc
	return g.lastCPUPct, g.lastMemUsed
}
