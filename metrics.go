package main

import (
	"runtime"
	"time"

	"github.com/syncrouter/syncrouter/internal/metrics"
)

// MetricsCollector periodically samples process-wide gauges: memory,
// goroutines, CPU, and the polling worker pool's queue state.
type MetricsCollector struct {
	pool     *WorkerPool
	guard    *ResourceGuard
	stopChan chan struct{}
}

func NewMetricsCollector(pool *WorkerPool, guard *ResourceGuard) *MetricsCollector {
	return &MetricsCollector{
		pool:     pool,
		guard:    guard,
		stopChan: make(chan struct{}),
	}
}

// Start begins collecting at the configured interval.
func (m *MetricsCollector) Start(interval time.Duration) {
	if memLimit, err := getMemoryLimit(); err == nil && memLimit > 0 {
		metrics.SetMemoryLimit(memLimit)
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (m *MetricsCollector) Stop() {
	close(m.stopChan)
}

func (m *MetricsCollector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics.SetSystemGauges(mem.Alloc, runtime.NumGoroutine())

	if m.guard != nil {
		metrics.SetCPUUsage(m.guard.CPUPercent())
	}
	if m.pool != nil {
		metrics.SetPoolGauges(m.pool.GetQueueDepth(), m.pool.GetQueueCapacity(), m.pool.GetDroppedTasks())
	}
}
