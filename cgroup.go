package main

import (
	"os"
	"strconv"
	"strings"
)

// getMemoryLimit returns the container memory limit in bytes from cgroup filesystem.
//
// Purpose:
//
//	Automatically detect memory constraints in containerized environments
//	(Docker, Kubernetes, Cloud Run, ECS, etc.) to calculate safe connection limits.
//
// Supports:
//   - cgroup v2 (modern systems, Cloud Run, newer Kubernetes)
//   - cgroup v1 (legacy systems, older Docker versions)
//
// Return values:
//   - success: Returns memory limit in bytes
//   - no limit: Returns 0 (unlimited or non-containerized environment)
//   - error: Returns 0 with error (cgroup file content not a number)
//
// Implementation:
//
//	Tries cgroup v2 first (/sys/fs/cgroup/memory.max)
//	Falls back to cgroup v1 (/sys/fs/cgroup/memory/memory.limit_in_bytes)
//
// Example output:
//   - 512MB container: Returns 536870912 (512 * 1024 * 1024)
//   - Unlimited: Returns 0
//   - Non-containerized (no cgroup file found): Returns 0 with nil error
func getMemoryLimit() (int64, error) {
	// Try cgroup v2 first (newer systems, Cloud Run)
	// Path: /sys/fs/cgroup/memory.max
	// Format: "536870912" or "max" (unlimited)
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	// Fallback to cgroup v1 (legacy systems)
	// Path: /sys/fs/cgroup/memory/memory.limit_in_bytes
	// Format: "536870912" (always a number, never "max")
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	// If no cgroup limits found, return 0 (no limit detected)
	// This happens on:
	//   - Non-containerized systems (bare metal, VMs)
	//   - macOS/Windows development environments
	//   - Containers without memory limits
	return 0, nil
}

// calculateMaxSessions determines a safe session cap based on available memory.
//
// Memory breakdown per session (client leg + upstream leg + mergebox):
//   - Session struct, inflight table, server_documents: ~5KB
//   - Mergebox (one per session, documents × fields it contributes to): ~20KB typical
//   - send buffers for both legs: 256 slots × 500 bytes avg × 2 = 256KB
//     Total: ~280KB per session
//
// Calculation example (512MB container):
//   - Container limit: 512MB
//   - Runtime overhead: 128MB (Go runtime, watcher buffers, goroutine stacks)
//   - Available for sessions: 384MB
//   - Max sessions: 384MB / 280KB = ~1,400 sessions
//
// Parameters:
//
//	memoryLimitBytes - Container memory limit from cgroup (0 = unlimited)
//
// Returns:
//
//	Safe maximum number of concurrent sessions
//
// Safety bounds:
//   - Minimum: 100 sessions (viable service)
//   - Maximum: 50,000 sessions (reasonable upper bound)
//   - Default: 10,000 sessions (when no limit detected)
func calculateMaxSessions(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		// No limit detected, use conservative default
		// Scenarios: bare metal, VMs, development environments
		return 10000
	}

	// Reserve 128MB for runtime overhead:
	//   - Go runtime heap: ~50MB
	//   - Watcher broadcast buffers: ~20MB
	//   - Goroutine stacks: ~30MB (2 pumps + 1 cursor task per session)
	//   - Buffer pools, metrics: ~10MB
	//   - Safety margin: ~18MB
	const runtimeOverheadBytes = 128 * 1024 * 1024

	// Average memory per session: mergebox + both send buffers + bookkeeping.
	const bytesPerSession = 280 * 1024 // 280KB

	availableBytes := memoryLimitBytes - runtimeOverheadBytes
	if availableBytes < 0 {
		// Very constrained environment (e.g., 64MB container)
		// Use 50% of total memory for sessions
		availableBytes = memoryLimitBytes / 2
	}

	maxSessions := int(availableBytes / bytesPerSession)

	// Apply safety bounds to prevent extreme configurations
	if maxSessions < 100 {
		maxSessions = 100 // Minimum viable service
	}
	if maxSessions > 50000 {
		maxSessions = 50000 // Maximum reasonable
	}

	return maxSessions
}
