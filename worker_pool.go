package main

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/rerror"
)

// Task represents a work item for the worker pool.
// Tasks are functions with no parameters or return values.
// They are executed asynchronously by worker goroutines.
type Task func()

// WorkerPool manages a fixed pool of worker goroutines for concurrent task execution.
//
// Purpose:
//   - Bound the number of goroutines running polling-mode cursor fetch() calls
//   - Let cursors that failed to compile a streaming viewer share a fixed
//     pool instead of each spawning its own ticker goroutine unconstrained
//   - Provides backpressure when the upstream database can't keep up
//
// Design:
//   - Fixed number of workers (typically 2 × CPU cores)
//   - Buffered task queue (capacity set by NewWorkerPool's queueSize)
//   - If queue full, the fetch is dropped; the cursor's own ticker retries
//     on its next interval, so a dropped fetch just delays freshness
//
// Thread safety:
//
//	All methods are safe for concurrent use by multiple goroutines.
type WorkerPool struct {
	workerCount  int             // Number of worker goroutines
	taskQueue    chan Task       // Buffered channel of pending tasks
	ctx          context.Context // Context for graceful shutdown
	wg           sync.WaitGroup  // Wait group to track worker completion
	droppedTasks int64           // Atomic counter for dropped tasks when queue full
	logger       zerolog.Logger  // Structured logger for panic recovery
}

// NewWorkerPool creates a worker pool with the specified number of workers.
//
// Parameters:
//
//	workerCount - Number of worker goroutines (typically 2 × CPU cores)
//	queueSize - Size of the task queue buffer
//	logger - Structured logger for panic recovery and error logging
//
// Recommended workerCount values:
//   - Development: runtime.NumCPU()
//   - Production: runtime.GOMAXPROCS(0) × 2
//   - Container: Automatically set via automaxprocs
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start initializes and starts all worker goroutines.
// Must be called before Submit. Safe to call only once.
//
// The provided context is used for graceful shutdown:
//   - When context is cancelled, workers finish current task and exit
//   - New tasks submitted after cancellation are dropped
//
// Workers remain active until Stop is called or context is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx

	// Start worker goroutines
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker is the main loop for each worker goroutine.
// Continuously pulls tasks from the queue and executes them.
//
// Behavior:
//   - Blocks waiting for task or context cancellation
//   - Executes tasks synchronously (one at a time per worker)
//   - Gracefully exits when context is cancelled
//   - Recovers from panics with full stack trace logging to Loki
//
// Panic Recovery:
//   - All panics are caught and logged with stack traces
//   - Worker continues running after panic (doesn't crash)
//   - Panic details sent to Loki for debugging
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				// Stop closed the queue and every queued task has run.
				return
			}
			if task != nil {
				// Execute task with panic recovery
				func() {
					defer func() {
						if r := recover(); r != nil {
							stack := string(debug.Stack())
							wp.logger.Error().
								Interface("panic_value", r).
								Str("stack_trace", stack).
								Msg("Worker panic recovered - task failed but worker continues")

							metrics.RecordError(string(rerror.KindIO), metrics.SeverityCritical)
						}
					}()

					// Execute the task
					task()
				}()
			}
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

// Submit enqueues a task for asynchronous execution by a worker.
//
// Behavior:
//   - If queue has space: Task is queued and Submit returns immediately
//   - If queue is full: Task is DROPPED and counter incremented
//
// A dropped fetch is not fatal: the polling cursor that submitted it will
// submit again on its next interval tick.
//
// Thread safety: Safe for concurrent use by multiple goroutines.
//
// Example:
//
//	pool.Submit(func() {
//	    cursor.fetch(ctx)
//	})
func (wp *WorkerPool) Submit(task func()) {
	select {
	case wp.taskQueue <- task:
		// Task queued successfully
	default:
		// Queue is full - drop task to prevent goroutine explosion
		atomic.AddInt64(&wp.droppedTasks, 1)
	}
}

// Stop gracefully shuts down the worker pool.
//
// Shutdown sequence:
//  1. Closes task queue (no new tasks accepted)
//  2. Workers finish currently executing tasks
//  3. Workers process any remaining queued tasks
//  4. All workers exit
//  5. Stop returns when all workers have finished
//
// Blocks until all workers have completed.
// A second call panics: it closes the already-closed queue.
//
// Note: Tasks submitted after Stop is called will panic (send on closed channel).
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// GetDroppedTasks returns the total number of tasks dropped due to queue full.
// This counter indicates backpressure - when polling fetches are submitted
// faster than the workers finish them.
//
// High dropped task count means:
//   - Too many polling-mode cursors for the current pool
//   - Worker pool too small for the workload
//   - The upstream database can't keep up with the fetches
//
// Thread safety: Safe for concurrent use (atomic read).
func (wp *WorkerPool) GetDroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// GetQueueDepth returns the current number of tasks waiting in the queue
func (wp *WorkerPool) GetQueueDepth() int {
	return len(wp.taskQueue)
}

// GetQueueCapacity returns the maximum capacity of the task queue
func (wp *WorkerPool) GetQueueCapacity() int {
	return cap(wp.taskQueue)
}
