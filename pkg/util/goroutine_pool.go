package util

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task represents a unit of work to be executed
type Task func()

// GoroutinePool runs tasks on a fixed set of workers fed by a bounded queue
type GoroutinePool struct {
	name      string
	taskQueue chan Task
	panics    *PanicHandler
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeMu   sync.RWMutex
	stats     PoolStats
}

// PoolStats tracks pool activity
type PoolStats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksRejected  int64
}

// NewGoroutinePool starts workers goroutines draining a queue of queueSize
func NewGoroutinePool(name string, workers, queueSize int, logger *logrus.Logger) *GoroutinePool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 10
	}

	gp := &GoroutinePool{
		name:      name,
		taskQueue: make(chan Task, queueSize),
		panics:    NewPanicHandler(logger),
	}
	for i := 0; i < workers; i++ {
		gp.wg.Add(1)
		go gp.worker()
	}
	return gp
}

// Submit queues task without blocking. It returns false when the queue is
// full or the pool is shut down.
func (gp *GoroutinePool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	gp.closeMu.RLock()
	defer gp.closeMu.RUnlock()
	if gp.closed.Load() {
		atomic.AddInt64(&gp.stats.TasksRejected, 1)
		return false
	}

	select {
	case gp.taskQueue <- task:
		atomic.AddInt64(&gp.stats.TasksSubmitted, 1)
		return true
	default:
		atomic.AddInt64(&gp.stats.TasksRejected, 1)
		return false
	}
}

func (gp *GoroutinePool) worker() {
	defer gp.wg.Done()

	for task := range gp.taskQueue {
		gp.run(task)
	}
}

func (gp *GoroutinePool) run(task Task) {
	defer atomic.AddInt64(&gp.stats.TasksCompleted, 1)
	defer gp.panics.Recover(gp.name)
	task()
}

// GetStats returns current pool statistics
func (gp *GoroutinePool) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&gp.stats.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&gp.stats.TasksCompleted),
		TasksRejected:  atomic.LoadInt64(&gp.stats.TasksRejected),
	}
}

// QueueLength returns the number of queued tasks
func (gp *GoroutinePool) QueueLength() int {
	return len(gp.taskQueue)
}

// Shutdown stops accepting tasks and waits up to timeout for the queue to
// drain. It reports whether every worker finished.
func (gp *GoroutinePool) Shutdown(timeout time.Duration) bool {
	gp.closeMu.Lock()
	if !gp.closed.Swap(true) {
		close(gp.taskQueue)
	}
	gp.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		gp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
