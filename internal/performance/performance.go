// Package performance provides the background worker pool used for work that
// must stay off the recalculation path, and runtime statistics.
package performance

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs submitted tasks on a fixed set of goroutines. Submission
// never blocks: when the queue is full the task is dropped and counted.
type WorkerPool struct {
	workers      int
	taskQueue    chan func(context.Context)
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	running      bool
	tasksTotal   atomic.Uint64
	tasksDone    atomic.Uint64
	tasksDropped atomic.Uint64
	panics       atomic.Uint64
}

// NewWorkerPool creates a pool with the given number of workers and queue
// length. Non-positive values default to runtime.NumCPU() and 100 per worker.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(context.Context), queue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the workers.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run executes one task; a panicking task does not take the worker down.
func (p *WorkerPool) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
		}
		p.tasksDone.Add(1)
	}()
	task(p.ctx)
}

// Submit queues a task. It returns false if the pool is stopped or full.
func (p *WorkerPool) Submit(task func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return false
	}

	select {
	case p.taskQueue <- task:
		p.tasksTotal.Add(1)
		return true
	default:
		p.tasksDropped.Add(1)
		return false
	}
}

// Stop runs the queued tasks to completion and stops the workers. Tasks see
// a cancelled context once Stop begins.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	return PoolStats{
		Workers:      p.workers,
		Running:      running,
		TasksTotal:   p.tasksTotal.Load(),
		TasksDone:    p.tasksDone.Load(),
		TasksDropped: p.tasksDropped.Load(),
		Panics:       p.panics.Load(),
		QueueLen:     len(p.taskQueue),
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Workers      int
	Running      bool
	TasksTotal   uint64
	TasksDone    uint64
	TasksDropped uint64
	Panics       uint64
	QueueLen     int
}

// MemoryStats returns current memory statistics.
func MemoryStats() MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemStats{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		HeapAlloc:  m.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
}

// MemStats contains memory statistics.
type MemStats struct {
	Alloc      uint64 // bytes allocated and still in use
	TotalAlloc uint64 // bytes allocated (even if freed)
	Sys        uint64 // bytes obtained from system
	NumGC      uint32
	HeapAlloc  uint64
	Goroutines int
}
