package performance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolFunctionality(t *testing.T) {
	pool := NewWorkerPool(4, 200)
	pool.Start()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !pool.Submit(func(context.Context) {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		}) {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for tasks to complete")
	}

	pool.Stop()

	if counter != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter)
	}
	if stats := pool.Stats(); stats.TasksDone != 100 || stats.Running {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func(context.Context) {
		close(started)
		<-block
	})
	<-started

	if !pool.Submit(func(context.Context) {}) {
		t.Fatal("queue slot should accept one task")
	}
	if pool.Submit(func(context.Context) {}) {
		t.Error("full queue should drop")
	}
	close(block)

	if stats := pool.Stats(); stats.TasksDropped != 1 {
		t.Errorf("dropped = %d", stats.TasksDropped)
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	pool := NewWorkerPool(1, 4)
	pool.Start()

	ran := make(chan struct{})
	pool.Submit(func(context.Context) { panic("boom") })
	pool.Submit(func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died with the panicking task")
	}
	pool.Stop()

	if stats := pool.Stats(); stats.Panics != 1 {
		t.Errorf("panics = %d", stats.Panics)
	}
	if pool.Submit(func(context.Context) {}) {
		t.Error("stopped pool accepted a task")
	}
}

func TestMemoryStats(t *testing.T) {
	stats := MemoryStats()
	if stats.Alloc == 0 || stats.Goroutines == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func BenchmarkWorkerPool(b *testing.B) {
	pool := NewWorkerPool(4, 0)
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		if !pool.Submit(func(context.Context) { wg.Done() }) {
			wg.Done()
		}
	}
	wg.Wait()
}
