// ============================================================================
// Blocking Work Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Bounded pool of goroutines for work that must never run on a
// reactor (dependency resolution, settings lookups, disk access).
//
// Lifecycle:
//   1. NewPool() - create the pool with a bounded task channel
//   2. Start(n) - launch n worker goroutines
//   3. Submit(task) / Run(ctx, pool, fn) - hand work over, await the result
//   4. Stop() - refuse new work, let workers drain, wait for them
//
// Results are delivered per task through the task's reply function, so the
// caller decides where the continuation runs (usually back on its reactor).
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed means the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a fixed number of worker goroutines.
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu       sync.RWMutex // held for reading while sending on taskCh
	started  bool
	stopped  atomic.Bool
	stopOnce sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewPool builds a pool whose task channel holds bufferSize pending tasks.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches workerCount goroutines.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	return nil
}

// Submit queues task. It blocks while the task channel is full, until ctx is
// done or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped.Load() {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work, lets workers finish queued tasks and waits for them.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)

		// senders blocked in Submit escape through stopCh, so the write lock
		// is reachable
		p.mu.Lock()
		close(p.taskCh)
		started := p.started
		p.mu.Unlock()

		if started {
			p.wg.Wait()
		}
	})
}

// GetWorkerCount returns the number of worker goroutines.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stats returns the number of completed and failed tasks.
func (p *Pool) Stats() (completed, failed uint64) {
	return p.completed.Load(), p.failed.Load()
}

func (p *Pool) record(res Result) {
	if res.Error != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Run executes fn on the pool and waits for its value.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	reply := make(chan Result, 1)
	err := p.Submit(ctx, Task{
		Ctx: ctx,
		Run: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		Reply: func(res Result) { reply <- res },
	})
	if err != nil {
		return zero, err
	}
	select {
	case res := <-reply:
		if res.Error != nil {
			return zero, res.Error
		}
		v, _ := res.Value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Task is a unit of blocking work.
type Task struct {
	ID      string
	Ctx     context.Context // parent for the execution context; nil means Background
	Run     func(ctx context.Context) (any, error)
	Timeout time.Duration    // zero means no extra deadline
	Reply   func(res Result) // optional; called on the worker goroutine
}

// Result is the outcome of one Task.
type Result struct {
	TaskID   string
	Value    any
	Error    error
	Duration time.Duration
}
