// Package reactor implements the single-goroutine event loops that own module
// state. Every module manager is pinned to one Reactor for its lifetime and
// all mutation of its processor, transport and driver happens inside tasks
// executed by that reactor. Cross-reactor work is expressed as "schedule a
// closure onto reactor X and await its result" through Call.
package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
)

var (
	// ErrStopped is returned when work is scheduled onto a stopped reactor.
	ErrStopped = errors.New("reactor stopped")
	// ErrInterrupted is the cancellation cause used when the watchdog
	// interrupts a stalled task.
	ErrInterrupted = errors.New("reactor task interrupted")
)

// ErrorHandler receives failures that escaped a task (panics included).
type ErrorHandler func(err error, keyvals ...any)

type ctxKey struct{}

// Current returns the reactor executing the task that owns ctx, or nil.
func Current(ctx context.Context) *Reactor {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(ctxKey{}).(*Reactor)
	return r
}

type running struct {
	cancel  context.CancelCauseFunc
	started time.Time
}

// Reactor is a cooperative event loop running on a single goroutine.
type Reactor struct {
	id      int
	name    string
	logger  pslog.Logger
	onError ErrorHandler
	base    context.Context

	mu    sync.Mutex
	queue []func(context.Context)
	wake  chan struct{}

	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once

	current   atomic.Pointer[running]
	goid      atomic.Int64
	processed atomic.Uint64
}

// Options configure a Reactor.
type Options struct {
	Logger  pslog.Logger
	OnError ErrorHandler
}

// New builds a reactor. It does not run until Start is called.
func New(id int, name string, opts Options) *Reactor {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Reactor{
		id:      id,
		name:    name,
		logger:  logger.With("sys", "reactor", "reactor", name),
		onError: opts.OnError,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.base = context.WithValue(context.Background(), ctxKey{}, r)
	return r
}

// ID returns the reactor's index within its pool.
func (r *Reactor) ID() int { return r.id }

// Name returns the reactor's label.
func (r *Reactor) Name() string { return r.name }

// Owns reports whether ctx belongs to a task running on r.
func (r *Reactor) Owns(ctx context.Context) bool {
	return Current(ctx) == r
}

// Start launches the loop goroutine. Repeated calls are no-ops.
func (r *Reactor) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run()
}

// Stop prevents new work, lets queued tasks drain and waits for the loop to
// exit.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		close(r.quit)
	})
	if r.started.Load() {
		<-r.done
	}
}

// Done is closed once the loop goroutine has exited.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Schedule queues fn for execution on the reactor. It returns false once the
// reactor is stopping.
func (r *Reactor) Schedule(fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}
	if r.stopping.Load() {
		return false
	}
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// NextTick defers fn until the tasks already queued have run.
func (r *Reactor) NextTick(fn func()) {
	r.Schedule(func(context.Context) { fn() })
}

// Pending returns the number of queued tasks.
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Processed returns the number of tasks executed so far.
func (r *Reactor) Processed() uint64 { return r.processed.Load() }

// GoroutineID returns the id of the loop goroutine, or 0 before Start.
func (r *Reactor) GoroutineID() int64 { return r.goid.Load() }

// InLoop reports whether the caller is running on r's loop goroutine. It is
// for code paths that have no task context to check with Owns.
func (r *Reactor) InLoop() bool {
	id := r.goid.Load()
	return id != 0 && id == currentGoroutineID()
}

// Busy reports how long the current task has been running.
func (r *Reactor) Busy() (time.Duration, bool) {
	cur := r.current.Load()
	if cur == nil {
		return 0, false
	}
	return time.Since(cur.started), true
}

// Interrupt cancels the context of the task currently executing with cause
// ErrInterrupted. Tasks that honour their context unwind; it reports whether
// a task was running.
func (r *Reactor) Interrupt() bool {
	cur := r.current.Load()
	if cur == nil {
		return false
	}
	cur.cancel(ErrInterrupted)
	return true
}

func (r *Reactor) run() {
	defer close(r.done)
	r.goid.Store(currentGoroutineID())
	for {
		batch := r.take()
		if len(batch) == 0 {
			select {
			case <-r.wake:
				continue
			case <-r.quit:
				if r.Pending() > 0 {
					continue
				}
				return
			}
		}
		for _, fn := range batch {
			r.exec(fn)
		}
	}
}

func (r *Reactor) take() []func(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	batch := r.queue
	r.queue = nil
	return batch
}

func (r *Reactor) exec(fn func(context.Context)) {
	ctx, cancel := context.WithCancelCause(r.base)
	r.current.Store(&running{cancel: cancel, started: time.Now()})
	defer func() {
		r.current.Store(nil)
		cancel(nil)
		r.processed.Add(1)
		if rec := recover(); rec != nil {
			r.fail(fmt.Errorf("reactor %s: panic: %v", r.name, rec), "stack", string(stack()))
		}
	}()
	fn(ctx)
}

func (r *Reactor) fail(err error, keyvals ...any) {
	if r.onError != nil {
		r.onError(err, append([]any{"reactor", r.name}, keyvals...)...)
		return
	}
	r.logger.Error("reactor.task.failed", append([]any{"error", err}, keyvals...)...)
}

// Report routes err through the reactor's error funnel.
func (r *Reactor) Report(err error, keyvals ...any) {
	if err == nil {
		return
	}
	r.fail(err, keyvals...)
}

// Call runs fn on r and returns its result. When ctx already belongs to r the
// closure runs inline, which keeps re-entrant calls from deadlocking.
func Call[T any](ctx context.Context, r *Reactor, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if r.Owns(ctx) {
		return fn(ctx)
	}
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	ok := r.Schedule(func(rctx context.Context) {
		var res result
		defer func() {
			if rec := recover(); rec != nil {
				res = result{err: fmt.Errorf("reactor %s: panic: %v", r.name, rec)}
			}
			ch <- res
		}()
		if err := ctx.Err(); err != nil {
			res.err = err
			return
		}
		res.value, res.err = fn(rctx)
	})
	if !ok {
		return zero, ErrStopped
	}
	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do is Call for closures that only return an error.
func Do(ctx context.Context, r *Reactor, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func stack() []byte {
	buf := make([]byte, 16<<10)
	return buf[:runtime.Stack(buf, false)]
}

func currentGoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}
