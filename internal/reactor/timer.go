package reactor

import (
	"context"
	"sync"
	"time"
)

// Timer is a one-shot or periodic callback that always fires on its reactor.
type Timer struct {
	r      *Reactor
	fn     func(ctx context.Context)
	period time.Duration

	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

// After runs fn on r once d has elapsed.
func (r *Reactor) After(d time.Duration, fn func(ctx context.Context)) *Timer {
	return r.newTimer(d, 0, fn)
}

// Every runs fn on r every d until the timer is cancelled. The next period is
// armed only after fn returns, so slow callbacks never overlap.
func (r *Reactor) Every(d time.Duration, fn func(ctx context.Context)) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return r.newTimer(d, d, fn)
}

func (r *Reactor) newTimer(d, period time.Duration, fn func(ctx context.Context)) *Timer {
	tm := &Timer{r: r, fn: fn, period: period}
	tm.mu.Lock()
	tm.t = time.AfterFunc(d, tm.fire)
	tm.mu.Unlock()
	return tm
}

func (tm *Timer) fire() {
	ok := tm.r.Schedule(func(ctx context.Context) {
		if tm.Cancelled() {
			return
		}
		defer tm.rearm()
		tm.fn(ctx)
	})
	if !ok {
		tm.Cancel()
	}
}

func (tm *Timer) rearm() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.period <= 0 {
		tm.cancelled = true
		return
	}
	if !tm.cancelled {
		tm.t.Reset(tm.period)
	}
}

// Cancel stops the timer. It is safe to call from any goroutine and more
// than once.
func (tm *Timer) Cancel() {
	if tm == nil {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.cancelled = true
	if tm.t != nil {
		tm.t.Stop()
	}
}

// Cancelled reports whether the timer will no longer fire.
func (tm *Timer) Cancelled() bool {
	if tm == nil {
		return true
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.cancelled
}

// Timers groups the timers owned by one component so they can be cancelled
// together on teardown.
type Timers struct {
	mu     sync.Mutex
	timers []*Timer
}

// Track registers tm and returns it.
func (ts *Timers) Track(tm *Timer) *Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	live := ts.timers[:0]
	for _, existing := range ts.timers {
		if !existing.Cancelled() {
			live = append(live, existing)
		}
	}
	ts.timers = append(live, tm)
	return tm
}

// CancelAll cancels every tracked timer.
func (ts *Timers) CancelAll() {
	ts.mu.Lock()
	timers := ts.timers
	ts.timers = nil
	ts.mu.Unlock()
	for _, tm := range timers {
		tm.Cancel()
	}
}

// Len returns the number of tracked timers that have not been cancelled.
func (ts *Timers) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, tm := range ts.timers {
		if !tm.Cancelled() {
			n++
		}
	}
	return n
}
