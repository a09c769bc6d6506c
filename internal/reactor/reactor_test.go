package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReactor(t *testing.T, opts Options) *Reactor {
	t.Helper()
	r := New(0, "test", opts)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

// TestScheduleRunsInOrder verifies tasks run FIFO on a single goroutine
func TestScheduleRunsInOrder(t *testing.T) {
	r := startReactor(t, Options{})

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, r.Schedule(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.NotZero(t, r.GoroutineID())
}

// TestCallReturnsValue tests cross-reactor request/response
func TestCallReturnsValue(t *testing.T) {
	r := startReactor(t, Options{})

	v, err := Call(context.Background(), r, func(ctx context.Context) (int, error) {
		assert.True(t, r.Owns(ctx))
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

// TestCallInlineWhenOnOwnReactor tests that re-entrant calls do not deadlock
func TestCallInlineWhenOnOwnReactor(t *testing.T) {
	r := startReactor(t, Options{})

	v, err := Call(context.Background(), r, func(ctx context.Context) (string, error) {
		return Call(ctx, r, func(context.Context) (string, error) {
			return "nested", nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "nested", v)
}

// TestCallRecoversPanic tests that panics become errors and the loop survives
func TestCallRecoversPanic(t *testing.T) {
	r := startReactor(t, Options{})

	_, err := Call(context.Background(), r, func(context.Context) (int, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	err = Do(context.Background(), r, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

// TestTaskPanicRoutedToHandler tests the error funnel
func TestTaskPanicRoutedToHandler(t *testing.T) {
	got := make(chan error, 1)
	r := startReactor(t, Options{OnError: func(err error, _ ...any) { got <- err }})

	r.Schedule(func(context.Context) { panic("kaboom") })

	select {
	case err := <-got:
		assert.Contains(t, err.Error(), "kaboom")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not reported")
	}
}

// TestScheduleAfterStop tests that a stopped reactor refuses work
func TestScheduleAfterStop(t *testing.T) {
	r := New(0, "stopped", Options{})
	r.Start()
	r.Stop()

	assert.False(t, r.Schedule(func(context.Context) {}))
	_, err := Call(context.Background(), r, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrStopped)
}

// TestInterruptCancelsRunningTask tests recovery of a stalled task
func TestInterruptCancelsRunningTask(t *testing.T) {
	r := startReactor(t, Options{})

	started := make(chan struct{})
	cause := make(chan error, 1)
	r.Schedule(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cause <- context.Cause(ctx)
	})

	<-started
	_, busy := r.Busy()
	assert.True(t, busy)
	assert.True(t, r.Interrupt())

	select {
	case err := <-cause:
		assert.True(t, errors.Is(err, ErrInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("task was not interrupted")
	}
}

// TestTimers tests one-shot, periodic and cancelled timers
func TestTimers(t *testing.T) {
	r := startReactor(t, Options{})

	fired := make(chan struct{}, 1)
	r.After(5*time.Millisecond, func(ctx context.Context) {
		assert.True(t, r.Owns(ctx))
		fired <- struct{}{}
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot timer did not fire")
	}

	var ticks atomic.Int32
	var ts Timers
	ts.Track(r.Every(2*time.Millisecond, func(context.Context) { ticks.Add(1) }))
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, ts.Len())

	ts.CancelAll()
	assert.Equal(t, 0, ts.Len())
	// drain anything already queued, then make sure nothing more arrives
	require.NoError(t, Do(context.Background(), r, func(context.Context) error { return nil }))
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())

	var never atomic.Bool
	tm := r.After(10*time.Millisecond, func(context.Context) { never.Store(true) })
	tm.Cancel()
	time.Sleep(30 * time.Millisecond)
	assert.False(t, never.Load())
}

// TestPoolRoundRobin tests reactor selection
func TestPoolRoundRobin(t *testing.T) {
	p := NewPool(3, Options{})
	p.Start()
	defer p.Stop()

	assert.Equal(t, 3, p.Len())
	seen := []int{p.Next().ID(), p.Next().ID(), p.Next().ID(), p.Next().ID()}
	assert.Equal(t, []int{0, 1, 2, 0}, seen)
	assert.Equal(t, "reactor-1", p.All()[1].Name())
}
