// Package future provides a resolve-once result that can be awaited from any
// goroutine.
package future

import (
	"context"
	"sync"
)

// Future holds a value or error that is settled exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error

	mu    sync.Mutex
	hooks []func(T, error)
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
		settled = true
	})
	if !settled {
		return false
	}
	f.mu.Lock()
	hooks := f.hooks
	f.hooks = nil
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(v, err)
	}
	return true
}

// Then registers fn to run once the future settles. When it already has, fn
// runs immediately on the calling goroutine.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.value, f.err)
		return
	default:
	}
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// Follow settles f with whatever other settles with.
func (f *Future[T]) Follow(other *Future[T]) {
	if other == nil || other == f {
		return
	}
	other.Then(func(v T, err error) {
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	})
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a value or error.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
