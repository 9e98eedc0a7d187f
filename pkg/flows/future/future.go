// Package future provides a minimal generic future for work that runs in
// the background and is awaited later.
package future

import (
	"context"
	"sync"
)

// Future holds the eventual result of a background computation.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// New returns an unresolved future. Resolve it with Resolve.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a future for its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.Resolve(v, err)
	}()
	return f
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := New[T]()
	f.Resolve(v, err)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future[T]) Resolve(v T, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the future resolves.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}
