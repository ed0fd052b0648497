package session

import (
	"context"
	"sync"
)

// Future is a value that is set exactly once and awaited by any number of
// goroutines.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	v    T
}

// NewFuture returns an unset future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Set stores v and releases waiters. Only the first call has effect; it
// reports whether this call set the value.
func (f *Future[T]) Set(v T) bool {
	set := false
	f.once.Do(func() {
		f.v = v
		close(f.done)
		set = true
	})
	return set
}

// Done is closed once the value is set.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the value is set or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the value and true if it has been set.
func (f *Future[T]) Peek() (T, bool) {
	select {
	case <-f.done:
		return f.v, true
	default:
		var zero T
		return zero, false
	}
}
