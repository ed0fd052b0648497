package session

import (
	"context"
	"sync"
)

// Cell publishes a value written by one goroutine to any number of readers
// that can wait for it to change. The zero value holds the zero T and is
// ready to use.
type Cell[T comparable] struct {
	mu      sync.Mutex
	v       T
	changed chan struct{}
}

// Store publishes v and wakes all waiters.
func (c *Cell[T]) Store(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v == v {
		return
	}
	c.v = v
	if c.changed != nil {
		close(c.changed)
		c.changed = nil
	}
}

// Load returns the current value.
func (c *Cell[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Await blocks until the published value satisfies ok and returns it.
func (c *Cell[T]) Await(ctx context.Context, ok func(T) bool) (T, error) {
	for {
		c.mu.Lock()
		v := c.v
		if ok(v) {
			c.mu.Unlock()
			return v, nil
		}
		if c.changed == nil {
			c.changed = make(chan struct{})
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
