package client

import (
	"context"
	"sync"
	"time"
)

// call tracks one in-flight upstream request that several callers may wait on.
type call[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// coalescer collapses concurrent calls for the same key into one execution.
type coalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*call[T]
	timeout  time.Duration
}

func newCoalescer[T any](timeout time.Duration) *coalescer[T] {
	return &coalescer[T]{
		inFlight: make(map[string]*call[T]),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a call for key is already running, in which case it waits for that
// call's result. shared reports whether the result came from another caller's execution.
// Waiting is bounded by ctx and the coalescer timeout; fn itself keeps running for other waiters.
func (c *coalescer[T]) Do(ctx context.Context, key string, fn func() (T, error)) (result T, shared bool, err error) {
	c.mu.Lock()
	cl, exists := c.inFlight[key]
	if !exists {
		cl = &call[T]{done: make(chan struct{})}
		c.inFlight[key] = cl
		go c.run(key, cl, fn)
	}
	c.mu.Unlock()

	waitCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case <-cl.done:
		return cl.result, exists, cl.err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}

func (c *coalescer[T]) run(key string, cl *call[T], fn func() (T, error)) {
	cl.result, cl.err = fn()
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
	close(cl.done)
}
