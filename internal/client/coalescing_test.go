package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_SingleCaller(t *testing.T) {
	c := newCoalescer[int](time.Second)
	got, shared, err := c.Do(context.Background(), "k", func() (int, error) { return 7, nil })
	if err != nil || got != 7 || shared {
		t.Fatalf("Do() = (%d, %v, %v), want (7, false, nil)", got, shared, err)
	}
}

// TestCoalescer_ConcurrentCallersShareOneExecution verifies only one fn runs
// for concurrent callers of the same key and all receive its result.
func TestCoalescer_ConcurrentCallersShareOneExecution(t *testing.T) {
	c := newCoalescer[int](time.Second)
	var runs atomic.Int32
	release := make(chan struct{})
	fn := func() (int, error) {
		runs.Add(1)
		<-release
		return 42, nil
	}

	const n = 5
	var wg sync.WaitGroup
	var sharedCount atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, shared, err := c.Do(context.Background(), "k", fn)
			if err != nil || v != 42 {
				t.Errorf("Do() = (%d, %v), want (42, nil)", v, err)
			}
			if shared {
				sharedCount.Add(1)
			}
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if runs.Load() != 1 {
		t.Errorf("fn runs = %d, want 1", runs.Load())
	}
	if sharedCount.Load() != n-1 {
		t.Errorf("shared callers = %d, want %d", sharedCount.Load(), n-1)
	}
}

func TestCoalescer_PropagatesError(t *testing.T) {
	c := newCoalescer[int](time.Second)
	boom := errors.New("boom")
	_, _, err := c.Do(context.Background(), "k", func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}
	// The failed call is removed, so the next caller runs fn again.
	v, shared, err := c.Do(context.Background(), "k", func() (int, error) { return 1, nil })
	if err != nil || v != 1 || shared {
		t.Fatalf("Do() after failure = (%d, %v, %v), want (1, false, nil)", v, shared, err)
	}
}

func TestCoalescer_WaitTimeout(t *testing.T) {
	c := newCoalescer[int](10 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	_, _, err := c.Do(context.Background(), "k", func() (int, error) {
		<-release
		return 0, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want context.DeadlineExceeded", err)
	}
}
