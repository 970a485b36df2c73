package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests currently being served.
type InFlightTracker struct {
	count atomic.Int64
}

// Increment records a request entering the handler chain.
func (t *InFlightTracker) Increment() { t.count.Add(1) }

// Decrement records a request leaving the handler chain.
func (t *InFlightTracker) Decrement() { t.count.Add(-1) }

// Count returns the number of requests being served.
func (t *InFlightTracker) Count() int64 { return t.count.Load() }

// WaitForZero polls every checkInterval until the count reaches zero or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if t.Count() == 0 {
		return nil
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.Count() == 0 {
				return nil
			}
		}
	}
}

// inFlight is fed by MetricsMiddleware and drained by main during shutdown.
var inFlight = &InFlightTracker{}

// InFlightCount returns the number of requests being served right now.
func InFlightCount() int64 {
	return inFlight.Count()
}

// WaitForInFlight blocks until no request is being served or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return inFlight.WaitForZero(ctx, checkInterval)
}
