package lookup

import (
	"errors"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
)

// RetryPolicy decides whether a failed fetch is attempted again and how long to wait first.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Interval is the fixed wait between attempts.
	Interval time.Duration
}

// DefaultRetryPolicy is 3 attempts, 1s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: time.Second}
}

// ShouldRetry reports whether another attempt follows attempt (1-based) failing with err.
// A missing city is authoritative and never retried.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || errors.Is(err, client.ErrCityNotFound) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay returns the wait before the attempt following attempt. The delay is fixed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Interval
}
