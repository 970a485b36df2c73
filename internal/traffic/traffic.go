package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window query can look.
const retention = 5 * time.Minute

var defaultTracker Tracker

// RecordSuccess records a lookup that settled with live data.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordFailure records a lookup that settled as unavailable.
// City-not-found is a valid answer and is recorded as a success.
func RecordFailure() { defaultTracker.Record(Failure) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// RequestCount returns outcomes of every kind within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Count(Denied, window) }

// FailureRate returns (failures, successes+failures) within the window.
func FailureRate(window time.Duration) (failures, total int) {
	return defaultTracker.FailureRate(window)
}

// Reset clears the default tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Outcome classifies a recorded event.
type Outcome uint8

const (
	Success Outcome = iota
	Failure
	Denied
)

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker keeps a time-ordered log of outcomes for sliding-window queries.
// The zero value is ready to use.
type Tracker struct {
	mu     sync.Mutex
	events []event
	now    func() time.Time
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// Record appends an outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Count returns the number of o outcomes within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.eachInWindowLocked(window, func(e event) {
		if e.outcome == o {
			n++
		}
	})
	return n
}

// RequestCount returns all outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.eachInWindowLocked(window, func(event) { n++ })
	return n
}

// FailureRate returns (failures, total) within the window; denials are excluded from total.
func (t *Tracker) FailureRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eachInWindowLocked(window, func(e event) {
		switch e.outcome {
		case Failure:
			failures++
			total++
		case Success:
			total++
		}
	})
	return failures, total
}

// Reset drops all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) eachInWindowLocked(window time.Duration, fn func(event)) {
	cutoff := t.clock().Add(-window)
	for _, e := range t.events {
		if !e.at.Before(cutoff) {
			fn(e)
		}
	}
}

// pruneLocked drops events older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
