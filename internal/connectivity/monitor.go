// Package connectivity tracks whether the weather source is reachable and
// notifies subscribers on every online/offline transition.
package connectivity

import (
	"sync"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Handler receives the new state after a transition.
type Handler func(online bool)

// Monitor holds the effective connectivity state. Repeated reports of the same
// state are dropped, so subscribers only see transitions.
//
// The effective state is the observed state unless an override is set
// (testing mode), in which case the override wins until cleared.
type Monitor struct {
	publishMu sync.Mutex // serializes notification so handlers see transitions in order

	mu       sync.RWMutex
	observed bool
	override *bool
	handlers map[int]Handler
	nextID   int
}

// NewMonitor returns a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	observability.ConnectivityOnline.Set(boolGauge(online))
	return &Monitor{observed: online, handlers: make(map[int]Handler)}
}

// Online returns the effective state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveLocked()
}

// Subscribe registers h for future transitions. The returned func unsubscribes; it is safe to call twice.
func (m *Monitor) Subscribe(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// SubscribeWithState calls h once with the current state, then registers it for
// future transitions. No transition can slip between the two, so h always ends
// up holding the latest state. h must not call back into the Monitor.
func (m *Monitor) SubscribeWithState(h Handler) (unsubscribe func()) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	h(m.Online())
	return m.Subscribe(h)
}

// Publish reports an observed state. Returns whether the effective state changed.
func (m *Monitor) Publish(online bool) bool {
	return m.update(func() { m.observed = online })
}

// SetOverride pins the effective state regardless of observations.
func (m *Monitor) SetOverride(online bool) bool {
	return m.update(func() { m.override = &online })
}

// ClearOverride returns to the observed state.
func (m *Monitor) ClearOverride() bool {
	return m.update(func() { m.override = nil })
}

func (m *Monitor) update(mutate func()) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	before := m.effectiveLocked()
	mutate()
	after := m.effectiveLocked()
	if before == after {
		m.mu.Unlock()
		return false
	}
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	observability.RecordConnectivity(after)
	for _, h := range handlers {
		h(after)
	}
	return true
}

func (m *Monitor) effectiveLocked() bool {
	if m.override != nil {
		return *m.override
	}
	return m.observed
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
