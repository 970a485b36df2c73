// Package preferences persists the temperature unit and UI theme of a session.
package preferences

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Unit is a temperature display unit.
type Unit string

const (
	Celsius    Unit = "C"
	Fahrenheit Unit = "F"
)

// ParseUnit accepts "C" or "F" in any case.
func ParseUnit(s string) (Unit, error) {
	switch Unit(strings.ToUpper(strings.TrimSpace(s))) {
	case Celsius:
		return Celsius, nil
	case Fahrenheit:
		return Fahrenheit, nil
	}
	return "", fmt.Errorf("invalid temperature unit %q: want C or F", s)
}

// Theme is the UI color scheme.
type Theme string

const (
	Light Theme = "light"
	Dark  Theme = "dark"
)

// ParseTheme accepts "light" or "dark" in any case.
func ParseTheme(s string) (Theme, error) {
	switch Theme(strings.ToLower(strings.TrimSpace(s))) {
	case Light:
		return Light, nil
	case Dark:
		return Dark, nil
	}
	return "", fmt.Errorf("invalid theme %q: want light or dark", s)
}

// ConvertTemperature renders a Celsius value in unit, rounded to an integer.
func ConvertTemperature(celsius float64, unit Unit) int {
	if unit == Fahrenheit {
		return int(math.Round(celsius*9/5 + 32))
	}
	return int(math.Round(celsius))
}

// ThemeForTime is the first-run default: light from 06:00 through 18:59, dark otherwise.
func ThemeForTime(t time.Time) Theme {
	if h := t.Hour(); h >= 6 && h < 19 {
		return Light
	}
	return Dark
}

// Storage keys.
const (
	KeyUnit  = "temperatureUnit"
	KeyTheme = "themePreference"
)

// KV is the raw string storage the manager persists to.
type KV interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
}

// Snapshot is a point-in-time copy of the preferences.
type Snapshot struct {
	Unit  Unit  `json:"unit"`
	Theme Theme `json:"theme"`
}

// Manager holds a session's preferences and saves every change.
// Call Load once before use; until then it reports Celsius and light.
type Manager struct {
	kv  KV
	now func() time.Time

	mu    sync.RWMutex
	unit  Unit
	theme Theme
}

// NewManager returns a Manager backed by kv. now may be nil (time.Now).
func NewManager(kv KV, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{kv: kv, now: now, unit: Celsius, theme: Light}
}

// Load reads stored preferences. Invalid or missing values fall back to defaults;
// a missing theme is chosen from the clock and written back.
// The returned error reports a storage failure; the manager is usable either way.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	raw, ok, err := m.kv.GetString(ctx, KeyUnit)
	keep(err)
	if ok {
		if u, err := ParseUnit(raw); err == nil {
			m.unit = u
		}
	}

	raw, ok, err = m.kv.GetString(ctx, KeyTheme)
	if err != nil {
		m.theme = ThemeForTime(m.now())
		return err
	}
	if th, perr := ParseTheme(raw); ok && perr == nil {
		m.theme = th
		return firstErr
	}
	m.theme = ThemeForTime(m.now())
	keep(m.kv.SetString(ctx, KeyTheme, string(m.theme)))
	return firstErr
}

// Get returns the current preferences.
func (m *Manager) Get() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Unit: m.unit, Theme: m.theme}
}

// Unit returns the current temperature unit.
func (m *Manager) Unit() Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unit
}

// SetUnit changes and saves the unit. The in-memory value changes even if saving fails.
func (m *Manager) SetUnit(ctx context.Context, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit == u {
		return nil
	}
	m.unit = u
	return m.kv.SetString(ctx, KeyUnit, string(u))
}

// ToggleUnit flips C and F and returns the new unit.
func (m *Manager) ToggleUnit(ctx context.Context) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit == Fahrenheit {
		m.unit = Celsius
	} else {
		m.unit = Fahrenheit
	}
	return m.unit, m.kv.SetString(ctx, KeyUnit, string(m.unit))
}

// SetTheme changes and saves the theme.
func (m *Manager) SetTheme(ctx context.Context, th Theme) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.theme == th {
		return nil
	}
	m.theme = th
	return m.kv.SetString(ctx, KeyTheme, string(th))
}
