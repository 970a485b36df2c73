package preferences

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mapKV is an in-memory KV with an optional failure.
type mapKV struct {
	data   map[string]string
	err    error
	writes int
}

func newMapKV() *mapKV { return &mapKV{data: map[string]string{}} }

func (m *mapKV) GetString(_ context.Context, k string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[k]
	return v, ok, nil
}

func (m *mapKV) SetString(_ context.Context, k, v string) error {
	if m.err != nil {
		return m.err
	}
	m.writes++
	m.data[k] = v
	return nil
}

func at(hour, minute int) func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC) }
}

func TestConvertTemperature(t *testing.T) {
	tests := []struct {
		c    float64
		unit Unit
		want int
	}{
		{0, Celsius, 0},
		{0, Fahrenheit, 32},
		{100, Fahrenheit, 212},
		{15, Fahrenheit, 59},
		{-40, Fahrenheit, -40},
		{21.6, Celsius, 22},
		{22, Fahrenheit, 72},
	}
	for _, tt := range tests {
		if got := ConvertTemperature(tt.c, tt.unit); got != tt.want {
			t.Errorf("ConvertTemperature(%v, %s) = %d, want %d", tt.c, tt.unit, got, tt.want)
		}
	}
}

func TestThemeForTime(t *testing.T) {
	tests := []struct {
		hour, minute int
		want         Theme
	}{
		{5, 59, Dark},
		{6, 0, Light},
		{12, 0, Light},
		{18, 59, Light},
		{19, 0, Dark},
		{0, 0, Dark},
	}
	for _, tt := range tests {
		if got := ThemeForTime(at(tt.hour, tt.minute)()); got != tt.want {
			t.Errorf("ThemeForTime(%02d:%02d) = %s, want %s", tt.hour, tt.minute, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	if u, err := ParseUnit(" f "); err != nil || u != Fahrenheit {
		t.Errorf("ParseUnit(f) = (%q, %v)", u, err)
	}
	if _, err := ParseUnit("K"); err == nil {
		t.Error("ParseUnit(K) expected error")
	}
	if th, err := ParseTheme("DARK"); err != nil || th != Dark {
		t.Errorf("ParseTheme(DARK) = (%q, %v)", th, err)
	}
	if _, err := ParseTheme("sepia"); err == nil {
		t.Error("ParseTheme(sepia) expected error")
	}
}

// TestManager_Load_FirstRunPersistsTimeBasedTheme verifies a missing theme is
// chosen from the clock and written back.
func TestManager_Load_FirstRunPersistsTimeBasedTheme(t *testing.T) {
	kv := newMapKV()
	m := NewManager(kv, at(22, 0))
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := m.Get(); got.Theme != Dark || got.Unit != Celsius {
		t.Errorf("Get() = %+v, want dark/C", got)
	}
	if kv.data[KeyTheme] != "dark" {
		t.Errorf("stored theme = %q, want dark", kv.data[KeyTheme])
	}
}

func TestManager_Load_StoredValues(t *testing.T) {
	kv := newMapKV()
	kv.data[KeyTheme] = "light"
	kv.data[KeyUnit] = "F"
	m := NewManager(kv, at(23, 0))
	_ = m.Load(context.Background())

	if got := m.Get(); got.Theme != Light || got.Unit != Fahrenheit {
		t.Errorf("Get() = %+v, want light/F", got)
	}
	if kv.writes != 0 {
		t.Errorf("Load() wrote %d times, want 0", kv.writes)
	}
}

func TestManager_Load_InvalidStoredValuesIgnored(t *testing.T) {
	kv := newMapKV()
	kv.data[KeyTheme] = "purple"
	kv.data[KeyUnit] = "kelvin"
	m := NewManager(kv, at(9, 0))
	_ = m.Load(context.Background())

	if got := m.Get(); got.Theme != Light || got.Unit != Celsius {
		t.Errorf("Get() = %+v, want light/C", got)
	}
	if kv.data[KeyTheme] != "light" {
		t.Errorf("stored theme = %q, want light", kv.data[KeyTheme])
	}
}

func TestManager_Load_StorageError(t *testing.T) {
	boom := errors.New("unavailable")
	kv := newMapKV()
	kv.err = boom
	m := NewManager(kv, at(3, 0))
	if err := m.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want %v", err, boom)
	}
	if got := m.Get(); got.Theme != Dark || got.Unit != Celsius {
		t.Errorf("Get() after failed load = %+v, want dark/C", got)
	}
}

func TestManager_ToggleAndSet(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	m := NewManager(kv, at(12, 0))
	_ = m.Load(ctx)

	u, err := m.ToggleUnit(ctx)
	if err != nil || u != Fahrenheit {
		t.Fatalf("ToggleUnit() = (%s, %v), want F", u, err)
	}
	if u, _ := m.ToggleUnit(ctx); u != Celsius {
		t.Errorf("second ToggleUnit() = %s, want C", u)
	}
	if kv.data[KeyUnit] != "C" {
		t.Errorf("stored unit = %q, want C", kv.data[KeyUnit])
	}

	// Unchanged values are not rewritten.
	writes := kv.writes
	_ = m.SetUnit(ctx, Celsius)
	_ = m.SetTheme(ctx, Light)
	if kv.writes != writes {
		t.Errorf("no-op sets wrote %d times", kv.writes-writes)
	}

	_ = m.SetTheme(ctx, Dark)
	if m.Get().Theme != Dark || kv.data[KeyTheme] != "dark" {
		t.Errorf("SetTheme(dark) not applied: %+v stored=%q", m.Get(), kv.data[KeyTheme])
	}
	if m.Unit() != Celsius {
		t.Errorf("Unit() = %s, want C", m.Unit())
	}
}
