package models

import "testing"

func TestNormalizeCity(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trim and lower", "  Paris ", "paris"},
		{"already normalized", "tokyo", "tokyo"},
		{"mixed case", "LoNdOn", "london"},
		{"inner spaces kept", " New York ", "new york"},
		{"empty", "   ", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeCity(tc.in); got != tc.want {
				t.Fatalf("NormalizeCity(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSameCity(t *testing.T) {
	if !SameCity("  paris ", "Paris") {
		t.Error(`SameCity("  paris ", "Paris") = false, want true`)
	}
	if !SameCity("PARIS", "Paris") {
		t.Error(`SameCity("PARIS", "Paris") = false, want true`)
	}
	if SameCity("Paris", "Tokyo") {
		t.Error(`SameCity("Paris", "Tokyo") = true, want false`)
	}
}
