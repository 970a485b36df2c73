package models

import "strings"

// WeatherRecord is a snapshot of current conditions for one city.
// Temperature is Celsius rounded to an integer, WindSpeed is km/h.
// Values are never mutated after construction; pass by value.
type WeatherRecord struct {
	City        string  `json:"city" validate:"required"`
	Temperature float64 `json:"temperature"`
	Weather     string  `json:"weather"`
	Humidity    float64 `json:"humidity" validate:"gte=0,lte=100"`
	WindSpeed   float64 `json:"windSpeed" validate:"gte=0"`
}

// NormalizeCity trims whitespace and lowercases. All city equality checks go through it.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// SameCity reports whether a and b name the same city after normalization.
func SameCity(a, b string) bool {
	return NormalizeCity(a) == NormalizeCity(b)
}
