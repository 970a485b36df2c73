// Package locate turns a device geolocation report into the city to look up.
package locate

import (
	"strings"
)

// DefaultCity is used when geolocation fails and no other default is configured.
const DefaultCity = "London"

// Report is what the device sends after trying to geolocate.
// Error is non-empty when location could not be determined (permission denied,
// no fix, reverse-geocoding failure, ...).
type Report struct {
	City  string `json:"city"`
	Error string `json:"error"`
}

// Resolution is the outcome of resolving a report.
type Resolution struct {
	City string
	// UsedDefault is true when the city came from the fallback rather than the device.
	UsedDefault bool
	// OK is false when there is nothing to look up.
	OK bool
}

// ResolveCity picks the city for a report. Any failure maps to defaultCity, whatever
// its cause. A successful report without a city is ignored.
func ResolveCity(r Report, defaultCity string) Resolution {
	if strings.TrimSpace(defaultCity) == "" {
		defaultCity = DefaultCity
	}
	if strings.TrimSpace(r.Error) != "" {
		return Resolution{City: strings.TrimSpace(defaultCity), UsedDefault: true, OK: true}
	}
	city := strings.TrimSpace(r.City)
	if city == "" {
		return Resolution{}
	}
	return Resolution{City: city, OK: true}
}
