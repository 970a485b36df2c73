package lookup

import (
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// Status is the authoritative state of the current query.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailureReason explains a Failed status.
type FailureReason string

const (
	ReasonNone         FailureReason = ""
	ReasonCityNotFound FailureReason = "CITY_NOT_FOUND"
	ReasonUnavailable  FailureReason = "UNAVAILABLE"
)

// Query is the request currently considered authoritative.
type Query struct {
	ID        string
	City      string
	StartedAt time.Time
}

// Key is the normalized city used for every comparison.
func (q Query) Key() string {
	return models.NormalizeCity(q.City)
}

// FetchState is the live outcome of the current query, independent of any cache.
type FetchState struct {
	Query  Query
	Status Status
	Reason FailureReason
	Record *models.WeatherRecord
}

// DisplayState is what a consumer should render.
type DisplayState struct {
	City                    string
	Record                  *models.WeatherRecord
	Status                  Status
	FailureReason           FailureReason
	IsOffline               bool
	IsShowingCachedFallback bool
}

// DeriveDisplayState combines the live fetch outcome with the last stored record.
// The cached record is shown only while Loading or after Failed/UNAVAILABLE, and
// only when its city matches the query. A live success always wins and a
// CITY_NOT_FOUND failure always shows no record.
func DeriveDisplayState(fetch FetchState, cached *models.WeatherRecord, online bool) DisplayState {
	ds := DisplayState{
		City:          fetch.Query.City,
		Status:        fetch.Status,
		FailureReason: fetch.Reason,
		IsOffline:     !online,
	}
	cacheMatches := cached != nil && fetch.Query.City != "" && models.SameCity(cached.City, fetch.Query.City)

	switch fetch.Status {
	case StatusSuccess:
		ds.Record = fetch.Record
	case StatusLoading:
		if cacheMatches {
			ds.Record = cached
			ds.IsShowingCachedFallback = true
		}
	case StatusFailed:
		if fetch.Reason == ReasonUnavailable && cacheMatches {
			ds.Record = cached
			ds.IsShowingCachedFallback = true
		}
	}
	return ds
}
