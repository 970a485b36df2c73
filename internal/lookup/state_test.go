package lookup

import (
	"testing"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

func TestDeriveDisplayState(t *testing.T) {
	london := &models.WeatherRecord{City: "London", Temperature: 15, Humidity: 80}
	live := &models.WeatherRecord{City: "London", Temperature: 17, Humidity: 70}
	paris := &models.WeatherRecord{City: "Paris", Temperature: 20, Humidity: 50}
	q := Query{City: "london"}

	tests := []struct {
		name       string
		fetch      FetchState
		cached     *models.WeatherRecord
		online     bool
		wantRecord *models.WeatherRecord
		wantCached bool
	}{
		{"idle", FetchState{}, london, true, nil, false},
		{"loading no cache", FetchState{Query: q, Status: StatusLoading}, nil, true, nil, false},
		{"loading matching cache", FetchState{Query: q, Status: StatusLoading}, london, true, london, true},
		{"loading other city cache", FetchState{Query: q, Status: StatusLoading}, paris, true, nil, false},
		{"success wins over cache", FetchState{Query: q, Status: StatusSuccess, Record: live}, london, true, live, false},
		{"not found suppresses cache", FetchState{Query: q, Status: StatusFailed, Reason: ReasonCityNotFound}, london, true, nil, false},
		{"unavailable with cache", FetchState{Query: q, Status: StatusFailed, Reason: ReasonUnavailable}, london, true, london, true},
		{"unavailable without cache", FetchState{Query: q, Status: StatusFailed, Reason: ReasonUnavailable}, nil, true, nil, false},
		{"offline loading matching cache", FetchState{Query: q, Status: StatusLoading}, london, false, london, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := DeriveDisplayState(tt.fetch, tt.cached, tt.online)
			if ds.Record != tt.wantRecord {
				t.Errorf("Record = %+v, want %+v", ds.Record, tt.wantRecord)
			}
			if ds.IsShowingCachedFallback != tt.wantCached {
				t.Errorf("IsShowingCachedFallback = %v, want %v", ds.IsShowingCachedFallback, tt.wantCached)
			}
			if ds.IsOffline != !tt.online {
				t.Errorf("IsOffline = %v, want %v", ds.IsOffline, !tt.online)
			}
			if ds.Status != tt.fetch.Status || ds.FailureReason != tt.fetch.Reason {
				t.Errorf("status = %v/%q, want %v/%q", ds.Status, ds.FailureReason, tt.fetch.Status, tt.fetch.Reason)
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{
		StatusIdle: "idle", StatusLoading: "loading", StatusSuccess: "success", StatusFailed: "failed", Status(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
		if b, _ := s.MarshalText(); string(b) != want {
			t.Errorf("Status(%d).MarshalText() = %q, want %q", s, b, want)
		}
	}
}
