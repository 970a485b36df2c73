// Package testhelpers provides fakes and fixtures shared by package tests.
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// Listing is a small weather listing used across tests.
var Listing = []models.WeatherRecord{
	{City: "London", Temperature: 15, Weather: "Cloudy", Humidity: 82, WindSpeed: 12},
	{City: "Paris", Temperature: 18, Weather: "Sunny", Humidity: 55, WindSpeed: 8},
	{City: "Tokyo", Temperature: 22, Weather: "Light rain", Humidity: 90, WindSpeed: 4},
}

// SourceServer is an httptest server answering GET /weatherData with a JSON listing.
type SourceServer struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

// NewSourceServer starts a listing server for records. It is closed on test cleanup.
func NewSourceServer(t testing.TB, records []models.WeatherRecord) *SourceServer {
	t.Helper()
	body, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("encode listing: %v", err)
	}
	s := &SourceServer{}
	s.status.Store(http.StatusOK)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/weatherData" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.calls.Add(1)
		}
		status := int(s.status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK && r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// SetStatus makes subsequent responses use status; non-200 responses carry no listing.
func (s *SourceServer) SetStatus(status int) { s.status.Store(int32(status)) }

// Calls returns the number of listing requests served.
func (s *SourceServer) Calls() int { return int(s.calls.Load()) }

// Response is one scripted FetchByCity outcome.
type Response struct {
	Record models.WeatherRecord
	Err    error
}

// Found is a successful response.
func Found(rec models.WeatherRecord) Response { return Response{Record: rec} }

// Fail is a failed response.
func Fail(err error) Response { return Response{Err: err} }

// Call is one recorded FetchByCity invocation.
type Call struct {
	City string
	At   time.Time
}

// ScriptedSource is a client.WeatherSource returning scripted responses per city.
// Responses for a city are consumed in order; the last one repeats. Unscripted
// cities return client.ErrCityNotFound.
type ScriptedSource struct {
	mu      sync.Mutex
	scripts map[string][]Response
	gates   map[string]chan struct{}
	calls   []Call
}

// NewScriptedSource returns an empty ScriptedSource.
func NewScriptedSource() *ScriptedSource {
	return &ScriptedSource{
		scripts: make(map[string][]Response),
		gates:   make(map[string]chan struct{}),
	}
}

// On scripts responses for city.
func (s *ScriptedSource) On(city string, responses ...Response) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[models.NormalizeCity(city)] = responses
	return s
}

// Hold blocks fetches for city until release is called or the fetch context ends.
// The call is recorded before blocking.
func (s *ScriptedSource) Hold(city string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[models.NormalizeCity(city)] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FetchByCity implements client.WeatherSource.
func (s *ScriptedSource) FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error) {
	key := models.NormalizeCity(city)
	s.mu.Lock()
	s.calls = append(s.calls, Call{City: city, At: time.Now()})
	gate := s.gates[key]
	var resp Response
	script := s.scripts[key]
	switch len(script) {
	case 0:
		resp = Fail(client.ErrCityNotFound)
	case 1:
		resp = script[0]
	default:
		resp = script[0]
		s.scripts[key] = script[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.WeatherRecord{}, ctx.Err()
		}
	}
	return resp.Record, resp.Err
}

// Calls returns every recorded call.
func (s *ScriptedSource) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of calls for city.
func (s *ScriptedSource) CallCount(city string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if models.SameCity(c.City, city) {
			n++
		}
	}
	return n
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
