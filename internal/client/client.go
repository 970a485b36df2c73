package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// WeatherSource looks up current conditions for a single city.
type WeatherSource interface {
	FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error)
}

var (
	// ErrCityNotFound means the listing has no record for the city. It is authoritative, never retried.
	ErrCityNotFound = errors.New("city not found")
	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork = errors.New("network error")
	// ErrUpstreamFailure covers non-2xx listing responses.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

// listingPath is the endpoint returning the flat list of city records.
const listingPath = "/weatherData"

// HTTPSource fetches the full city listing and picks the requested city from it.
type HTTPSource struct {
	baseURL   *url.URL
	timeout   time.Duration
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	coalescer *coalescer[[]models.WeatherRecord]
}

// NewHTTPSource returns a source reading {baseURL}/weatherData.
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid source URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q: host is required", baseURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{
		baseURL: u,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker wraps every listing call in cb. Not safe to call concurrently with fetches.
func (s *HTTPSource) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	s.breaker = cb
}

// EnableCoalescing makes concurrent listing calls share one upstream request.
// waitTimeout bounds how long a joining caller waits. Not safe to call concurrently with fetches.
func (s *HTTPSource) EnableCoalescing(waitTimeout time.Duration) {
	s.coalescer = newCoalescer[[]models.WeatherRecord](waitTimeout)
}

// FetchByCity returns the record whose city matches case-insensitively after trimming.
func (s *HTTPSource) FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error) {
	want := models.NormalizeCity(city)
	list, err := s.FetchAll(ctx)
	if err != nil {
		return models.WeatherRecord{}, err
	}
	for _, rec := range list {
		if models.NormalizeCity(rec.City) == want {
			return rec, nil
		}
	}
	return models.WeatherRecord{}, fmt.Errorf("%w: %q", ErrCityNotFound, strings.TrimSpace(city))
}

// FetchAll returns every record in the listing.
func (s *HTTPSource) FetchAll(ctx context.Context) ([]models.WeatherRecord, error) {
	if s.coalescer == nil {
		return s.fetchListing(ctx)
	}
	list, shared, err := s.coalescer.Do(ctx, listingPath, func() ([]models.WeatherRecord, error) {
		// Detached from the first caller so its cancellation does not fail the joiners.
		return s.fetchListing(context.WithoutCancel(ctx))
	})
	if shared {
		observability.SourceCoalescedTotal.Inc()
	}
	return list, err
}

func (s *HTTPSource) fetchListing(ctx context.Context) ([]models.WeatherRecord, error) {
	var list []models.WeatherRecord
	call := func() error {
		var err error
		list, err = s.callAPI(ctx)
		return err
	}
	if s.breaker == nil {
		return list, call()
	}
	if err := s.breaker.Call(ctx, call); err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			observability.SourceCallsTotal.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return list, nil
}

func (s *HTTPSource) callAPI(ctx context.Context) ([]models.WeatherRecord, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.endpoint(), nil)
	if err != nil {
		observability.SourceCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		observability.SourceCallsTotal.WithLabelValues("error").Inc()
		observability.SourceDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: request timeout: %v", ErrNetwork, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.SourceCallsTotal.WithLabelValues(status).Inc()
	observability.SourceDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrNetwork, err)
	}
	var raw []listingRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		// A non-array body is an empty listing, matching how the mobile client reads it.
		var probe interface{}
		if json.Unmarshal(body, &probe) == nil {
			if _, isArray := probe.([]interface{}); !isArray {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}
	out := make([]models.WeatherRecord, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// Ping reports whether the source host answers at all. Any HTTP response counts as reachable.
func (s *HTTPSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	resp.Body.Close()
	return nil
}

func (s *HTTPSource) endpoint() string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + listingPath
	return u.String()
}

type listingRecord struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Weather     string  `json:"weather"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"windSpeed"`
}

func (r listingRecord) toRecord() models.WeatherRecord {
	return models.WeatherRecord{
		City:        strings.TrimSpace(r.City),
		Temperature: math.Round(r.Temperature),
		Weather:     r.Weather,
		Humidity:    r.Humidity,
		WindSpeed:   r.WindSpeed,
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
