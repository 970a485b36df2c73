package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Weather source listing calls by status. Watch for: error vs success ratio.
	SourceCallsTotal *prometheus.CounterVec

	// Weather source latency per call. Watch for: p95 creeping towards the source timeout.
	SourceDuration *prometheus.HistogramVec

	// Listing calls that joined an in-flight call instead of issuing their own.
	SourceCoalescedTotal prometheus.Counter

	// Lookup requests accepted by controllers (after validation).
	LookupRequestsTotal prometheus.Counter

	// Per-city lookup count (allow-list; others go to "other").
	LookupRequestsByCityTotal *prometheus.CounterVec

	// Retry attempts made by controllers. Watch for: high retries = unstable source.
	LookupRetriesTotal prometheus.Counter

	// Final lookup outcomes: success, city_not_found, unavailable.
	LookupOutcomesTotal *prometheus.CounterVec

	// Times a cached record was shown instead of live data, by reason (loading, offline, unavailable).
	CacheFallbackServesTotal *prometheus.CounterVec

	// Fetch results dropped because a newer query superseded them.
	StaleResponsesDroppedTotal prometheus.Counter

	// Key-value store failures by operation. These never fail a lookup.
	StoreErrorsTotal *prometheus.CounterVec

	// Key-value store latency by operation and status.
	StoreOperationDurationSeconds *prometheus.HistogramVec

	// 1 when the weather source is reachable, 0 otherwise.
	ConnectivityOnline prometheus.Gauge

	// Connectivity transitions by target state (online, offline).
	ConnectivityTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0=closed, 1=open, 2=half_open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Live lookup sessions.
	ActiveSessions prometheus.Gauge

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	SourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceCallsTotal",
			Help: "Total number of weather source listing calls",
		},
		[]string{"status"},
	)
	SourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourceDurationSeconds",
			Help:    "Weather source latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)
	SourceCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sourceCoalescedTotal",
			Help: "Listing calls served by joining an in-flight call",
		},
	)
	LookupRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lookupRequestsTotal",
			Help: "Total number of city lookups requested",
		},
	)
	LookupRequestsByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookupRequestsByCityTotal",
			Help: "City lookups by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	LookupRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lookupRetriesTotal",
			Help: "Total number of retry attempts for city lookups",
		},
	)
	LookupOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookupOutcomesTotal",
			Help: "Settled lookup outcomes",
		},
		[]string{"outcome"},
	)
	CacheFallbackServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheFallbackServesTotal",
			Help: "Cached records shown in place of live data",
		},
		[]string{"reason"},
	)
	StaleResponsesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleResponsesDroppedTotal",
			Help: "Fetch results discarded because the query was superseded",
		},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "Key-value store failures by operation and category",
		},
		[]string{"operation", "category"},
	)
	StoreOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Key-value store operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	ConnectivityOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connectivityOnline",
			Help: "1 when the weather source is reachable, 0 otherwise",
		},
	)
	ConnectivityTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connectivityTransitionsTotal",
			Help: "Connectivity transitions by target state",
		},
		[]string{"to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activeSessions",
			Help: "Number of live lookup sessions",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SourceCallsTotal, SourceDuration, SourceCoalescedTotal,
		LookupRequestsTotal, LookupRequestsByCityTotal, LookupRetriesTotal, LookupOutcomesTotal,
		CacheFallbackServesTotal, StaleResponsesDroppedTotal,
		StoreErrorsTotal, StoreOperationDurationSeconds,
		ConnectivityOnline, ConnectivityTransitionsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ActiveSessions,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers windowed load, rejection and failure gauges.
// Call from main after config load. Uses the same window as the health checks.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "lookupsInWindow",
					Help: "Lookup outcomes and denials in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetCircuitBreakerState records the numeric state for component.
func SetCircuitBreakerState(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker transition.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// RecordConnectivity updates the connectivity gauge and transition counter.
func RecordConnectivity(online bool) {
	if online {
		ConnectivityOnline.Set(1)
		ConnectivityTransitionsTotal.WithLabelValues("online").Inc()
		return
	}
	ConnectivityOnline.Set(0)
	ConnectivityTransitionsTotal.WithLabelValues("offline").Inc()
}

// SetTrackedCities sets the allow-list for per-city metrics. Other cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[models.NormalizeCity(c)] = struct{}{}
	}
}

// RecordLookupRequest records an accepted lookup for city.
func RecordLookupRequest(city string) {
	LookupRequestsTotal.Inc()
	LookupRequestsByCityTotal.WithLabelValues(MetricCityLabel(city)).Inc()
}

// MetricCityLabel returns the normalized city when tracked, "other" otherwise.
// Keeps label cardinality bounded.
func MetricCityLabel(city string) string {
	c := models.NormalizeCity(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
