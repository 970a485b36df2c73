package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/connectivity"
	"github.com/kjstillabower/weather-lookup-service/internal/locate"
	"github.com/kjstillabower/weather-lookup-service/internal/lookup"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/preferences"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 4 << 10

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// StorePing, when set, checks key-value backend reachability.
	StorePing func(ctx context.Context) error
}

// CityLister returns every record the weather source knows about.
type CityLister interface {
	FetchAll(ctx context.Context) ([]models.WeatherRecord, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc          *service.WeatherService
	monitor      *connectivity.Monitor
	lister       CityLister
	healthConfig *HealthConfig
	logger       *zap.Logger
	shuttingDown atomic.Bool

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. lister and healthConfig may be nil.
func NewHandler(svc *service.WeatherService, monitor *connectivity.Monitor, lister CityLister, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:          svc,
		monitor:      monitor,
		lister:       lister,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// SetShuttingDown flips the health endpoint to shutting-down. Called on SIGTERM.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// recordResponse is a weather record as rendered for the session's unit.
type recordResponse struct {
	City               string  `json:"city"`
	Temperature        float64 `json:"temperature"`
	DisplayTemperature int     `json:"displayTemperature"`
	Unit               string  `json:"unit"`
	Weather            string  `json:"weather"`
	Humidity           float64 `json:"humidity"`
	WindSpeed          float64 `json:"windSpeed"`
}

type displayResponse struct {
	City                    string          `json:"city"`
	Status                  lookup.Status   `json:"status"`
	FailureReason           string          `json:"failureReason,omitempty"`
	IsOffline               bool            `json:"isOffline"`
	IsShowingCachedFallback bool            `json:"isShowingCachedFallback"`
	IsFavorite              bool            `json:"isFavorite"`
	Unit                    string          `json:"unit"`
	Record                  *recordResponse `json:"record"`
}

func renderRecord(rec *models.WeatherRecord, unit preferences.Unit) *recordResponse {
	if rec == nil {
		return nil
	}
	return &recordResponse{
		City:               rec.City,
		Temperature:        rec.Temperature,
		DisplayTemperature: preferences.ConvertTemperature(rec.Temperature, unit),
		Unit:               string(unit),
		Weather:            rec.Weather,
		Humidity:           rec.Humidity,
		WindSpeed:          rec.WindSpeed,
	}
}

// renderDisplay builds the response for ds. A favorites read failure only costs the isFavorite flag.
func (h *Handler) renderDisplay(ctx context.Context, sess *service.Session, ds lookup.DisplayState) displayResponse {
	unit := sess.Preferences.Unit()
	resp := displayResponse{
		City:                    ds.City,
		Status:                  ds.Status,
		FailureReason:           string(ds.FailureReason),
		IsOffline:               ds.IsOffline,
		IsShowingCachedFallback: ds.IsShowingCachedFallback,
		Unit:                    string(unit),
		Record:                  renderRecord(ds.Record, unit),
	}
	if ds.City != "" {
		fav, err := sess.Favorites.Contains(ctx, ds.City)
		if err != nil {
			observability.LoggerFromContext(ctx, h.logger).Warn("could not read favorites", zap.Error(err))
		}
		resp.IsFavorite = fav
	}
	return resp
}

// session resolves the X-Session-ID header, writing the error response on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, err := h.svc.Session(r.Context(), r.Header.Get(sessionHeader))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	return sess, true
}

// PostLookup handles POST /lookup/{city}. The fetch continues after the response;
// poll GET /lookup for the outcome.
func (h *Handler) PostLookup(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	ds, err := h.svc.Search(r.Context(), sess.ID, city)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.renderDisplay(r.Context(), sess, ds))
}

// GetLookup handles GET /lookup.
func (h *Handler) GetLookup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.renderDisplay(r.Context(), sess, sess.Controller.DisplayState()))
}

// PostLocate handles POST /locate with a device geolocation report.
func (h *Handler) PostLocate(w http.ResponseWriter, r *http.Request) {
	var report locate.Report
	if !decodeBody(w, r, &report) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	res, ds, err := h.svc.Locate(r.Context(), sess.ID, report)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"city":        res.City,
		"usedDefault": res.UsedDefault,
		"state":       h.renderDisplay(r.Context(), sess, ds),
	})
}

// GetRecent handles GET /recent.
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	cities, err := sess.Recent.List(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": cities})
}

// GetFavorites handles GET /favorites.
func (h *Handler) GetFavorites(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	cities, err := sess.Favorites.List(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": cities})
}

// PutFavorite handles PUT /favorites/{city}. 201 when added, 200 when already present.
func (h *Handler) PutFavorite(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	city, added, err := h.svc.AddFavorite(r.Context(), sess.ID, mux.Vars(r)["city"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"city": city, "added": added})
}

// DeleteFavorite handles DELETE /favorites/{city}.
func (h *Handler) DeleteFavorite(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	removed, err := sess.Favorites.Remove(r.Context(), city)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "NOT_A_FAVORITE", "city is not a favorite")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type favoriteWeatherResponse struct {
	City   string          `json:"city"`
	Record *recordResponse `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GetFavoritesWeather handles GET /favorites/weather. Per-city failures are reported inline.
func (h *Handler) GetFavoritesWeather(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	results, err := h.svc.FavoritesWeather(r.Context(), sess.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	unit := sess.Preferences.Unit()
	out := make([]favoriteWeatherResponse, 0, len(results))
	for _, res := range results {
		item := favoriteWeatherResponse{City: res.City, Record: renderRecord(res.Record, unit)}
		if res.Err != nil {
			item.Error = string(client.CategorizeError(res.Err))
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit": unit, "favorites": out})
}

// GetCities handles GET /cities: every city the source lists, sorted by name.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		writeError(w, r, http.StatusNotFound, "NOT_AVAILABLE", "city listing not available")
		return
	}
	records, err := h.lister.FetchAll(r.Context())
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	cities := make([]string, 0, len(records))
	for _, rec := range records {
		cities = append(cities, rec.City)
	}
	sort.Strings(cities)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": cities})
}

// GetPreferences handles GET /preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Preferences.Get())
}

// PutPreferences handles PUT /preferences. Absent fields are left unchanged.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Unit  *string `json:"unit"`
		Theme *string `json:"theme"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var (
		unit  preferences.Unit
		theme preferences.Theme
		err   error
	)
	if body.Unit != nil {
		if unit, err = preferences.ParseUnit(*body.Unit); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_UNIT", err.Error())
			return
		}
	}
	if body.Theme != nil {
		if theme, err = preferences.ParseTheme(*body.Theme); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_THEME", err.Error())
			return
		}
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if body.Unit != nil {
		if err := sess.Preferences.SetUnit(r.Context(), unit); err != nil {
			h.writeStoreError(w, r, err)
			return
		}
	}
	if body.Theme != nil {
		if err := sess.Preferences.SetTheme(r.Context(), theme); err != nil {
			h.writeStoreError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sess.Preferences.Get())
}

// PostToggleUnit handles POST /preferences/unit/toggle.
func (h *Handler) PostToggleUnit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := sess.Preferences.ToggleUnit(r.Context()); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Preferences.Get())
}

// PostTestConnectivity handles POST /test/connectivity/{state} where state is online,
// offline or probe (drop the override and go back to probe results).
func (h *Handler) PostTestConnectivity(w http.ResponseWriter, r *http.Request) {
	state := mux.Vars(r)["state"]
	var changed bool
	switch state {
	case "online":
		changed = h.monitor.SetOverride(true)
	case "offline":
		changed = h.monitor.SetOverride(false)
	case "probe":
		changed = h.monitor.ClearOverride()
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_STATE", "unknown connectivity state: "+state)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("connectivity override",
		zap.String("state", state), zap.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"state":   state,
		"online":  h.monitor.Online(),
		"changed": changed,
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherSource": "healthy"}
	if !h.monitor.Online() {
		checks["weatherSource"] = "unreachable"
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		checks["store"] = "healthy"
		if err := h.healthConfig.StorePing(r.Context()); err != nil {
			checks["store"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-lookup-service",
		"version":   "dev",
		"checks":    checks,
		"sessions":  h.svc.SessionCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > offline > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.shuttingDown.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg != nil && cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if !h.monitor.Online() {
		return healthResult{"offline", http.StatusServiceUnavailable, "source_unreachable"}
	}
	if cfg != nil && cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		failures, total := traffic.FailureRate(cfg.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object")
		return false
	}
	return true
}

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps service and validation errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrCityEmpty),
		errors.Is(err, validation.ErrCityTooShort),
		errors.Is(err, validation.ErrCityTooLong),
		errors.Is(err, validation.ErrCityInvalidChars),
		errors.Is(err, lookup.ErrEmptyCity):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
	case errors.Is(err, service.ErrInvalidSession):
		writeError(w, r, http.StatusBadRequest, "INVALID_SESSION", err.Error())
	case errors.Is(err, service.ErrNoLocation):
		writeError(w, r, http.StatusUnprocessableEntity, "NO_LOCATION", err.Error())
	case errors.Is(err, service.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
	default:
		h.writeStoreError(w, r, err)
	}
}

// writeStoreError writes a 503 for key-value backend failures.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context(), h.logger).Warn("store error", zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "storage did not respond in time")
		return
	}
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Unable to access stored data")
}

// writeUpstreamError writes a 503 for weather source failures.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	observability.LoggerFromContext(r.Context(), zap.NewNop()).Debug("upstream error",
		zap.String("category", string(client.CategorizeError(err))), zap.Error(err))
}
