package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// RouterConfig selects optional routes and middleware.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter // nil disables rate limiting
	TestingMode    bool          // exposes /test/connectivity/{state}
}

// NewRouter wires every route onto h. Session routes are rate limited and time bounded;
// /health and /metrics are not.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	if cfg.TestingMode {
		logger.Warn("testing mode enabled; /test/connectivity exposed")
		router.HandleFunc("/test/connectivity/{state}", h.PostTestConnectivity).Methods(http.MethodPost)
	}

	api := router.PathPrefix("/").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/lookup", h.GetLookup).Methods(http.MethodGet)
	api.HandleFunc("/lookup/{city}", h.PostLookup).Methods(http.MethodPost)
	api.HandleFunc("/locate", h.PostLocate).Methods(http.MethodPost)
	api.HandleFunc("/recent", h.GetRecent).Methods(http.MethodGet)
	api.HandleFunc("/cities", h.GetCities).Methods(http.MethodGet)
	api.HandleFunc("/favorites", h.GetFavorites).Methods(http.MethodGet)
	// Registered before /favorites/{city} so "weather" is never taken as a city.
	api.HandleFunc("/favorites/weather", h.GetFavoritesWeather).Methods(http.MethodGet)
	api.HandleFunc("/favorites/{city}", h.PutFavorite).Methods(http.MethodPut)
	api.HandleFunc("/favorites/{city}", h.DeleteFavorite).Methods(http.MethodDelete)
	api.HandleFunc("/preferences", h.GetPreferences).Methods(http.MethodGet)
	api.HandleFunc("/preferences", h.PutPreferences).Methods(http.MethodPut)
	api.HandleFunc("/preferences/unit/toggle", h.PostToggleUnit).Methods(http.MethodPost)
	return router
}
