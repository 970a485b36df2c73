package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/connectivity"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/lookup"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

const sourceComponent = "weather_source"

// kvBackend is a key-value store that can be health-checked and closed.
type kvBackend interface {
	cache.Cache
	Ping() error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	source, err := client.NewHTTPSource(cfg.WeatherSourceURL, cfg.WeatherSourceTimeout)
	if err != nil {
		logger.Fatal("weather source", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        sourceComponent,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(sourceComponent, from.String(), to.String())
				observability.SetCircuitBreakerState(sourceComponent, int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		source.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerState(sourceComponent, int(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	if cfg.CoalesceEnabled {
		source.EnableCoalescing(cfg.CoalesceTimeout)
	}

	kv, backend, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}

	monitor := connectivity.NewMonitor(true)
	prober := connectivity.NewProber(monitor, source.Ping, cfg.ConnectivityProbeInterval, cfg.ConnectivityProbeTimeout, logger)
	if err := prober.Start(); err != nil {
		logger.Fatal("connectivity prober", zap.Error(err))
	}

	weatherService := service.NewWeatherService(source, kv, monitor, service.Config{
		MinCityLen:           cfg.CityMinLength,
		MaxCityLen:           cfg.CityMaxLength,
		DefaultCity:          cfg.DefaultCity,
		Retry:                lookup.RetryPolicy{MaxAttempts: cfg.RetryAttempts, Interval: cfg.RetryInterval},
		FavoritesConcurrency: cfg.FavoritesConcurrency,
		FavoritesTimeout:     cfg.FavoritesTimeout,
	}, logger)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}
	if backend != nil {
		healthConfig.StorePing = func(context.Context) error { return backend.Ping() }
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weatherService, monitor, source, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		TestingMode:    cfg.TestingMode,
	}, logger)

	observability.RegisterTrafficGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("source", cfg.WeatherSourceURL),
			zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	prober.Stop()
	weatherService.Close()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			logger.Error("store close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// openStore opens the configured key-value store. backend is nil for the
// in-memory store, which needs neither ping nor close.
func openStore(cfg *config.Config, logger *zap.Logger) (cache.Cache, kvBackend, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		sq, err := cache.NewSQLiteCache(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store backend: sqlite", zap.String("path", cfg.SQLitePath))
		return sq, sq, nil
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	}
	logger.Info("store backend: in_memory")
	return cache.NewInMemoryCache(), nil, nil
}
