package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and environment.
type Config struct {
	TestingMode bool
	LogLevel    string

	ServerPort string `validate:"required,numeric"`

	WeatherSourceURL     string        `validate:"required,url"`
	WeatherSourceTimeout time.Duration `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`

	StoreBackend          string `validate:"oneof=memory sqlite memcached"`
	SQLitePath            string `validate:"required_if=StoreBackend sqlite"`
	MemcachedAddrs        string `validate:"required_if=StoreBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts int           `validate:"gte=1,lte=10"`
	RetryInterval time.Duration `validate:"gte=0"`

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RateLimitRPS   int `validate:"gte=0"`
	RateLimitBurst int `validate:"gte=0"`

	ConnectivityProbeInterval time.Duration `validate:"gt=0"`
	ConnectivityProbeTimeout  time.Duration `validate:"gt=0"`

	CityMinLength int `validate:"gte=1"`
	CityMaxLength int `validate:"gtefield=CityMinLength"`
	DefaultCity   string `validate:"required"`

	FavoritesConcurrency int `validate:"gte=0"`
	FavoritesTimeout     time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int `validate:"gte=1,lte=100"`
	DegradedWindow       time.Duration
	DegradedErrorPct     int `validate:"gte=1,lte=100"`

	TrackedCities []string
}

type fileConfig struct {
	TestingMode *bool  `yaml:"testing_mode"`
	LogLevel    string `yaml:"log_level"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherSource struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_source"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		SQLite  struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Lookup struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryInterval    string `yaml:"retry_interval"`
		CityMinLength    int    `yaml:"city_min_length"`
		CityMaxLength    int    `yaml:"city_max_length"`
		DefaultCity      string `yaml:"default_city"`
	} `yaml:"lookup"`

	Favorites struct {
		Concurrency int    `yaml:"concurrency"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"favorites"`

	Reliability struct {
		CoalesceEnabled *bool  `yaml:"coalesce_enabled"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		CircuitBreaker  struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Connectivity struct {
		ProbeInterval string `yaml:"probe_interval"`
		ProbeTimeout  string `yaml:"probe_timeout"`
	} `yaml:"connectivity"`

	Shutdown struct {
		Timeout                 string `yaml:"timeout"`
		InFlightTimeout         string `yaml:"in_flight_timeout"`
		InFlightCheckInterval   string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

// Load reads config/{ENV_NAME}.yaml (default dev) relative to the working directory.
// A .env file in the working directory is loaded into the environment first when present;
// variables already set win. Environment overrides: WEATHER_SOURCE_URL, STORE_BACKEND,
// SQLITE_PATH, MEMCACHED_ADDRS, DEFAULT_CITY, LOG_LEVEL. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(fc)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}
	cfg.LogLevel = fc.LogLevel

	cfg.ServerPort = stringOr(fc.Server.Port, "8080")

	cfg.WeatherSourceURL = stringOr(fc.WeatherSource.URL, "http://localhost:3000")
	cfg.WeatherSourceTimeout = parseDuration(fc.WeatherSource.Timeout, 2*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.StoreBackend = strings.ToLower(stringOr(fc.Store.Backend, "memory"))
	cfg.SQLitePath = stringOr(fc.Store.SQLite.Path, "data/weather-lookup.db")
	cfg.MemcachedAddrs = stringOr(fc.Store.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = intOr(fc.Store.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = intOr(fc.Lookup.RetryMaxAttempts, 3)
	cfg.RetryInterval = parseDuration(fc.Lookup.RetryInterval, time.Second)
	cfg.CityMinLength = intOr(fc.Lookup.CityMinLength, 1)
	cfg.CityMaxLength = intOr(fc.Lookup.CityMaxLength, 100)
	cfg.DefaultCity = stringOr(fc.Lookup.DefaultCity, "London")

	cfg.FavoritesConcurrency = intOr(fc.Favorites.Concurrency, 4)
	cfg.FavoritesTimeout = parseDuration(fc.Favorites.Timeout, 10*time.Second)

	cfg.CoalesceEnabled = boolOr(fc.Reliability.CoalesceEnabled, true)
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 5*time.Second)
	cfg.CircuitBreakerEnabled = boolOr(fc.Reliability.CircuitBreaker.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = intOr(fc.Reliability.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = intOr(fc.Reliability.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)
	cfg.RateLimitRPS = intOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = intOr(fc.Reliability.RateLimitBurst, 250)

	cfg.ConnectivityProbeInterval = parseDuration(fc.Connectivity.ProbeInterval, 10*time.Second)
	cfg.ConnectivityProbeTimeout = parseDuration(fc.Connectivity.ProbeTimeout, 2*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = intOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = intOr(fc.Lifecycle.DegradedErrorPct, 50)

	cfg.TrackedCities = fc.Metrics.TrackedCities
	return cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("WEATHER_SOURCE_URL")); v != "" {
		cfg.WeatherSourceURL = v
	}
	if v := strings.TrimSpace(strings.ToLower(os.Getenv("STORE_BACKEND"))); v != "" {
		cfg.StoreBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLITE_PATH")); v != "" {
		cfg.SQLitePath = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")); v != "" {
		cfg.MemcachedAddrs = v
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_CITY")); v != "" {
		cfg.DefaultCity = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

var structValidator = validator.New()

// validate checks field constraints and relationships between fields.
// RequestTimeout is raised above the source timeout when needed rather than rejected.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherSourceTimeout {
		cfg.RequestTimeout = cfg.WeatherSourceTimeout + time.Second
	}
	return nil
}

func stringOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func intOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func boolOr(b *bool, def bool) bool {
	if b != nil {
		return *b
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
