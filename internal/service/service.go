package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/connectivity"
	"github.com/kjstillabower/weather-lookup-service/internal/locate"
	"github.com/kjstillabower/weather-lookup-service/internal/lookup"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/preferences"
	"github.com/kjstillabower/weather-lookup-service/internal/store"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// DefaultSessionID is used when a request names no session.
const DefaultSessionID = "default"

var (
	// ErrClosed is returned once the service has shut down.
	ErrClosed = errors.New("service closed")
	// ErrInvalidSession is returned for session IDs that are too long or contain disallowed characters.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrNoLocation is returned when a geolocation report carries neither a city nor an error.
	ErrNoLocation = errors.New("no location to look up")
)

// Config tunes the service.
type Config struct {
	MinCityLen  int
	MaxCityLen  int
	DefaultCity string
	Retry       lookup.RetryPolicy
	// FavoritesConcurrency bounds parallel lookups for the favorites screen. 0 means unbounded.
	FavoritesConcurrency int
	// FavoritesTimeout bounds the whole favorites fan-out. 0 means no extra bound.
	FavoritesTimeout time.Duration
}

// Session is one device's lookup state and stored data.
type Session struct {
	ID          string
	Controller  *lookup.Controller
	LastResult  *store.LastResult
	Favorites   *store.Favorites
	Recent      *store.Recent
	Preferences *preferences.Manager

	unsubscribe func()
}

// WeatherService manages sessions over one weather source, key-value backend and connectivity monitor.
type WeatherService struct {
	source  client.WeatherSource
	kv      cache.Cache
	monitor *connectivity.Monitor
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewWeatherService creates a WeatherService. logger may be nil.
func NewWeatherService(source client.WeatherSource, kv cache.Cache, monitor *connectivity.Monitor, cfg Config, logger *zap.Logger) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = locate.DefaultCity
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = lookup.DefaultRetryPolicy()
	}
	return &WeatherService{
		source:   source,
		kv:       kv,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for id, creating it on first use. An empty id means DefaultSessionID.
// Creation loads preferences outside the service lock; a storage failure there is logged and
// the defaults are used. Concurrent first uses of one id all get the same session.
func (s *WeatherService) Session(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = DefaultSessionID
	}
	if !validSessionID(id) {
		return nil, ErrInvalidSession
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	logger := s.logger.With(zap.String("session", id))
	ns := store.NewNamespace(s.kv, id)
	sess := &Session{
		ID:          id,
		LastResult:  store.NewLastResult(ns),
		Favorites:   store.NewFavorites(ns),
		Recent:      store.NewRecent(ns),
		Preferences: preferences.NewManager(ns, s.now),
	}
	if err := sess.Preferences.Load(ctx); err != nil {
		logger.Warn("could not load preferences, using defaults", zap.Error(err))
	}
	sess.Controller = lookup.New(s.source, sess.LastResult, s.cfg.Retry, logger, s.monitor.Online())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Controller.Close()
		return nil, ErrClosed
	}
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		sess.Controller.Close()
		return existing, nil
	}
	sess.unsubscribe = s.monitor.SubscribeWithState(sess.Controller.OnConnectivityChange)
	s.sessions[id] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	observability.ActiveSessions.Set(float64(count))
	logger.Info("session created")
	return sess, nil
}

// Search validates city, makes it the session's current lookup and records it as a recent search.
func (s *WeatherService) Search(ctx context.Context, sessionID, city string) (lookup.DisplayState, error) {
	city, err := validation.ValidateCity(city, s.cfg.MinCityLen, s.cfg.MaxCityLen)
	if err != nil {
		return lookup.DisplayState{}, err
	}
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return lookup.DisplayState{}, err
	}
	if err := sess.Controller.Request(ctx, city); err != nil {
		return lookup.DisplayState{}, err
	}
	if err := sess.Recent.Add(ctx, city); err != nil {
		observability.LoggerFromContext(ctx, s.logger).Warn("could not record recent search", zap.String("city", city), zap.Error(err))
	}
	return sess.Controller.DisplayState(), nil
}

// Locate resolves a geolocation report and searches for the resulting city.
// Any geolocation failure falls back to the configured default city.
func (s *WeatherService) Locate(ctx context.Context, sessionID string, report locate.Report) (locate.Resolution, lookup.DisplayState, error) {
	res := locate.ResolveCity(report, s.cfg.DefaultCity)
	if !res.OK {
		return res, lookup.DisplayState{}, ErrNoLocation
	}
	if res.UsedDefault {
		observability.LoggerFromContext(ctx, s.logger).Info("geolocation failed, using default city",
			zap.String("reason", report.Error), zap.String("city", res.City))
	}
	ds, err := s.Search(ctx, sessionID, res.City)
	return res, ds, err
}

// AddFavorite validates city and adds it to the session's favorites.
// Returns the cleaned city and whether it was newly added.
func (s *WeatherService) AddFavorite(ctx context.Context, sessionID, city string) (string, bool, error) {
	city, err := validation.ValidateCity(city, s.cfg.MinCityLen, s.cfg.MaxCityLen)
	if err != nil {
		return "", false, err
	}
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	added, err := sess.Favorites.Add(ctx, city)
	if err != nil {
		return "", false, fmt.Errorf("add favorite: %w", err)
	}
	return city, added, nil
}

// FavoriteWeather is the lookup result for one favorite city.
type FavoriteWeather struct {
	City   string
	Record *models.WeatherRecord
	Err    error
}

// FavoritesWeather looks up every favorite of the session straight from the source, concurrently.
// Results keep the favorites order; each carries its own error.
func (s *WeatherService) FavoritesWeather(ctx context.Context, sessionID string) ([]FavoriteWeather, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cities, err := sess.Favorites.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	if s.cfg.FavoritesTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FavoritesTimeout)
		defer cancel()
	}

	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	results := make([]FavoriteWeather, len(cities))
	var sem chan struct{}
	if s.cfg.FavoritesConcurrency > 0 {
		sem = make(chan struct{}, s.cfg.FavoritesConcurrency)
	}
	var wg sync.WaitGroup
	for i, city := range cities {
		i, city := i, city
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[i] = FavoriteWeather{City: city, Err: ctx.Err()}
					return
				}
			}
			rec, err := s.source.FetchByCity(ctx, city)
			if err != nil {
				results[i] = FavoriteWeather{City: city, Err: err}
				return
			}
			results[i] = FavoriteWeather{City: city, Record: &rec}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Debug("favorites weather fetched",
		zap.Int("cities", len(cities)),
		zap.Int("errors", failed),
		zap.Duration("duration", time.Since(start)),
	)
	return results, nil
}

// SessionCount returns the number of live sessions.
func (s *WeatherService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every session's fetch loops. Further calls return ErrClosed.
func (s *WeatherService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.unsubscribe()
		sess.Controller.Close()
	}
	observability.ActiveSessions.Set(0)
}

func validSessionID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
