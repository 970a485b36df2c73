// Package lookup runs weather lookups for one session: fetching with retry,
// showing the last stored result while a lookup is pending or unavailable,
// and pausing while the weather source is unreachable.
package lookup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

// ErrEmptyCity is returned by Request when the city is blank after trimming.
var ErrEmptyCity = errors.New("city is required")

// ResultStore is the single-slot cache of the last successful record.
// Get reports malformed data as absent; errors are backend failures only.
type ResultStore interface {
	Get(ctx context.Context) (models.WeatherRecord, bool, error)
	Set(ctx context.Context, rec models.WeatherRecord) error
}

// loop is one fetch-with-retry run for a query. Only the controller's current
// loop makes further attempts. A loop that is no longer current (frozen by a
// connectivity drop, or replaced) may still settle a definitive answer while its
// city is the one loading; anything else it produces is dropped.
type loop struct {
	query Query
}

// Controller owns the lookup state of one session. Safe for concurrent use.
type Controller struct {
	source client.WeatherSource
	store  ResultStore
	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	fetch   FetchState
	cached  *models.WeatherRecord
	online  bool
	current *loop
	subs    map[int]func(DisplayState)
	nextSub int
}

// New returns an idle Controller. online is the connectivity state at creation;
// later changes arrive through OnConnectivityChange.
func New(source client.WeatherSource, store ResultStore, policy RetryPolicy, logger *zap.Logger, online bool) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source: source,
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		online: online,
		subs:   make(map[int]func(DisplayState)),
	}
}

// Request makes city the current query. The last stored record is read
// immediately so a matching one can be shown while the fetch runs. When offline
// no fetch starts until connectivity returns. Requesting the city that is
// already loading is a no-op.
func (c *Controller) Request(ctx context.Context, city string) error {
	city = strings.TrimSpace(city)
	if city == "" {
		return ErrEmptyCity
	}
	key := models.NormalizeCity(city)

	cached := c.readCache(ctx)

	c.mu.Lock()
	if c.fetch.Status == StatusLoading && c.fetch.Query.Key() == key {
		c.mu.Unlock()
		c.logger.Debug("lookup already in progress", zap.String("city", city))
		return nil
	}
	var previous string
	if c.fetch.Status == StatusLoading {
		previous = c.fetch.Query.City
	}
	q := Query{ID: ulid.Make().String(), City: city, StartedAt: c.now()}
	c.fetch = FetchState{Query: q, Status: StatusLoading}
	c.cached = cached
	c.current = nil
	online := c.online
	var l *loop
	if online {
		l = c.startLocked(q)
	}
	ds := c.displayLocked()
	c.mu.Unlock()

	logger := c.logger.With(zap.String("query_id", q.ID), zap.String("city", city))
	observability.RecordLookupRequest(city)
	if previous != "" {
		logger.Debug("superseding query", zap.String("previous_city", previous))
	}
	if ds.IsShowingCachedFallback {
		reason := "loading"
		if !online {
			reason = "offline"
		}
		observability.CacheFallbackServesTotal.WithLabelValues(reason).Inc()
		logger.Info("showing cached record while loading", zap.Bool("offline", !online))
	}
	if l == nil {
		logger.Info("offline, lookup deferred until connectivity returns")
	} else {
		logger.Debug("lookup started")
	}
	c.notify(ds)
	return nil
}

// OnConnectivityChange records the new connectivity state. Repeated identical
// notifications do nothing. Going offline freezes the running fetch; coming back
// online restarts a pending lookup with a fresh retry budget.
func (c *Controller) OnConnectivityChange(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	restarted := false
	if !online {
		c.current = nil
	} else if c.fetch.Status == StatusLoading && c.current == nil {
		c.startLocked(c.fetch.Query)
		restarted = true
	}
	ds := c.displayLocked()
	c.mu.Unlock()

	if restarted {
		c.logger.Info("connectivity restored, restarting lookup", zap.String("city", ds.City))
	}
	if !online && ds.IsShowingCachedFallback {
		observability.CacheFallbackServesTotal.WithLabelValues("offline").Inc()
	}
	c.notify(ds)
}

// DisplayState returns what should be rendered now.
func (c *Controller) DisplayState() DisplayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayLocked()
}

// Subscribe registers fn to receive the display state after every change.
// fn runs on the goroutine that made the change; calls from different goroutines may interleave.
func (c *Controller) Subscribe(fn func(DisplayState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait blocks until no fetch loop is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops all fetch loops and waits for them to exit. State is left as is.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) startLocked(q Query) *loop {
	l := &loop{query: q}
	c.current = l
	c.wg.Add(1)
	go c.run(l)
	return l
}

func (c *Controller) run(l *loop) {
	defer c.wg.Done()
	ctx := observability.WithCorrelationID(c.ctx, l.query.ID)
	logger := c.logger.With(zap.String("query_id", l.query.ID), zap.String("city", l.query.City))

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			observability.LookupRetriesTotal.Inc()
		}
		rec, err := c.source.FetchByCity(ctx, l.query.City)
		if ctx.Err() != nil {
			return
		}

		if err == nil || errors.Is(err, client.ErrCityNotFound) {
			if !c.accepts(l) {
				c.dropStale(logger)
				return
			}
			if err != nil {
				c.settle(l, StatusFailed, ReasonCityNotFound, nil, logger)
				return
			}
			if serr := c.store.Set(ctx, rec); serr != nil {
				logger.Warn("could not store last result", zap.Error(serr))
			}
			c.settle(l, StatusSuccess, ReasonNone, &rec, logger)
			return
		}

		if !c.isCurrent(l) {
			c.dropStale(logger)
			return
		}
		if !c.policy.ShouldRetry(attempt, err) {
			logger.Warn("lookup unavailable after retries", zap.Int("attempts", attempt), zap.Error(err))
			c.settle(l, StatusFailed, ReasonUnavailable, nil, logger)
			return
		}

		logger.Debug("lookup attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		if !sleep(ctx, c.policy.Delay(attempt)) {
			return
		}
		if !c.isCurrent(l) {
			logger.Debug("lookup stopped before next attempt")
			return
		}
	}
}

// settle commits the final outcome of l. Success and CITY_NOT_FOUND are taken
// whenever l's city is still loading; UNAVAILABLE only from the current loop.
func (c *Controller) settle(l *loop, status Status, reason FailureReason, rec *models.WeatherRecord, logger *zap.Logger) {
	var cached *models.WeatherRecord
	if reason == ReasonUnavailable {
		cached = c.readCache(c.ctx)
	}

	c.mu.Lock()
	ok := c.acceptsLocked(l)
	if reason == ReasonUnavailable {
		ok = ok && c.current == l
	}
	if !ok {
		c.mu.Unlock()
		c.dropStale(logger)
		return
	}
	c.current = nil
	c.fetch.Status = status
	c.fetch.Reason = reason
	c.fetch.Record = rec
	if reason == ReasonUnavailable {
		c.cached = cached
	}
	ds := c.displayLocked()
	c.mu.Unlock()

	switch {
	case status == StatusSuccess:
		observability.LookupOutcomesTotal.WithLabelValues("success").Inc()
		traffic.RecordSuccess()
		logger.Debug("lookup succeeded")
	case reason == ReasonCityNotFound:
		observability.LookupOutcomesTotal.WithLabelValues("city_not_found").Inc()
		traffic.RecordSuccess()
		logger.Info("city not found")
	default:
		observability.LookupOutcomesTotal.WithLabelValues("unavailable").Inc()
		traffic.RecordFailure()
		if ds.IsShowingCachedFallback {
			observability.CacheFallbackServesTotal.WithLabelValues("unavailable").Inc()
			logger.Info("showing cached record after failed lookup")
		}
	}
	c.notify(ds)
}

// accepts reports whether l's city is still the one loading.
func (c *Controller) accepts(l *loop) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acceptsLocked(l)
}

func (c *Controller) acceptsLocked(l *loop) bool {
	return c.fetch.Status == StatusLoading && models.SameCity(l.query.City, c.fetch.Query.City)
}

func (c *Controller) isCurrent(l *loop) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == l
}

func (c *Controller) dropStale(logger *zap.Logger) {
	observability.StaleResponsesDroppedTotal.Inc()
	logger.Debug("dropping result of superseded or frozen lookup")
}

// readCache returns the stored record, or nil when absent or unreadable.
func (c *Controller) readCache(ctx context.Context) *models.WeatherRecord {
	rec, ok, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Warn("could not read last result", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &rec
}

func (c *Controller) displayLocked() DisplayState {
	return DeriveDisplayState(c.fetch, c.cached, c.online)
}

func (c *Controller) notify(ds DisplayState) {
	c.mu.Lock()
	subs := make([]func(DisplayState), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ds)
	}
}

// sleep waits for d. Returns false if ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
