package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/connectivity"
	"github.com/kjstillabower/weather-lookup-service/internal/locate"
	"github.com/kjstillabower/weather-lookup-service/internal/lookup"
	"github.com/kjstillabower/weather-lookup-service/internal/preferences"
	"github.com/kjstillabower/weather-lookup-service/internal/testhelpers"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

func testConfig() Config {
	return Config{
		MinCityLen: 1,
		MaxCityLen: 100,
		Retry:      lookup.RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Millisecond},
	}
}

func newTestService(t *testing.T, src client.WeatherSource, online bool) (*WeatherService, *connectivity.Monitor) {
	t.Helper()
	mon := connectivity.NewMonitor(online)
	svc := NewWeatherService(src, cache.NewInMemoryCache(), mon, testConfig(), nil)
	t.Cleanup(svc.Close)
	return svc, mon
}

func listingSource() *testhelpers.ScriptedSource {
	src := testhelpers.NewScriptedSource()
	for _, rec := range testhelpers.Listing {
		src.On(rec.City, testhelpers.Found(rec))
	}
	return src
}

func TestWeatherService_Session_LazyAndReused(t *testing.T) {
	svc, _ := newTestService(t, listingSource(), true)
	ctx := context.Background()

	a, err := svc.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if a.ID != DefaultSessionID {
		t.Errorf("ID = %q, want %q", a.ID, DefaultSessionID)
	}
	b, _ := svc.Session(ctx, DefaultSessionID)
	if a != b {
		t.Error("Session() returned a different session for the same id")
	}
	if _, err := svc.Session(ctx, "phone-2"); err != nil {
		t.Fatalf("Session(phone-2) error = %v", err)
	}
	if n := svc.SessionCount(); n != 2 {
		t.Errorf("SessionCount() = %d, want 2", n)
	}
}

// gatedCache blocks reads of keys under prefix until the gate is opened.
type gatedCache struct {
	*cache.InMemoryCache
	prefix string
	gate   chan struct{}
}

func (g *gatedCache) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasPrefix(key, g.prefix) {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return g.InMemoryCache.Get(ctx, key)
}

// TestWeatherService_Session_SlowStoreDoesNotBlockOthers verifies creating a
// session against a slow store leaves other sessions usable, and concurrent
// first uses of one id share a session.
func TestWeatherService_Session_SlowStoreDoesNotBlockOthers(t *testing.T) {
	kv := &gatedCache{InMemoryCache: cache.NewInMemoryCache(), prefix: "slow:", gate: make(chan struct{})}
	svc := NewWeatherService(listingSource(), kv, connectivity.NewMonitor(true), testConfig(), nil)
	t.Cleanup(svc.Close)
	ctx := context.Background()

	var wg sync.WaitGroup
	slow := make([]*Session, 2)
	for i := range slow {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := svc.Session(ctx, "slow")
			if err != nil {
				t.Errorf("Session(slow) error = %v", err)
			}
			slow[i] = sess
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Session(ctx, "fast")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Session(fast) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Session(fast) blocked behind a slow session")
	}

	close(kv.gate)
	wg.Wait()
	if slow[0] == nil || slow[0] != slow[1] {
		t.Errorf("concurrent Session(slow) returned %p and %p, want the same session", slow[0], slow[1])
	}
	if n := svc.SessionCount(); n != 2 {
		t.Errorf("SessionCount() = %d, want 2", n)
	}
}

// TestWeatherService_SessionsTrackConcurrentTransitions verifies sessions
// created while connectivity flips end on the monitor's final state.
func TestWeatherService_SessionsTrackConcurrentTransitions(t *testing.T) {
	svc, mon := newTestService(t, listingSource(), true)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			mon.Publish(i%2 == 1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := svc.Session(ctx, fmt.Sprintf("s%d", i)); err != nil {
				t.Errorf("Session() error = %v", err)
			}
		}
	}()
	wg.Wait()

	want := !mon.Online()
	for i := 0; i < 20; i++ {
		sess, _ := svc.Session(ctx, fmt.Sprintf("s%d", i))
		if got := sess.Controller.DisplayState().IsOffline; got != want {
			t.Errorf("session s%d IsOffline = %v, want %v", i, got, want)
		}
	}
}

func TestWeatherService_Session_InvalidID(t *testing.T) {
	svc, _ := newTestService(t, listingSource(), true)
	for _, id := range []string{"has space", "semi;colon", string(make([]byte, 65))} {
		if _, err := svc.Session(context.Background(), id); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Session(%q) error = %v, want ErrInvalidSession", id, err)
		}
	}
}

func TestWeatherService_Search(t *testing.T) {
	src := listingSource()
	svc, _ := newTestService(t, src, true)
	ctx := context.Background()

	ds, err := svc.Search(ctx, "s1", "  Paris ")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if ds.City != "Paris" {
		t.Errorf("City = %q, want Paris", ds.City)
	}

	sess, _ := svc.Session(ctx, "s1")
	sess.Controller.Wait()
	if got := sess.Controller.DisplayState(); got.Status != lookup.StatusSuccess {
		t.Errorf("status = %v, want success", got.Status)
	}
	recent, _ := sess.Recent.List(ctx)
	if !reflect.DeepEqual(recent, []string{"Paris"}) {
		t.Errorf("recent = %v, want [Paris]", recent)
	}
}

func TestWeatherService_Search_InvalidCity(t *testing.T) {
	src := listingSource()
	svc, _ := newTestService(t, src, true)

	_, err := svc.Search(context.Background(), "s1", "Par/is")
	if !errors.Is(err, validation.ErrCityInvalidChars) {
		t.Fatalf("Search() error = %v, want ErrCityInvalidChars", err)
	}
	if n := len(src.Calls()); n != 0 {
		t.Errorf("source calls = %d, want 0", n)
	}
}

// TestWeatherService_SessionsAreIsolated verifies one session's last result is
// not used as another session's fallback.
func TestWeatherService_SessionsAreIsolated(t *testing.T) {
	src := listingSource()
	svc, mon := newTestService(t, src, true)
	ctx := context.Background()

	_, _ = svc.Search(ctx, "a", "London")
	a, _ := svc.Session(ctx, "a")
	a.Controller.Wait()

	mon.Publish(false)
	ds, _ := svc.Search(ctx, "b", "London")
	if ds.IsShowingCachedFallback {
		t.Error("session b shows session a's cached record")
	}
	if !ds.IsOffline {
		t.Error("IsOffline = false for a session created while offline")
	}
}

// TestWeatherService_ConnectivityReachesControllers verifies monitor transitions
// drive every session's controller.
func TestWeatherService_ConnectivityReachesControllers(t *testing.T) {
	src := listingSource()
	svc, mon := newTestService(t, src, false)
	ctx := context.Background()

	_, _ = svc.Search(ctx, "s1", "Tokyo")
	sess, _ := svc.Session(ctx, "s1")
	if n := src.CallCount("Tokyo"); n != 0 {
		t.Fatalf("source calls while offline = %d, want 0", n)
	}

	mon.Publish(true)
	sess.Controller.Wait()
	ds := sess.Controller.DisplayState()
	if ds.Status != lookup.StatusSuccess || ds.IsOffline {
		t.Errorf("DisplayState() = %+v, want success online", ds)
	}
}

func TestWeatherService_Locate(t *testing.T) {
	src := listingSource()
	svc, _ := newTestService(t, src, true)
	ctx := context.Background()

	res, ds, err := svc.Locate(ctx, "s1", locate.Report{Error: "permission denied"})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if !res.UsedDefault || res.City != "London" || ds.City != "London" {
		t.Errorf("Locate() = %+v / %+v, want default London", res, ds)
	}

	res, _, err = svc.Locate(ctx, "s1", locate.Report{City: "Tokyo"})
	if err != nil || res.City != "Tokyo" || res.UsedDefault {
		t.Errorf("Locate(Tokyo) = %+v, %v", res, err)
	}

	if _, _, err := svc.Locate(ctx, "s1", locate.Report{}); !errors.Is(err, ErrNoLocation) {
		t.Errorf("Locate(empty) error = %v, want ErrNoLocation", err)
	}
}

// TestWeatherService_FavoritesWeather verifies results follow favorites order and
// carry per-city errors.
func TestWeatherService_FavoritesWeather(t *testing.T) {
	src := listingSource()
	src.On("Oslo", testhelpers.Fail(fmt.Errorf("%w: HTTP 502", client.ErrUpstreamFailure)))
	svc, _ := newTestService(t, src, true)
	ctx := context.Background()

	sess, _ := svc.Session(ctx, "s1")
	for _, c := range []string{"Tokyo", "Oslo", "London"} {
		_, _ = sess.Favorites.Add(ctx, c)
	}

	got, err := svc.FavoritesWeather(ctx, "s1")
	if err != nil {
		t.Fatalf("FavoritesWeather() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].City != "Tokyo" || got[0].Record == nil || got[0].Record.Temperature != 22 {
		t.Errorf("got[0] = %+v, want Tokyo record", got[0])
	}
	if got[1].City != "Oslo" || !errors.Is(got[1].Err, client.ErrUpstreamFailure) {
		t.Errorf("got[1] = %+v, want Oslo upstream error", got[1])
	}
	if got[2].City != "London" || got[2].Record == nil {
		t.Errorf("got[2] = %+v, want London record", got[2])
	}
}

func TestWeatherService_AddFavorite(t *testing.T) {
	svc, _ := newTestService(t, listingSource(), true)
	ctx := context.Background()

	city, added, err := svc.AddFavorite(ctx, "s1", "  Paris ")
	if err != nil || !added || city != "Paris" {
		t.Fatalf("AddFavorite() = %q, %v, %v; want Paris, true, nil", city, added, err)
	}
	if _, added, _ := svc.AddFavorite(ctx, "s1", "PARIS"); added {
		t.Error("case-insensitive duplicate was added")
	}
	if _, _, err := svc.AddFavorite(ctx, "s1", "Par<is>"); !errors.Is(err, validation.ErrCityInvalidChars) {
		t.Errorf("AddFavorite(invalid) error = %v, want ErrCityInvalidChars", err)
	}

	sess, _ := svc.Session(ctx, "s1")
	got, _ := sess.Favorites.List(ctx)
	if len(got) != 1 || got[0] != "Paris" {
		t.Errorf("favorites = %v, want [Paris]", got)
	}
}

func TestWeatherService_FavoritesWeather_Bounded(t *testing.T) {
	src := listingSource()
	mon := connectivity.NewMonitor(true)
	cfg := testConfig()
	cfg.FavoritesConcurrency = 1
	svc := NewWeatherService(src, cache.NewInMemoryCache(), mon, cfg, nil)
	defer svc.Close()
	ctx := context.Background()

	sess, _ := svc.Session(ctx, "s1")
	for _, rec := range testhelpers.Listing {
		_, _ = sess.Favorites.Add(ctx, rec.City)
	}
	got, err := svc.FavoritesWeather(ctx, "s1")
	if err != nil {
		t.Fatalf("FavoritesWeather() error = %v", err)
	}
	for i, r := range got {
		if r.Err != nil || r.Record == nil || r.City != testhelpers.Listing[i].City {
			t.Errorf("got[%d] = %+v", i, r)
		}
	}
}

func TestWeatherService_PreferencesPersistAcrossServices(t *testing.T) {
	kv := cache.NewInMemoryCache()
	ctx := context.Background()

	svc1 := NewWeatherService(listingSource(), kv, connectivity.NewMonitor(true), testConfig(), nil)
	sess, _ := svc1.Session(ctx, "s1")
	if _, err := sess.Preferences.ToggleUnit(ctx); err != nil {
		t.Fatalf("ToggleUnit() error = %v", err)
	}
	svc1.Close()

	svc2 := NewWeatherService(listingSource(), kv, connectivity.NewMonitor(true), testConfig(), nil)
	defer svc2.Close()
	sess2, _ := svc2.Session(ctx, "s1")
	if u := sess2.Preferences.Unit(); u != preferences.Fahrenheit {
		t.Errorf("Unit() = %s, want F", u)
	}
}

func TestWeatherService_Close(t *testing.T) {
	svc, _ := newTestService(t, listingSource(), true)
	_, _ = svc.Session(context.Background(), "s1")
	svc.Close()
	svc.Close()
	if _, err := svc.Session(context.Background(), "s2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Session() after Close error = %v, want ErrClosed", err)
	}
}
