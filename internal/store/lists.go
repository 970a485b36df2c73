package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// MaxRecentSearches caps the recent-search list.
const MaxRecentSearches = 5

// cityList is a JSON array of city names under one key. A mutex serializes
// read-modify-write cycles within this process.
type cityList struct {
	ns  *Namespace
	key string
	mu  sync.Mutex
}

func (l *cityList) load(ctx context.Context) ([]string, error) {
	raw, ok, err := l.ns.GetString(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.key, err)
	}
	if !ok {
		return []string{}, nil
	}
	var cities []string
	if err := json.Unmarshal([]byte(raw), &cities); err != nil {
		RecordDecodeFailure("get")
		return []string{}, nil
	}
	if cities == nil {
		cities = []string{}
	}
	return cities, nil
}

func (l *cityList) save(ctx context.Context, cities []string) error {
	raw, err := json.Marshal(cities)
	if err != nil {
		return fmt.Errorf("encode %s: %w", l.key, err)
	}
	if err := l.ns.SetString(ctx, l.key, string(raw)); err != nil {
		return fmt.Errorf("write %s: %w", l.key, err)
	}
	return nil
}

func indexOf(cities []string, city string) int {
	for i, c := range cities {
		if models.SameCity(c, city) {
			return i
		}
	}
	return -1
}

// Favorites is the user's bookmarked cities, in insertion order.
type Favorites struct {
	list cityList
}

// NewFavorites returns the favorites list in ns.
func NewFavorites(ns *Namespace) *Favorites {
	return &Favorites{list: cityList{ns: ns, key: KeyFavoriteCities}}
}

// List returns all favorites.
func (f *Favorites) List(ctx context.Context) ([]string, error) {
	f.list.mu.Lock()
	defer f.list.mu.Unlock()
	return f.list.load(ctx)
}

// Add appends city unless a case-insensitive match is already present. Returns whether it was added.
func (f *Favorites) Add(ctx context.Context, city string) (bool, error) {
	city = strings.TrimSpace(city)
	f.list.mu.Lock()
	defer f.list.mu.Unlock()
	cities, err := f.list.load(ctx)
	if err != nil {
		return false, err
	}
	if indexOf(cities, city) >= 0 {
		return false, nil
	}
	return true, f.list.save(ctx, append(cities, city))
}

// Remove deletes the case-insensitive match for city. Returns whether anything was removed.
func (f *Favorites) Remove(ctx context.Context, city string) (bool, error) {
	f.list.mu.Lock()
	defer f.list.mu.Unlock()
	cities, err := f.list.load(ctx)
	if err != nil {
		return false, err
	}
	i := indexOf(cities, city)
	if i < 0 {
		return false, nil
	}
	cities = append(cities[:i], cities[i+1:]...)
	return true, f.list.save(ctx, cities)
}

// Contains reports whether city is a favorite.
func (f *Favorites) Contains(ctx context.Context, city string) (bool, error) {
	cities, err := f.List(ctx)
	if err != nil {
		return false, err
	}
	return indexOf(cities, city) >= 0, nil
}

// Recent is the most-recent-first list of searched cities.
type Recent struct {
	list cityList
}

// NewRecent returns the recent-search list in ns.
func NewRecent(ns *Namespace) *Recent {
	return &Recent{list: cityList{ns: ns, key: KeyRecentSearches}}
}

// List returns recent searches, most recent first.
func (r *Recent) List(ctx context.Context) ([]string, error) {
	r.list.mu.Lock()
	defer r.list.mu.Unlock()
	return r.list.load(ctx)
}

// Add moves city to the front, dropping any earlier case-insensitive duplicate,
// and trims the list to MaxRecentSearches.
func (r *Recent) Add(ctx context.Context, city string) error {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil
	}
	r.list.mu.Lock()
	defer r.list.mu.Unlock()
	cities, err := r.list.load(ctx)
	if err != nil {
		return err
	}
	out := make([]string, 0, MaxRecentSearches)
	out = append(out, city)
	for _, c := range cities {
		if len(out) == MaxRecentSearches {
			break
		}
		if !models.SameCity(c, city) {
			out = append(out, c)
		}
	}
	return r.list.save(ctx, out)
}
