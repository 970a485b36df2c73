// Package store holds the per-session records kept in the key-value blob store:
// the last successful lookup, favorite cities, and recent searches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Keys inside a session namespace.
const (
	KeyLastSearch     = "lastSearch"
	KeyFavoriteCities = "favoriteCities"
	KeyRecentSearches = "recentSearches"
)

// Namespace scopes a Cache to one session. Every access is timed and failures are counted.
type Namespace struct {
	cache  cache.Cache
	prefix string
}

// NewNamespace returns a view of c where every key is prefixed with session.
func NewNamespace(c cache.Cache, session string) *Namespace {
	return &Namespace{cache: c, prefix: session + ":"}
}

// Key returns the backend key for k.
func (n *Namespace) Key(k string) string {
	return n.prefix + k
}

// GetString reads the raw value for k.
func (n *Namespace) GetString(ctx context.Context, k string) (string, bool, error) {
	start := time.Now()
	v, ok, err := n.cache.Get(ctx, n.Key(k))
	observe("get", start, err)
	return v, ok, err
}

// SetString writes the raw value for k.
func (n *Namespace) SetString(ctx context.Context, k, v string) error {
	start := time.Now()
	err := n.cache.Set(ctx, n.Key(k), v)
	observe("set", start, err)
	return err
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		observability.StoreErrorsTotal.WithLabelValues(op, errorCategory(err)).Inc()
	}
	observability.StoreOperationDurationSeconds.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func errorCategory(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "backend"
}

// RecordDecodeFailure counts a stored value that could not be decoded and was treated as absent.
func RecordDecodeFailure(op string) {
	observability.StoreErrorsTotal.WithLabelValues(op, "decode").Inc()
}
