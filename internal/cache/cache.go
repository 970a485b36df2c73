package cache

import (
	"context"
	"sync"
)

// Cache is a string key-value blob store. Values are opaque text; callers own the encoding.
// Get returns (value, true, nil) on hit and ("", false, nil) on miss. Entries never expire.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
}

// InMemoryCache implements Cache using a map. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]string),
	}
}

// Get retrieves the value for key.
func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.RLock()
	v, ok := c.data[key]
	c.mu.RUnlock()
	return v, ok, nil
}

// Set stores value under key, replacing any previous value.
func (c *InMemoryCache) Set(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
