//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	SourceURL     string
	StoreBackend  string // "memory", "sqlite" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_SOURCE_URL is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	sourceURL := os.Getenv("WEATHER_SOURCE_URL")
	if sourceURL == "" {
		t.Skip("WEATHER_SOURCE_URL not set, skipping integration test")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		SourceURL:     sourceURL,
		StoreBackend:  os.Getenv("INTEGRATION_STORE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationBackends creates the real weather source and key-value backend.
// Memcached falls back to SQLite when unreachable.
func SetupIntegrationBackends(t *testing.T, cfg IntegrationTestConfig) (*client.HTTPSource, cache.Cache) {
	source, err := client.NewHTTPSource(cfg.SourceURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}

	switch cfg.StoreBackend {
	case "memory":
		return source, cache.NewInMemoryCache()
	case "memcached":
		mc, _ := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err == nil {
			t.Cleanup(func() { mc.Close() })
			t.Logf("Using memcached at %s", cfg.MemcachedAddr)
			return source, mc
		}
		t.Logf("memcached not available, using sqlite")
	}
	sq, err := cache.NewSQLiteCache(filepath.Join(t.TempDir(), "kv.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteCache() error = %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return source, sq
}
