package pulse

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOptions(t *testing.T, opts ...Option) Config {
	t.Helper()
	cfg := defaultConfig()
	for _, opt := range opts {
		require.NoError(t, opt(&cfg))
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "https://us.i.posthog.com", cfg.Endpoint)
	assert.Equal(t, 20, cfg.FlushAt)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, 1000, cfg.MaxQueueSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.FlagPollInterval)
	assert.True(t, cfg.DisableGeoIP)
	assert.False(t, cfg.Compress)
	require.NoError(t, cfg.Validate())
}

func TestOptionsApply(t *testing.T) {
	httpClient := &http.Client{Timeout: time.Minute}
	cfg := applyOptions(t,
		WithEndpoint("https://eu.i.posthog.com/"),
		WithPersonalAPIKey("phx_k"),
		WithFlushAt(50),
		WithFlushInterval(5*time.Second),
		WithMaxBatchSize(200),
		WithMaxQueueSize(5000),
		WithMaxRetries(7),
		WithRetryDelays(500*time.Millisecond, time.Minute),
		WithCompression(true),
		WithFlagPollInterval(10*time.Second),
		WithGeoIP(true),
		WithHTTPClient(httpClient),
		WithTelemetry(true),
	)

	cfg.normalize()
	assert.Equal(t, "https://eu.i.posthog.com", cfg.Endpoint)
	assert.Equal(t, "phx_k", cfg.PersonalAPIKey)
	assert.Equal(t, 50, cfg.FlushAt)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 200, cfg.MaxBatchSize)
	assert.Equal(t, 5000, cfg.MaxQueueSize)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, time.Minute, cfg.MaxRetryDelay)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 10*time.Second, cfg.FlagPollInterval)
	assert.False(t, cfg.DisableGeoIP)
	assert.Same(t, httpClient, cfg.HTTPClient)
	assert.True(t, cfg.EnableTelemetry)
}

func TestOptionErrors(t *testing.T) {
	cfg := defaultConfig()
	assert.Error(t, WithEndpoint("")(&cfg))
	assert.Error(t, WithFlagPollInterval(0)(&cfg))
	assert.Error(t, WithLogger(nil)(&cfg))
	assert.Error(t, WithHTTPClient(nil)(&cfg))
	assert.Error(t, WithNow(nil)(&cfg))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }},
		{"zero flush-at", func(c *Config) { c.FlushAt = 0 }},
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"queue below flush-at", func(c *Config) { c.MaxQueueSize = c.FlushAt - 1 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"max delay below initial", func(c *Config) { c.MaxRetryDelay = c.InitialRetryDelay - 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPropertiesHelpers(t *testing.T) {
	p := NewProperties().Set("a", 1).Set("b", "x")
	p.Merge(Properties{"b": "y", "c": true})
	assert.Equal(t, Properties{"a": 1, "b": "y", "c": true}, p)

	clone := p.clone()
	clone["a"] = 2
	assert.Equal(t, 1, p["a"])
}
