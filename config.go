package pulse

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config holds the complete recognized configuration of a Client. Use the
// functional options with New; the zero value is filled by defaults.
type Config struct {
	// Endpoint is the base URL all paths are relative to.
	Endpoint string

	// PersonalAPIKey enables local flag evaluation and remote config.
	// Without it the definition loader is disabled and every flag query
	// goes to the remote decide endpoint.
	PersonalAPIKey string

	// FlushAt is the queue depth that triggers a flush.
	FlushAt int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration

	// MaxBatchSize caps events per HTTP request.
	MaxBatchSize int

	// MaxQueueSize bounds the in-memory queue; overflow drops the oldest.
	MaxQueueSize int

	// MaxRetries is the number of retry attempts after the first failure.
	MaxRetries int

	// InitialRetryDelay is the first backoff wait.
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps any retry wait, server-directed or not.
	MaxRetryDelay time.Duration

	// Compress gzips request bodies.
	Compress bool

	// FlagPollInterval is the definition loader cadence.
	FlagPollInterval time.Duration

	// SuperProperties are merged into every event's properties; event
	// properties win on conflict.
	SuperProperties Properties

	// DisableGeoIP controls the $geoip_disable property on events.
	// Enabled by default; an explicit caller-set value is preserved.
	DisableGeoIP bool

	Logger     Logger
	HTTPClient *http.Client

	// Now is the client's time source; nil means time.Now. Replaced in
	// tests to pin timestamps and relative-date evaluation.
	Now func() time.Time

	// EnableTelemetry turns on OpenTelemetry instrumentation against the
	// global meter and tracer.
	EnableTelemetry bool
}

func defaultConfig() Config {
	return Config{
		Endpoint:          "https://us.i.posthog.com",
		FlushAt:           20,
		FlushInterval:     30 * time.Second,
		MaxBatchSize:      100,
		MaxQueueSize:      1000,
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     30 * time.Second,
		FlagPollInterval:  30 * time.Second,
		DisableGeoIP:      true,
	}
}

// Validate checks the configuration for values the client cannot run
// with.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if c.FlushAt <= 0 {
		return fmt.Errorf("flush-at must be positive, got %d", c.FlushAt)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max-batch-size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxQueueSize < c.FlushAt {
		return fmt.Errorf("max-queue-size %d smaller than flush-at %d", c.MaxQueueSize, c.FlushAt)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		return fmt.Errorf("max-retry-delay %s smaller than initial-retry-delay %s",
			c.MaxRetryDelay, c.InitialRetryDelay)
	}
	return nil
}

func (c *Config) normalize() {
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
}
