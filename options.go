package pulse

import (
	"fmt"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Config) error

// WithEndpoint sets the base URL for all endpoints.
//
// Example: pulse.WithEndpoint("https://eu.i.posthog.com")
func WithEndpoint(endpoint string) Option {
	return func(c *Config) error {
		if endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty")
		}
		c.Endpoint = endpoint
		return nil
	}
}

// WithPersonalAPIKey sets the privileged credential that enables local
// flag evaluation and remote config. It is distinct from the project
// token passed to New.
func WithPersonalAPIKey(key string) Option {
	return func(c *Config) error {
		c.PersonalAPIKey = key
		return nil
	}
}

// WithFlushAt sets the queue depth that triggers a flush. Default: 20.
func WithFlushAt(n int) Option {
	return func(c *Config) error {
		c.FlushAt = n
		return nil
	}
}

// WithFlushInterval sets the periodic flush cadence. Default: 30s.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.FlushInterval = d
		return nil
	}
}

// WithMaxBatchSize caps the number of events per HTTP request.
// Default: 100.
func WithMaxBatchSize(n int) Option {
	return func(c *Config) error {
		c.MaxBatchSize = n
		return nil
	}
}

// WithMaxQueueSize bounds the in-memory event queue. When the bound is
// reached the oldest events are dropped. Default: 1000.
func WithMaxQueueSize(n int) Option {
	return func(c *Config) error {
		c.MaxQueueSize = n
		return nil
	}
}

// WithMaxRetries sets the number of retry attempts after the first
// failure. Default: 3.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		c.MaxRetries = n
		return nil
	}
}

// WithRetryDelays sets the first backoff wait and the cap applied to any
// retry wait. Defaults: 1s and 30s.
func WithRetryDelays(initial, max time.Duration) Option {
	return func(c *Config) error {
		c.InitialRetryDelay = initial
		c.MaxRetryDelay = max
		return nil
	}
}

// WithCompression gzips request bodies. Default: off.
func WithCompression(enabled bool) Option {
	return func(c *Config) error {
		c.Compress = enabled
		return nil
	}
}

// WithFlagPollInterval sets the flag-definition loader cadence.
// Default: 30s.
func WithFlagPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("flag poll interval must be positive, got %s", d)
		}
		c.FlagPollInterval = d
		return nil
	}
}

// WithSuperProperties merges the given properties into every event.
// Event-level properties win on conflict.
func WithSuperProperties(props Properties) Option {
	return func(c *Config) error {
		c.SuperProperties = props
		return nil
	}
}

// WithGeoIP re-enables server-side GeoIP enrichment, which the client
// disables by default for server-originated events.
func WithGeoIP(enabled bool) Option {
	return func(c *Config) error {
		c.DisableGeoIP = !enabled
		return nil
	}
}

// WithLogger replaces the default logrus logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithHTTPClient replaces the default HTTP client, e.g. to set a proxy
// or custom timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.HTTPClient = client
		return nil
	}
}

// WithNow replaces the client's time source, pinning event timestamps
// and relative-date flag conditions.
func WithNow(now func() time.Time) Option {
	return func(c *Config) error {
		if now == nil {
			return fmt.Errorf("now function cannot be nil")
		}
		c.Now = now
		return nil
	}
}

// WithTelemetry enables OpenTelemetry instrumentation on the global
// meter and tracer.
func WithTelemetry(enabled bool) Option {
	return func(c *Config) error {
		c.EnableTelemetry = enabled
		return nil
	}
}
