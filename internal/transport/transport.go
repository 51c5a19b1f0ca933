// Package transport performs resilient JSON exchanges with the analytics
// backend. It knows nothing about events or flags: a single POST/GET pair
// with gzip, retry on transient failures, Retry-After honoring, and capped
// exponential backoff.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger is the slice of logging the transport needs. The facade's
// configured logger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls a transport Client. Zero values fall back to defaults.
type Config struct {
	HTTPClient        *http.Client
	UserAgent         string
	Compress          bool
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	Logger            Logger

	// Now and Sleep are the transport's time boundary; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client posts and fetches JSON documents with retries.
type Client struct {
	httpClient *http.Client
	userAgent  string
	compress   bool
	maxRetries int
	initDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// FetchResult describes the HTTP outcome of a successful exchange.
type FetchResult struct {
	StatusCode  int
	ETag        string
	NotModified bool
}

// New builds a Client from cfg, applying defaults for unset fields.
func New(cfg Config) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		compress:   cfg.Compress,
		maxRetries: cfg.MaxRetries,
		initDelay:  cfg.InitialRetryDelay,
		maxDelay:   cfg.MaxRetryDelay,
		logger:     cfg.Logger,
		now:        cfg.Now,
		sleep:      cfg.Sleep,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.initDelay <= 0 {
		c.initDelay = time.Second
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// PostJSON serializes payload as compact JSON, posts it to url and decodes
// a 2xx response body into out. Transient failures are retried up to
// MaxRetries times.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, url, body, nil, out)
	return err
}

// GetJSON fetches url with the given extra headers and decodes a 2xx body
// into out. A 304 reports NotModified without touching out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) (*FetchResult, error) {
	return c.do(ctx, http.MethodGet, url, nil, header, out)
}

// do is the retry loop shared by both verbs. Every iteration either
// returns, fails, or schedules another attempt; the closing panic guards
// the invariant that no path falls out of the loop silently.
func (c *Client) do(ctx context.Context, method, url string, body []byte, header http.Header, out any) (*FetchResult, error) {
	bo := newBackoff(c.initDelay, c.maxDelay)
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		res, retryAfter, hasRetryAfter, err := c.attempt(ctx, method, url, body, header, out)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		wait := bo.delay(retryAfter, hasRetryAfter)
		c.logger.Debugf("pulse: %s %s failed (%v), retrying in %s", method, url, err, wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		panic("transport: retry loop exited without result or error")
	}
	return nil, fmt.Errorf("%s %s: giving up after %d attempts: %w", method, url, c.maxRetries+1, lastErr)
}

// attempt performs one HTTP exchange. The response body is always fully
// consumed and closed before returning, including on error paths.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, header http.Header, out any) (*FetchResult, time.Duration, bool, error) {
	var reader io.Reader
	compressed := false
	if body != nil {
		if c.compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(body); err != nil {
				return nil, 0, false, fmt.Errorf("compress request body: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, 0, false, fmt.Errorf("compress request body: %w", err)
			}
			reader = &buf
			compressed = true
		} else {
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, false, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (not cancellation) are retryable.
		return nil, 0, false, &netError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, false, &netError{err: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return nil, 0, false, fmt.Errorf("decode response: %w", err)
			}
		}
		c.logger.Debugf("pulse: %s %s -> %d (%s)", method, url, resp.StatusCode, humanize.Bytes(uint64(len(body))))
		return &FetchResult{StatusCode: resp.StatusCode, ETag: resp.Header.Get("ETag")}, 0, false, nil

	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{StatusCode: resp.StatusCode, ETag: resp.Header.Get("ETag"), NotModified: true}, 0, false, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, false, &UnauthorizedError{Detail: errorDetail(respBody)}

	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, false, fmt.Errorf("%s: %w", url, ErrNotFound)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		retryAfter, hasRetryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return nil, retryAfter, hasRetryAfter, &statusError{StatusCode: resp.StatusCode, Body: truncate(respBody, 256)}

	default:
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Detail = truncate(respBody, 256)
		}
		return nil, 0, false, apiErr
	}
}

// netError wraps a connect/read/write failure so the loop can tell it
// apart from decode and API errors.
type netError struct {
	err error
}

func (e *netError) Error() string { return e.err.Error() }
func (e *netError) Unwrap() error { return e.err }

func retryable(err error) bool {
	switch err.(type) {
	case *netError, *statusError:
		return true
	}
	return false
}

func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return truncate(body, 256)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
