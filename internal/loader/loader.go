// Package loader polls the flag-definition endpoint and publishes
// immutable snapshots for the local evaluator. It only runs when a
// privileged (personal) API key is configured; without one the evaluator
// stays inert and every flag query goes to the remote decide endpoint.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loftline/pulse-go/internal/flags"
	"github.com/loftline/pulse-go/internal/transport"
)

// Logger is the slice of logging the loader needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config wires a Loader.
type Config struct {
	Transport      *transport.Client
	Endpoint       string // base host URL
	ProjectAPIKey  string
	PersonalAPIKey string
	PollInterval   time.Duration
	Logger         Logger

	// OnRefresh is an optional instrumentation hook.
	OnRefresh func(success bool, d time.Duration)
}

// Loader fetches flag definitions on a cadence, revalidating with
// If-None-Match and swapping the published snapshot atomically on change.
// Loader failures never propagate to user-facing calls; they degrade the
// client to remote-only evaluation.
type Loader struct {
	cfg Config
	url string

	snapshot atomic.Pointer[flags.Snapshot]

	// refreshMu serializes refreshes; etag is only touched under it.
	refreshMu sync.Mutex
	etag      string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Loader. The personal API key must be set; the facade does
// not construct a Loader without one.
func New(cfg Config) (*Loader, error) {
	if cfg.PersonalAPIKey == "" {
		return nil, fmt.Errorf("loader requires a personal API key")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	l := &Loader{
		cfg: cfg,
		url: fmt.Sprintf("%s/api/feature_flag/local_evaluation?token=%s&send_cohorts",
			cfg.Endpoint, url.QueryEscape(cfg.ProjectAPIKey)),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Snapshot returns the currently published snapshot, or nil before the
// first successful load.
func (l *Loader) Snapshot() *flags.Snapshot {
	return l.snapshot.Load()
}

// Start attempts one synchronous load (failure tolerated) and begins the
// poll loop.
func (l *Loader) Start(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil {
		l.cfg.Logger.Warnf("pulse: initial flag definition load failed: %v", err)
	}
	l.wg.Add(1)
	go l.pollLoop()
}

// Stop cancels the poll loop and waits for it to exit. Idempotent.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
}

func (l *Loader) pollLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.cfg.PollInterval)
			if err := l.Refresh(ctx); err != nil {
				l.cfg.Logger.Errorf("pulse: flag definition refresh failed: %v", err)
			}
			cancel()
		}
	}
}

// Refresh fetches the definition document once. A 304 keeps the current
// snapshot and ETag; a 2xx replaces both; anything else leaves the
// snapshot untouched.
func (l *Loader) Refresh(ctx context.Context) error {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	start := time.Now()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.PersonalAPIKey)
	if l.etag != "" {
		header.Set("If-None-Match", l.etag)
	}

	var raw json.RawMessage
	res, err := l.cfg.Transport.GetJSON(ctx, l.url, header, &raw)
	if err != nil {
		if transport.IsUnauthorized(err) {
			l.cfg.Logger.Warnf("pulse: personal API key rejected; local evaluation disabled until fixed: %v", err)
		}
		l.observe(false, start)
		return err
	}

	if res.NotModified {
		l.cfg.Logger.Debugf("pulse: flag definitions not modified (etag %s)", l.etag)
		l.observe(true, start)
		return nil
	}

	snap, bad := flags.ParseSnapshot(raw, res.ETag)
	if snap == nil {
		l.observe(false, start)
		return fmt.Errorf("parse flag definitions: %w", bad[0])
	}
	for _, err := range bad {
		l.cfg.Logger.Warnf("pulse: dropping invalid flag definition: %v", err)
	}

	l.snapshot.Store(snap)
	l.etag = res.ETag
	l.cfg.Logger.Debugf("pulse: loaded %d flag definitions (etag %s)", len(snap.Flags), res.ETag)
	l.observe(true, start)
	return nil
}

func (l *Loader) observe(success bool, start time.Time) {
	if l.cfg.OnRefresh != nil {
		l.cfg.OnRefresh(success, time.Since(start))
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
