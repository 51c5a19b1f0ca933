// Package pulse is a server-side client for a product-analytics backend.
// Events are aggregated in a bounded asynchronous pipeline and forwarded
// in batches; feature flags are decided locally from polled definitions
// whenever possible and fall back to the remote decide endpoint when the
// decision needs server-side state.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loftline/pulse-go/internal/batch"
	"github.com/loftline/pulse-go/internal/evaluator"
	"github.com/loftline/pulse-go/internal/flags"
	"github.com/loftline/pulse-go/internal/loader"
	"github.com/loftline/pulse-go/internal/telemetry"
	"github.com/loftline/pulse-go/internal/transport"
)

const (
	// Version is reported as $lib_version on every event.
	Version = "0.9.0"

	libName = "pulse-go"
)

// Client is the entry point of the library. All methods are safe for
// concurrent use.
type Client struct {
	cfg           Config
	projectAPIKey string

	transport *transport.Client
	pipeline  *batch.Pipeline[*queuedEvent]
	loader    *loader.Loader // nil without a personal API key
	evaluator *evaluator.Evaluator
	telemetry telemetry.Provider
	logger    Logger
	now       func() time.Time

	// flagCalledSeen dedupes $feature_flag_called events per
	// (distinct-id, key).
	flagCalledMu   sync.Mutex
	flagCalledSeen map[string]struct{}

	closed atomic.Bool
}

// queuedEvent is the pipeline item: everything needed to materialize the
// wire event at flush time.
type queuedEvent struct {
	event            string
	distinctID       string
	properties       Properties
	groups           Groups
	timestamp        time.Time
	uuid             string
	sendFeatureFlags bool
}

// New creates a Client authenticated by the project API key.
//
// Example:
//
//	client, err := pulse.New("phc_project_key",
//	    pulse.WithPersonalAPIKey("phx_personal_key"),
//	    pulse.WithFlushAt(50),
//	)
func New(projectAPIKey string, opts ...Option) (*Client, error) {
	if projectAPIKey == "" {
		return nil, fmt.Errorf("pulse: project API key cannot be empty")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pulse: invalid config: %w", err)
	}
	cfg.normalize()

	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	var provider telemetry.Provider = telemetry.Noop{}
	if cfg.EnableTelemetry {
		otelProvider, err := telemetry.NewOTel()
		if err != nil {
			return nil, fmt.Errorf("pulse: telemetry init: %w", err)
		}
		provider = otelProvider
	}

	c := &Client{
		cfg:            cfg,
		projectAPIKey:  projectAPIKey,
		telemetry:      provider,
		logger:         cfg.Logger,
		now:            cfg.Now,
		flagCalledSeen: make(map[string]struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.transport = transport.New(transport.Config{
		HTTPClient:        cfg.HTTPClient,
		UserAgent:         userAgent(),
		Compress:          cfg.Compress,
		MaxRetries:        cfg.MaxRetries,
		InitialRetryDelay: cfg.InitialRetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		Logger:            cfg.Logger,
		Now:               cfg.Now,
	})

	if cfg.PersonalAPIKey != "" {
		flagLoader, err := loader.New(loader.Config{
			Transport:      c.transport,
			Endpoint:       cfg.Endpoint,
			ProjectAPIKey:  projectAPIKey,
			PersonalAPIKey: cfg.PersonalAPIKey,
			PollInterval:   cfg.FlagPollInterval,
			Logger:         cfg.Logger,
			OnRefresh: func(success bool, d time.Duration) {
				provider.RecordRefresh(context.Background(), success, d)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("pulse: %w", err)
		}
		c.loader = flagLoader
	}

	eval, err := evaluator.New(c.currentSnapshot)
	if err != nil {
		return nil, fmt.Errorf("pulse: evaluator init: %w", err)
	}
	if cfg.Now != nil {
		eval.WithNow(cfg.Now)
	}
	c.evaluator = eval

	c.pipeline = batch.New[*queuedEvent](batch.Config{
		FlushAt:       cfg.FlushAt,
		FlushInterval: cfg.FlushInterval,
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxQueueSize:  cfg.MaxQueueSize,
		Logger:        cfg.Logger,
		OnDropped: func(n int) {
			provider.RecordDropped(context.Background(), n)
		},
		OnFlushed: func(count int, d time.Duration, err error) {
			provider.RecordFlush(context.Background(), count, d, err)
		},
	}, c.sendBatch)

	if c.loader != nil {
		c.loader.Start(context.Background())
	}

	return c, nil
}

// currentSnapshot is the evaluator's view of the loader.
func (c *Client) currentSnapshot() *flags.Snapshot {
	if c.loader == nil {
		return nil
	}
	return c.loader.Snapshot()
}

// Close flushes pending events, stops background work and releases
// resources. Idempotent; events submitted after Close are rejected with
// ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.pipeline.Close(ctx)
	if c.loader != nil {
		c.loader.Stop()
	}
	c.evaluator.Close()
	return err
}

// Flush drains the event queue synchronously.
func (c *Client) Flush(ctx context.Context) error {
	return c.pipeline.Flush(ctx)
}

// Capture submits a product-analytics event. The event is enqueued and
// sent asynchronously; delivery order follows enqueue order.
func (c *Client) Capture(ctx context.Context, msg Capture) error {
	if msg.DistinctID == "" {
		return fmt.Errorf("pulse: capture needs a distinct id")
	}
	if msg.Event == "" {
		return fmt.Errorf("pulse: capture needs an event name")
	}

	item := &queuedEvent{
		event:            msg.Event,
		distinctID:       msg.DistinctID,
		properties:       msg.Properties.clone(),
		groups:           msg.Groups,
		timestamp:        c.eventTime(msg.Timestamp),
		uuid:             uuid.NewString(),
		sendFeatureFlags: msg.SendFeatureFlags,
	}
	if !c.pipeline.Enqueue(item) {
		c.logger.Warnf("pulse: event %q rejected after close", msg.Event)
		return ErrClosed
	}
	c.telemetry.RecordEnqueue(ctx)
	return nil
}

// Identify sets person properties for a distinct-id. Sent immediately
// through the single-event endpoint, not batched.
func (c *Client) Identify(ctx context.Context, msg Identify) error {
	if msg.DistinctID == "" {
		return fmt.Errorf("pulse: identify needs a distinct id")
	}
	props := c.baseProperties(msg.DistinctID, nil)
	props["$set"] = map[string]any(msg.Properties)
	return c.captureSingle(ctx, "$identify", props, msg.Timestamp)
}

// Alias links an alias to a canonical distinct-id.
func (c *Client) Alias(ctx context.Context, msg Alias) error {
	if msg.DistinctID == "" || msg.Alias == "" {
		return fmt.Errorf("pulse: alias needs both distinct id and alias")
	}
	props := c.baseProperties(msg.DistinctID, nil)
	props["distinct_id"] = msg.DistinctID
	props["alias"] = msg.Alias
	return c.captureSingle(ctx, "$create_alias", props, msg.Timestamp)
}

// GroupIdentify sets properties on a group.
func (c *Client) GroupIdentify(ctx context.Context, msg GroupIdentify) error {
	if msg.Type == "" || msg.Key == "" {
		return fmt.Errorf("pulse: group identify needs both type and key")
	}
	distinctID := fmt.Sprintf("$%s_%s", msg.Type, msg.Key)
	props := c.baseProperties(distinctID, nil)
	props["$group_type"] = msg.Type
	props["$group_key"] = msg.Key
	props["$group_set"] = map[string]any(msg.Properties)
	return c.captureSingle(ctx, "$groupidentify", props, msg.Timestamp)
}

func (c *Client) captureSingle(ctx context.Context, event string, props map[string]any, ts time.Time) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload := capturePayload{
		APIKey:     c.projectAPIKey,
		Event:      event,
		Properties: props,
		Timestamp:  c.eventTime(ts),
		UUID:       uuid.NewString(),
	}
	var resp batchResponse
	return c.transport.PostJSON(ctx, c.cfg.Endpoint+"/capture", payload, &resp)
}

// sendBatch is the pipeline handler: it materializes queued events under
// the flush-time context and posts one /batch request per chunk.
func (c *Client) sendBatch(ctx context.Context, items []*queuedEvent) error {
	ctx, end := c.telemetry.StartSpan(ctx, "pulse.batch.flush")
	defer end()

	events := make([]apiEvent, len(items))
	for i, item := range items {
		events[i] = c.materialize(item)
	}
	payload := batchPayload{
		APIKey: c.projectAPIKey,
		Batch:  events,
	}
	var resp batchResponse
	if err := c.transport.PostJSON(ctx, c.cfg.Endpoint+"/batch", payload, &resp); err != nil {
		return err
	}
	return nil
}

// materialize turns a queued event into its wire form. Flag state for
// SendFeatureFlags is read here, at flush time, so it reflects the
// current snapshot rather than the enqueue instant.
func (c *Client) materialize(item *queuedEvent) apiEvent {
	props := c.baseProperties(item.distinctID, item.properties)
	if len(item.groups) > 0 {
		props["$groups"] = map[string]string(item.groups)
	}

	if item.sendFeatureFlags {
		decisions, _ := c.evaluator.EvaluateAll(evaluator.Subject{DistinctID: item.distinctID})
		active := make([]string, 0, len(decisions))
		for key, d := range decisions {
			if !d.Enabled {
				continue
			}
			props["$feature/"+key] = d.Value()
			active = append(active, key)
		}
		if len(active) > 0 {
			props["$active_feature_flags"] = active
		}
	}

	return apiEvent{
		Event:      item.event,
		Properties: props,
		Timestamp:  item.timestamp,
		UUID:       item.uuid,
	}
}

// baseProperties merges super-properties and caller properties (caller
// wins) and stamps the invariant event properties: echoed distinct_id,
// library identification, and the $geoip_disable default, preserved when
// the caller set it explicitly.
func (c *Client) baseProperties(distinctID string, props Properties) map[string]any {
	out := make(map[string]any, len(c.cfg.SuperProperties)+len(props)+4)
	for k, v := range c.cfg.SuperProperties {
		out[k] = v
	}
	for k, v := range props {
		out[k] = v
	}
	out["distinct_id"] = distinctID
	out["$lib"] = libName
	out["$lib_version"] = Version
	if _, set := out["$geoip_disable"]; !set {
		out["$geoip_disable"] = c.cfg.DisableGeoIP
	}
	return out
}

func (c *Client) eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return c.now().UTC()
	}
	return ts.UTC()
}

func userAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s; %s)",
		libName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// ---- feature flags ----

// IsFeatureEnabled reports whether the flag is on for the subject: a
// boolean true or any variant match counts as enabled.
func (c *Client) IsFeatureEnabled(ctx context.Context, p FeatureFlagPayload) (bool, error) {
	value, err := c.GetFeatureFlag(ctx, p)
	if err != nil {
		return false, err
	}
	return flagValueEnabled(value), nil
}

// GetFeatureFlag returns the flag's value for the subject: false, true,
// or a variant key. Local evaluation is tried first; decisions that need
// server-side state fall back to the remote decide endpoint unless
// OnlyEvaluateLocally is set.
func (c *Client) GetFeatureFlag(ctx context.Context, p FeatureFlagPayload) (any, error) {
	if p.Key == "" || p.DistinctID == "" {
		return false, fmt.Errorf("pulse: flag query needs key and distinct id")
	}

	value, err := c.flagValue(ctx, p)
	if err != nil {
		return false, err
	}
	c.reportFlagCalled(ctx, p.DistinctID, p.Key, value)
	return value, nil
}

func (c *Client) flagValue(ctx context.Context, p FeatureFlagPayload) (any, error) {
	decision, err := c.evaluator.Evaluate(p.Key, c.subject(p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties))
	if err == nil {
		c.telemetry.RecordEvaluation(ctx, p.Key, "local")
		return decision.Value(), nil
	}
	if !errors.Is(err, evaluator.ErrRequiresRemote) && !errors.Is(err, evaluator.ErrFlagNotFound) {
		return false, err
	}
	if p.OnlyEvaluateLocally {
		return false, fmt.Errorf("%w: %v", ErrFeatureFlagsUnavailable, err)
	}

	resp, err := c.remoteDecide(ctx, p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties)
	if err != nil {
		return false, err
	}
	c.telemetry.RecordEvaluation(ctx, p.Key, "remote")
	value, ok := resp.FeatureFlags[p.Key]
	if !ok {
		return false, nil
	}
	return value, nil
}

// GetFeatureFlagPayload returns the payload attached to the subject's
// matched flag value, or "" when the flag is off or has no payload.
func (c *Client) GetFeatureFlagPayload(ctx context.Context, p FeatureFlagPayload) (string, error) {
	if p.Key == "" || p.DistinctID == "" {
		return "", fmt.Errorf("pulse: flag query needs key and distinct id")
	}

	decision, err := c.evaluator.Evaluate(p.Key, c.subject(p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties))
	if err == nil {
		c.telemetry.RecordEvaluation(ctx, p.Key, "local")
		return string(decision.Payload), nil
	}
	if !errors.Is(err, evaluator.ErrRequiresRemote) && !errors.Is(err, evaluator.ErrFlagNotFound) {
		return "", err
	}
	if p.OnlyEvaluateLocally {
		return "", fmt.Errorf("%w: %v", ErrFeatureFlagsUnavailable, err)
	}

	resp, err := c.remoteDecide(ctx, p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties)
	if err != nil {
		return "", err
	}
	c.telemetry.RecordEvaluation(ctx, p.Key, "remote")
	return resp.FeatureFlagPayloads[p.Key], nil
}

// GetAllFlags returns every flag value for the subject. Flags the local
// evaluator could decide keep their local values; the rest come from one
// remote decide call.
func (c *Client) GetAllFlags(ctx context.Context, p AllFlagsPayload) (map[string]any, error) {
	if p.DistinctID == "" {
		return nil, fmt.Errorf("pulse: flag query needs a distinct id")
	}

	subject := c.subject(p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties)
	decisions, remoteKeys := c.evaluator.EvaluateAll(subject)

	out := make(map[string]any, len(decisions))
	for key, d := range decisions {
		out[key] = d.Value()
	}

	needRemote := c.currentSnapshot() == nil || len(remoteKeys) > 0
	if !needRemote || p.OnlyEvaluateLocally {
		return out, nil
	}

	resp, err := c.remoteDecide(ctx, p.DistinctID, p.PersonProperties, p.Groups, p.GroupProperties)
	if err != nil {
		if len(out) > 0 {
			c.logger.Warnf("pulse: remote flag fallback failed, returning local decisions only: %v", err)
			return out, nil
		}
		return nil, err
	}
	for key, value := range resp.FeatureFlags {
		if _, local := decisions[key]; !local {
			out[key] = value
		}
	}
	return out, nil
}

// ReloadFeatureFlags forces one definition refresh outside the poll
// cadence.
func (c *Client) ReloadFeatureFlags(ctx context.Context) error {
	if c.loader == nil {
		return fmt.Errorf("pulse: local evaluation disabled (no personal API key)")
	}
	return c.loader.Refresh(ctx)
}

// GetRemoteConfigPayload fetches the remote-config payload of a flag.
// Requires the personal API key.
func (c *Client) GetRemoteConfigPayload(ctx context.Context, flagKey string) (string, error) {
	if c.cfg.PersonalAPIKey == "" {
		return "", fmt.Errorf("pulse: remote config requires a personal API key")
	}
	url := fmt.Sprintf("%s/api/projects/@current/feature_flags/%s/remote_config/", c.cfg.Endpoint, flagKey)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.PersonalAPIKey)

	var raw json.RawMessage
	if _, err := c.transport.GetJSON(ctx, url, header, &raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// remoteDecide performs (or replays from the request-scoped cache) one
// remote evaluation for the full subject context.
func (c *Client) remoteDecide(ctx context.Context, distinctID string, person Properties, groups Groups, groupProps map[string]Properties) (*decideResponse, error) {
	cache := decisionCacheFrom(ctx)
	key := decisionKey(distinctID, person, groups, groupProps)
	if cache != nil && key != "" {
		if resp, ok := cache.get(key); ok {
			return resp, nil
		}
	}

	ctx, end := c.telemetry.StartSpan(ctx, "pulse.flags.decide")
	defer end()

	req := decideRequest{
		APIKey:           c.projectAPIKey,
		DistinctID:       distinctID,
		PersonProperties: person,
		Groups:           groups,
		GroupProperties:  toGroupProps(groupProps),
	}
	var resp decideResponse
	if err := c.transport.PostJSON(ctx, c.cfg.Endpoint+"/decide?v=3", req, &resp); err != nil {
		return nil, err
	}
	if cache != nil && key != "" {
		cache.put(key, &resp)
	}
	return &resp, nil
}

// reportFlagCalled captures $feature_flag_called once per
// (distinct-id, key) so analytics can tie exposure to flag usage.
func (c *Client) reportFlagCalled(ctx context.Context, distinctID, key string, value any) {
	seenKey := distinctID + "::" + key
	c.flagCalledMu.Lock()
	if _, seen := c.flagCalledSeen[seenKey]; seen {
		c.flagCalledMu.Unlock()
		return
	}
	if len(c.flagCalledSeen) >= 10000 {
		c.flagCalledSeen = make(map[string]struct{})
	}
	c.flagCalledSeen[seenKey] = struct{}{}
	c.flagCalledMu.Unlock()

	err := c.Capture(ctx, Capture{
		DistinctID: distinctID,
		Event:      "$feature_flag_called",
		Properties: Properties{
			"$feature_flag":          key,
			"$feature_flag_response": value,
		},
	})
	if err != nil {
		c.logger.Debugf("pulse: could not record flag exposure: %v", err)
	}
}

func (c *Client) subject(distinctID string, person Properties, groups Groups, groupProps map[string]Properties) evaluator.Subject {
	return evaluator.Subject{
		DistinctID:       distinctID,
		PersonProperties: person,
		Groups:           groups,
		GroupProperties:  toGroupProps(groupProps),
	}
}

func toGroupProps(in map[string]Properties) map[string]map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(in))
	for groupType, props := range in {
		out[groupType] = props
	}
	return out
}
