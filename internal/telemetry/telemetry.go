// Package telemetry instruments the client's pipeline, loader and flag
// evaluation paths. The Provider boundary keeps OpenTelemetry out of the
// hot paths' signatures and lets tests swap in the no-op.
package telemetry

import (
	"context"
	"time"
)

// Provider records client-internal measurements.
type Provider interface {
	// RecordEnqueue counts an accepted event.
	RecordEnqueue(ctx context.Context)

	// RecordDropped counts events evicted by the bounded queue.
	RecordDropped(ctx context.Context, n int)

	// RecordFlush records one handled batch chunk.
	RecordFlush(ctx context.Context, count int, d time.Duration, err error)

	// RecordEvaluation counts a flag evaluation by strategy
	// ("local" or "remote").
	RecordEvaluation(ctx context.Context, flagKey, strategy string)

	// RecordRefresh records one definition-loader refresh.
	RecordRefresh(ctx context.Context, success bool, d time.Duration)

	// StartSpan opens a span around a client operation; the returned
	// function ends it.
	StartSpan(ctx context.Context, name string) (context.Context, func())
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) RecordEnqueue(context.Context)                          {}
func (Noop) RecordDropped(context.Context, int)                     {}
func (Noop) RecordFlush(context.Context, int, time.Duration, error) {}
func (Noop) RecordEvaluation(context.Context, string, string)       {}
func (Noop) RecordRefresh(context.Context, bool, time.Duration)     {}

func (Noop) StartSpan(ctx context.Context, _ string) (context.Context, func()) {
	return ctx, func() {}
}
