package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "pulse-go"

// OTelProvider implements Provider on the global OpenTelemetry meter and
// tracer. Exporter setup is the host application's concern.
type OTelProvider struct {
	tracer trace.Tracer

	enqueued        metric.Int64Counter
	dropped         metric.Int64Counter
	batchesFlushed  metric.Int64Counter
	batchesFailed   metric.Int64Counter
	flushDuration   metric.Float64Histogram
	evaluations     metric.Int64Counter
	refreshSuccess  metric.Int64Counter
	refreshFailure  metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewOTel builds an OTelProvider from the global meter provider.
func NewOTel() (*OTelProvider, error) {
	meter := otel.Meter(scopeName)
	p := &OTelProvider{tracer: otel.Tracer(scopeName)}

	var err error
	if p.enqueued, err = meter.Int64Counter(
		"pulse.events.enqueued",
		metric.WithDescription("Events accepted into the batch queue"),
	); err != nil {
		return nil, err
	}
	if p.dropped, err = meter.Int64Counter(
		"pulse.events.dropped",
		metric.WithDescription("Events evicted by the bounded queue"),
	); err != nil {
		return nil, err
	}
	if p.batchesFlushed, err = meter.Int64Counter(
		"pulse.batches.flushed",
		metric.WithDescription("Batch chunks handed to the transport"),
	); err != nil {
		return nil, err
	}
	if p.batchesFailed, err = meter.Int64Counter(
		"pulse.batches.failed",
		metric.WithDescription("Batch chunks dropped after transport retries"),
	); err != nil {
		return nil, err
	}
	if p.flushDuration, err = meter.Float64Histogram(
		"pulse.batch.flush.duration",
		metric.WithDescription("Duration of one batch flush"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if p.evaluations, err = meter.Int64Counter(
		"pulse.flags.evaluations",
		metric.WithDescription("Flag evaluations by strategy"),
	); err != nil {
		return nil, err
	}
	if p.refreshSuccess, err = meter.Int64Counter(
		"pulse.flags.refresh.success",
		metric.WithDescription("Successful flag definition refreshes"),
	); err != nil {
		return nil, err
	}
	if p.refreshFailure, err = meter.Int64Counter(
		"pulse.flags.refresh.failure",
		metric.WithDescription("Failed flag definition refreshes"),
	); err != nil {
		return nil, err
	}
	if p.refreshDuration, err = meter.Float64Histogram(
		"pulse.flags.refresh.duration",
		metric.WithDescription("Duration of flag definition refreshes"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *OTelProvider) RecordEnqueue(ctx context.Context) {
	p.enqueued.Add(ctx, 1)
}

func (p *OTelProvider) RecordDropped(ctx context.Context, n int) {
	p.dropped.Add(ctx, int64(n))
}

func (p *OTelProvider) RecordFlush(ctx context.Context, count int, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	p.flushDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	if err != nil {
		p.batchesFailed.Add(ctx, 1)
		return
	}
	p.batchesFlushed.Add(ctx, 1, metric.WithAttributes(attribute.Int("batch.size", count)))
}

func (p *OTelProvider) RecordEvaluation(ctx context.Context, flagKey, strategy string) {
	p.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("strategy", strategy),
	))
}

func (p *OTelProvider) RecordRefresh(ctx context.Context, success bool, d time.Duration) {
	p.refreshDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		p.refreshSuccess.Add(ctx, 1)
	} else {
		p.refreshFailure.Add(ctx, 1)
	}
}

// StartSpan opens a span around a client operation (flush, evaluation).
func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
