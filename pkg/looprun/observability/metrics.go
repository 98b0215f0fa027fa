package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records runtime metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSubmit records an event submission with its outcome.
	RecordSubmit(ctx context.Context, eventType string, created bool, err error)

	// RecordDelivery records one program invocation.
	RecordDelivery(ctx context.Context, loopName string, duration time.Duration, err error)

	// RecordSubscription records a completed subscription.
	RecordSubscription(ctx context.Context, mode string, delivered int64, reason string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	submits         metric.Int64Counter
	submitErrors    metric.Int64Counter
	loopsCreated    metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	faults          metric.Int64Counter
	subscriptions   metric.Int64Counter
	eventsDelivered metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. The instance is shared across calls.
func NewMetricsRecorder() (MetricsRecorder, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	if defaultMetricsErr != nil {
		return nil, defaultMetricsErr
	}
	return defaultMetrics, nil
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("looprun")

	submits, err := meter.Int64Counter("looprun.submit.total",
		metric.WithDescription("Number of event submissions"),
	)
	if err != nil {
		return nil, err
	}

	submitErrors, err := meter.Int64Counter("looprun.submit.errors",
		metric.WithDescription("Number of rejected event submissions"),
	)
	if err != nil {
		return nil, err
	}

	loopsCreated, err := meter.Int64Counter("looprun.loops.created",
		metric.WithDescription("Number of loop instances created"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("looprun.delivery.latency_ms",
		metric.WithDescription("Program invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	faults, err := meter.Int64Counter("looprun.program.faults",
		metric.WithDescription("Number of loop program faults"),
	)
	if err != nil {
		return nil, err
	}

	subscriptions, err := meter.Int64Counter("looprun.subscriptions.total",
		metric.WithDescription("Number of completed subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	eventsDelivered, err := meter.Int64Counter("looprun.subscriptions.events",
		metric.WithDescription("Number of events delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		submits:         submits,
		submitErrors:    submitErrors,
		loopsCreated:    loopsCreated,
		deliveryLatency: deliveryLatency,
		faults:          faults,
		subscriptions:   subscriptions,
		eventsDelivered: eventsDelivered,
	}, nil
}

// RecordSubmit implements MetricsRecorder.
func (m *otelMetrics) RecordSubmit(ctx context.Context, eventType string, created bool, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
	)
	if err != nil {
		m.submitErrors.Add(ctx, 1, attrs)
		return
	}
	m.submits.Add(ctx, 1, attrs)
	if created {
		m.loopsCreated.Add(ctx, 1)
	}
}

// RecordDelivery implements MetricsRecorder.
func (m *otelMetrics) RecordDelivery(ctx context.Context, loopName string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("loop.name", loopName),
	)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.faults.Add(ctx, 1, attrs)
	}
}

// RecordSubscription implements MetricsRecorder.
func (m *otelMetrics) RecordSubscription(ctx context.Context, mode string, delivered int64, reason string) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("reason", reason),
	)
	m.subscriptions.Add(ctx, 1, attrs)
	m.eventsDelivered.Add(ctx, delivered, attrs)
}
