package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.MetricsRecorder
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements the MetricsRecorder interface using OpenTelemetry.
type Metrics struct {
	ordersCompleted    metric.Int64Counter
	attempts           metric.Int64Counter
	processingDuration metric.Float64Histogram
}

// NewMetrics creates a metrics recorder on the global meter provider.
// meterName should typically be the package name or service name.
func NewMetrics(meterName string) (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider(), meterName)
}

// NewMetricsWithProvider creates a metrics recorder on the given provider.
func NewMetricsWithProvider(provider metric.MeterProvider, meterName string) (*Metrics, error) {
	meter := provider.Meter(meterName)

	completed, err := meter.Int64Counter(
		"orders_completed_total",
		metric.WithDescription("Orders that reached a terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders_completed_total counter: %w", err)
	}

	attempts, err := meter.Int64Counter(
		"order_attempts_total",
		metric.WithDescription("Execution attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order_attempts_total counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"order_processing_duration_seconds",
		metric.WithDescription("Time from job start to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order_processing_duration_seconds histogram: %w", err)
	}

	return &Metrics{
		ordersCompleted:    completed,
		attempts:           attempts,
		processingDuration: duration,
	}, nil
}

// RecordAttempt increments the attempt counter.
func (m *Metrics) RecordAttempt(ctx context.Context, dex, outcome string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dex", dex),
		attribute.String("outcome", outcome),
	))
}

// RecordOrderCompleted records a terminal order and its processing time.
func (m *Metrics) RecordOrderCompleted(ctx context.Context, status string, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ordersCompleted.Add(ctx, 1, attrs)
	m.processingDuration.Record(ctx, duration.Seconds(), attrs)
}
