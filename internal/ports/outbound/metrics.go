package outbound

import (
	"context"
	"time"
)

// MetricsRecorder provides an interface for recording application metrics.
// This allows the services to record metrics without depending on
// specific telemetry implementations.
type MetricsRecorder interface {
	// RecordAttempt records the outcome of one execution attempt ("success" or "failure").
	RecordAttempt(ctx context.Context, dex, outcome string)

	// RecordOrderCompleted records an order reaching a terminal status.
	RecordOrderCompleted(ctx context.Context, status string, attempts int, duration time.Duration)
}
