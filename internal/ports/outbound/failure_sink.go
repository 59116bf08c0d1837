package outbound

import (
	"context"
	"time"
)

// OrderFailure describes an order that exhausted its attempts.
type OrderFailure struct {
	OrderID   string    `json:"orderId"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
	MessageID string    `json:"messageId,omitempty"`
}

// FailureSink records jobs that failed permanently, the queue's failure
// bookkeeping.
type FailureSink interface {
	// ReportFailure records a retry-exhausted order.
	ReportFailure(ctx context.Context, failure OrderFailure) error

	// Close closes the sink and releases any resources.
	Close() error
}
