package outbound

import (
	"context"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// JobQueue enqueues order jobs for the execution worker.
type JobQueue interface {
	// Enqueue submits exactly one job for the order.
	Enqueue(ctx context.Context, job entity.OrderJob) error
}

// QueueMessage represents a message received from the job queue.
type QueueMessage struct {
	// MessageID is the unique ID of the message.
	MessageID string

	// ReceiptHandle is needed to delete the message after processing.
	ReceiptHandle string

	// Body is the raw message body (JSON).
	Body string

	// ReceiveCount is how many times the queue has delivered this message.
	ReceiveCount int
}

// JobConsumer defines the interface for consuming jobs from the queue.
// Delivery is at-least-once: a message that is not deleted is redelivered.
type JobConsumer interface {
	// ReceiveMessages fetches up to maxMessages from the queue.
	// Returns an empty slice if no messages are available.
	ReceiveMessages(ctx context.Context, maxMessages int) ([]QueueMessage, error)

	// DeleteMessage removes a processed message from the queue.
	DeleteMessage(ctx context.Context, receiptHandle string) error

	// Close closes the consumer and releases resources.
	Close() error
}
