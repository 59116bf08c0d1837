package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time checks that JobQueue implements both queue ports.
var (
	_ outbound.JobQueue    = (*JobQueue)(nil)
	_ outbound.JobConsumer = (*JobQueue)(nil)
)

// JobQueue is an in-memory at-least-once queue. Received messages stay
// in flight until deleted; Redeliver returns them to the queue, simulating a
// visibility timeout after a worker crash.
type JobQueue struct {
	mu       sync.Mutex
	pending  []outbound.QueueMessage
	inflight map[string]outbound.QueueMessage
	enqueued []entity.OrderJob
	seq      int
	notify   chan struct{}

	// WaitTime bounds how long ReceiveMessages blocks on an empty queue.
	WaitTime time.Duration

	// EnqueueErr, when set, is returned by Enqueue.
	EnqueueErr error

	// EnqueueFailures limits how many Enqueue calls return EnqueueErr.
	// Zero means every call fails while EnqueueErr is set.
	EnqueueFailures int
	enqueueFailed   int
}

// NewJobQueue creates an empty in-memory queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{
		inflight: make(map[string]outbound.QueueMessage),
		notify:   make(chan struct{}, 1),
		WaitTime: 50 * time.Millisecond,
	}
}

// Enqueue appends one message carrying job.
func (q *JobQueue) Enqueue(ctx context.Context, job entity.OrderJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	q.mu.Lock()
	if q.EnqueueErr != nil && (q.EnqueueFailures == 0 || q.enqueueFailed < q.EnqueueFailures) {
		q.enqueueFailed++
		q.mu.Unlock()
		return q.EnqueueErr
	}
	q.seq++
	id := strconv.Itoa(q.seq)
	q.pending = append(q.pending, outbound.QueueMessage{
		MessageID:     id,
		ReceiptHandle: "rh-" + id,
		Body:          string(body),
	})
	q.enqueued = append(q.enqueued, job)
	q.mu.Unlock()

	q.signal()
	return nil
}

// ReceiveMessages returns up to maxMessages pending messages, waiting up to
// WaitTime when the queue is empty.
func (q *JobQueue) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.QueueMessage, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}

	if msgs := q.take(maxMessages); len(msgs) > 0 {
		return msgs, nil
	}

	timer := time.NewTimer(q.WaitTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-q.notify:
		return q.take(maxMessages), nil
	}
}

// DeleteMessage acknowledges an in-flight message.
func (q *JobQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptHandle]; !ok {
		return fmt.Errorf("unknown receipt handle %q", receiptHandle)
	}
	delete(q.inflight, receiptHandle)
	return nil
}

// Close is a no-op.
func (q *JobQueue) Close() error { return nil }

// Redeliver moves every in-flight message back to the queue.
func (q *JobQueue) Redeliver() int {
	q.mu.Lock()
	n := len(q.inflight)
	for rh, msg := range q.inflight {
		q.pending = append(q.pending, msg)
		delete(q.inflight, rh)
	}
	q.mu.Unlock()

	if n > 0 {
		q.signal()
	}
	return n
}

// Enqueued returns every job ever enqueued.
func (q *JobQueue) Enqueued() []entity.OrderJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]entity.OrderJob, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

// Len returns the number of messages that are pending or in flight.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *JobQueue) take(n int) []outbound.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		return nil
	}
	msgs := make([]outbound.QueueMessage, n)
	copy(msgs, q.pending[:n])
	q.pending = q.pending[n:]
	for i := range msgs {
		msgs[i].ReceiveCount++
		q.inflight[msgs[i].ReceiptHandle] = msgs[i]
	}
	return msgs
}

func (q *JobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
