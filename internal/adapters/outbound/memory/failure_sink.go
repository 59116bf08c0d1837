package memory

import (
	"context"
	"sync"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time checks for the in-memory bookkeeping adapters.
var (
	_ outbound.FailureSink  = (*FailureSink)(nil)
	_ outbound.AuditArchive = (*AuditArchive)(nil)
)

// FailureSink stores reported failures for inspection in tests.
type FailureSink struct {
	mu       sync.RWMutex
	failures []outbound.OrderFailure
	closed   bool
}

// NewFailureSink creates a new in-memory failure sink.
func NewFailureSink() *FailureSink {
	return &FailureSink{}
}

// ReportFailure records the failure.
func (s *FailureSink) ReportFailure(ctx context.Context, failure outbound.OrderFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.failures = append(s.failures, failure)
	return nil
}

// Close marks the sink as closed.
func (s *FailureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Failures returns all reported failures.
func (s *FailureSink) Failures() []outbound.OrderFailure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outbound.OrderFailure, len(s.failures))
	copy(out, s.failures)
	return out
}

// AuditArchive keeps archived terminal orders keyed by order id.
type AuditArchive struct {
	mu      sync.RWMutex
	records map[string]ArchivedOrder
}

// ArchivedOrder is one entry of the in-memory archive.
type ArchivedOrder struct {
	Order   entity.Order
	History []outbound.StatusTransition
}

// NewAuditArchive creates an empty archive.
func NewAuditArchive() *AuditArchive {
	return &AuditArchive{records: make(map[string]ArchivedOrder)}
}

// Archive stores a copy of order and its history.
func (a *AuditArchive) Archive(ctx context.Context, order *entity.Order, history []outbound.StatusTransition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := make([]outbound.StatusTransition, len(history))
	copy(h, history)
	a.records[order.ID] = ArchivedOrder{Order: *copyOrder(order), History: h}
	return nil
}

// Get returns the archived record for id.
func (a *AuditArchive) Get(id string) (ArchivedOrder, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[id]
	return rec, ok
}
