package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that StatusBus implements outbound.StatusBus
var _ outbound.StatusBus = (*StatusBus)(nil)

// StatusBus is an in-process implementation of the outbound.StatusBus port.
// Publish blocks until every current subscriber has buffered the event, so
// delivery is ordered per order id for a single publisher.
type StatusBus struct {
	mu        sync.RWMutex
	subs      map[string]map[*subscription]struct{}
	published map[string][]entity.StatusEvent
	closed    bool
	bufSize   int
}

// NewStatusBus creates a new in-memory status bus.
func NewStatusBus() *StatusBus {
	return &StatusBus{
		subs:      make(map[string]map[*subscription]struct{}),
		published: make(map[string][]entity.StatusEvent),
		bufSize:   16,
	}
}

// Publish delivers the event to every subscriber of event.OrderID.
func (b *StatusBus) Publish(ctx context.Context, event entity.StatusEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("status bus is closed")
	}
	b.published[event.OrderID] = append(b.published[event.OrderID], event)
	targets := make([]*subscription, 0, len(b.subs[event.OrderID]))
	for s := range b.subs[event.OrderID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscription for orderID.
func (b *StatusBus) Subscribe(ctx context.Context, orderID string) (outbound.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("status bus is closed")
	}

	s := &subscription{
		bus:     b,
		orderID: orderID,
		ch:      make(chan entity.StatusEvent, b.bufSize),
		done:    make(chan struct{}),
	}
	if b.subs[orderID] == nil {
		b.subs[orderID] = make(map[*subscription]struct{})
	}
	b.subs[orderID][s] = struct{}{}
	return s, nil
}

// Close unsubscribes every subscriber and rejects further use.
func (b *StatusBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for orderID.
func (b *StatusBus) SubscriberCount(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[orderID])
}

// TotalSubscribers returns the number of live subscriptions across all ids.
func (b *StatusBus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Published returns every event published for orderID, in publish order.
func (b *StatusBus) Published(orderID string) []entity.StatusEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]entity.StatusEvent, len(b.published[orderID]))
	copy(out, b.published[orderID])
	return out
}

func (b *StatusBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.orderID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.orderID)
		}
	}
}

type subscription struct {
	bus     *StatusBus
	orderID string

	// mu guards ch against being closed while a publisher is sending.
	mu     sync.RWMutex
	ch     chan entity.StatusEvent
	closed bool

	done chan struct{}
	once sync.Once
}

func (s *subscription) Events() <-chan entity.StatusEvent { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

func (s *subscription) deliver(ctx context.Context, event entity.StatusEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
