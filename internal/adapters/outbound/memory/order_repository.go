// Package memory provides in-memory implementations of the outbound ports.
// Useful for testing and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that OrderRepository implements outbound.OrderRepository
var _ outbound.OrderRepository = (*OrderRepository)(nil)

// OrderRepository is an in-memory implementation of the outbound.OrderRepository port.
// Returned orders are copies; callers cannot mutate stored state.
type OrderRepository struct {
	mu      sync.Mutex
	orders  map[string]*entity.Order
	history map[string][]outbound.StatusTransition
	now     func() time.Time
}

// NewOrderRepository creates a new in-memory order repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:  make(map[string]*entity.Order),
		history: make(map[string][]outbound.StatusTransition),
		now:     time.Now,
	}
}

// Create stores a new pending order.
func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return fmt.Errorf("order cannot be nil")
	}
	if order.Status != entity.StatusPending {
		return fmt.Errorf("new order %s must be pending, got %s", order.ID, order.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = copyOrder(order)
	r.history[order.ID] = append(r.history[order.ID], outbound.StatusTransition{
		OrderID:    order.ID,
		Status:     order.Status,
		Message:    entity.DefaultMessage(order.Status, ""),
		RecordedAt: order.CreatedAt,
	})
	return nil
}

// Get returns a copy of the stored order.
func (r *OrderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

// UpdateStatus applies u to the stored order under the repository lock.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, u entity.StatusUpdate) (*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, id)
	}
	if stored.IsReplay(u) {
		return copyOrder(stored), nil
	}

	// Apply to a copy so a rejected update leaves the stored order untouched.
	next := copyOrder(stored)
	if err := next.Apply(u, r.now()); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	}
	r.orders[id] = next

	r.history[id] = append(r.history[id], outbound.StatusTransition{
		OrderID:    id,
		Attempt:    u.Attempt,
		Status:     u.Status,
		Message:    next.StatusMessage,
		RecordedAt: next.UpdatedAt,
	})
	return copyOrder(next), nil
}

// History returns the recorded transitions of an order.
func (r *OrderRepository) History(ctx context.Context, id string) ([]outbound.StatusTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.history[id]
	out := make([]outbound.StatusTransition, len(h))
	copy(out, h)
	return out, nil
}

// Count returns the number of stored orders.
func (r *OrderRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func copyOrder(o *entity.Order) *entity.Order {
	c := *o
	if o.ExecutedPrice != nil {
		p := *o.ExecutedPrice
		c.ExecutedPrice = &p
	}
	return &c
}
