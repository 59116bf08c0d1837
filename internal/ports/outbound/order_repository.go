// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"time"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// OrderRepository defines the interface for order persistence.
type OrderRepository interface {
	// Create persists a new order. The order must be in the pending state.
	Create(ctx context.Context, order *entity.Order) error

	// Get returns the order with the given id, or entity.ErrOrderNotFound.
	Get(ctx context.Context, id string) (*entity.Order, error)

	// UpdateStatus applies u to the stored order atomically and returns the
	// updated record. Implementations must reject updates that break the
	// state machine or overwrite a write-once field.
	UpdateStatus(ctx context.Context, id string, u entity.StatusUpdate) (*entity.Order, error)

	// History returns the recorded status transitions of an order, oldest first.
	History(ctx context.Context, id string) ([]StatusTransition, error)
}

// StatusTransition is one row of an order's status history.
type StatusTransition struct {
	OrderID    string             `json:"orderId"`
	Attempt    int                `json:"attempt"`
	Status     entity.OrderStatus `json:"status"`
	Message    string             `json:"message"`
	RecordedAt time.Time          `json:"recordedAt"`
}
