// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// OrderRequest is a client's order submission as received by a transport.
type OrderRequest struct {
	TokenIn   string `json:"tokenIn"`
	TokenOut  string `json:"tokenOut"`
	Amount    string `json:"amount"`
	OrderType string `json:"orderType"`
}

// OrderIntake validates, persists and enqueues new orders.
type OrderIntake interface {
	// Submit returns the new order's id, or an *entity.ValidationError when
	// the request is malformed. No record or job exists on error.
	Submit(ctx context.Context, req OrderRequest) (string, error)

	// Prepare validates req and assigns an id without persisting anything.
	Prepare(req OrderRequest) (*entity.Order, error)

	// Place persists a prepared order and enqueues its job.
	Place(ctx context.Context, order *entity.Order) error

	// Get returns the current stored state of an order.
	Get(ctx context.Context, id string) (*entity.Order, error)
}

// Connection is one client's live stream.
type Connection interface {
	// Send writes one JSON frame to the client.
	Send(v any) error

	// Closed is closed when the client goes away.
	Closed() <-chan struct{}

	// Close closes the connection from the server side.
	Close() error
}

// StatusRelay bridges one client connection to the status feed of one order.
type StatusRelay interface {
	// Attach blocks until the order reaches a terminal status or the client
	// disconnects, then releases everything it acquired.
	Attach(ctx context.Context, conn Connection, orderID string) error

	// AttachNew subscribes to a prepared order before place runs, so no frame
	// of the new order can be missed, then acknowledges it with a pending
	// frame and forwards like Attach.
	AttachNew(ctx context.Context, conn Connection, order *entity.Order, place func(context.Context) error) error
}

// HealthChecker defines the interface for services that can report readiness and liveness.
//
// Implementations:
//   - execution_worker.Service: ready once polling, healthy while polls succeed
type HealthChecker interface {
	// IsReady returns true when the service is ready to handle traffic.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	IsHealthy() bool
}
