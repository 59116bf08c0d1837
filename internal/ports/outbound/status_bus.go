package outbound

import (
	"context"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// StatusBus is a pub/sub channel keyed by order id. It keeps no history:
// subscribers only see events published after they subscribed.
type StatusBus interface {
	// Publish broadcasts an event on the order's channel.
	Publish(ctx context.Context, event entity.StatusEvent) error

	// Subscribe opens a subscription for one order id. Subscribing to an id
	// nobody publishes on is valid.
	Subscribe(ctx context.Context, orderID string) (Subscription, error)

	// Close releases the bus's resources.
	Close() error
}

// Subscription is a live feed of one order's events.
type Subscription interface {
	// Events returns the channel of events. It is closed after Unsubscribe.
	Events() <-chan entity.StatusEvent

	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}
