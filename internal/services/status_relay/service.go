// Package statusrelay bridges one client connection to the status feed of
// one order.
//
// A relay holds at most one bus subscription. It is released exactly once,
// by whichever comes first: the terminal event or the client going away.
package statusrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that Service implements inbound.StatusRelay
var _ inbound.StatusRelay = (*Service)(nil)

const (
	notFoundMessage = "Order not found"
	internalMessage = "Internal server error"
)

// Service relays status events to client connections.
type Service struct {
	repo   outbound.OrderRepository
	bus    outbound.StatusBus
	logger *slog.Logger
}

// NewService creates a new status relay.
func NewService(repo outbound.OrderRepository, bus outbound.StatusBus, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("order repository is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("status bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "status-relay"),
	}, nil
}

// Attach sends the order's current state and then streams its events to conn
// until the order is terminal or the client disconnects. Unknown and
// already-terminal orders get a single frame and never subscribe.
func (s *Service) Attach(ctx context.Context, conn inbound.Connection, orderID string) error {
	defer conn.Close()
	logger := s.logger.With("orderId", orderID)

	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return s.sendLookupError(conn, orderID, err)
	}
	if order.Status.IsTerminal() {
		logger.Debug("order already terminal, sending final state", "status", order.Status)
		return conn.Send(order.Snapshot())
	}

	sub, err := s.bus.Subscribe(ctx, orderID)
	if err != nil {
		_ = conn.Send(entity.ErrorFrame{Error: internalMessage})
		return fmt.Errorf("subscribing to order %s: %w", orderID, err)
	}
	release := s.releaser(sub, logger)
	defer release()

	// The order may have finished between the read and the subscription; the
	// bus keeps no history, so check the store again.
	order, err = s.repo.Get(ctx, orderID)
	if err != nil {
		return s.sendLookupError(conn, orderID, err)
	}
	if order.Status.IsTerminal() {
		release()
		return conn.Send(order.Snapshot())
	}

	// Current state first; a client attaching mid-flight would otherwise see
	// nothing until the next transition.
	if err := conn.Send(order.Snapshot()); err != nil {
		logger.Debug("client send failed", "status", order.Status, "error", err)
		return nil
	}

	return s.forward(ctx, conn, sub, release, logger)
}

// AttachNew subscribes to order's feed, runs place and acknowledges the
// order with a pending frame before forwarding its events.
func (s *Service) AttachNew(ctx context.Context, conn inbound.Connection, order *entity.Order, place func(context.Context) error) error {
	defer conn.Close()
	logger := s.logger.With("orderId", order.ID)

	sub, err := s.bus.Subscribe(ctx, order.ID)
	if err != nil {
		_ = conn.Send(entity.ErrorFrame{Error: internalMessage})
		return fmt.Errorf("subscribing to order %s: %w", order.ID, err)
	}
	release := s.releaser(sub, logger)
	defer release()

	if err := place(ctx); err != nil {
		release()
		_ = conn.Send(entity.ErrorFrame{Error: internalMessage})
		return fmt.Errorf("placing order %s: %w", order.ID, err)
	}

	if err := conn.Send(order.Snapshot()); err != nil {
		// The client left before the acknowledgement; the order still runs.
		return nil
	}

	return s.forward(ctx, conn, sub, release, logger)
}

// forward copies events to conn. It returns when the terminal event has been
// sent, the client disconnects, the subscription ends or ctx is done.
func (s *Service) forward(ctx context.Context, conn inbound.Connection, sub outbound.Subscription, release func(), logger *slog.Logger) error {
	events := sub.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logger.Debug("subscription closed before terminal event")
				return nil
			}
			if ev.IsTerminal() {
				// Stop listening before the final send so a slow client
				// cannot hold the subscription open.
				release()
			}
			if err := conn.Send(ev); err != nil {
				logger.Debug("client send failed", "status", ev.Status, "error", err)
				return nil
			}
			if ev.IsTerminal() {
				logger.Debug("terminal event relayed", "status", ev.Status)
				return nil
			}
		case <-conn.Closed():
			logger.Debug("client disconnected")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// releaser returns a function that unsubscribes exactly once, however many
// exit paths call it.
func (s *Service) releaser(sub outbound.Subscription, logger *slog.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				logger.Warn("failed to unsubscribe", "error", err)
			}
		})
	}
}

func (s *Service) sendLookupError(conn inbound.Connection, orderID string, err error) error {
	if errors.Is(err, entity.ErrOrderNotFound) {
		s.logger.Debug("stream requested for unknown order", "orderId", orderID)
		return conn.Send(entity.ErrorFrame{Error: notFoundMessage})
	}
	_ = conn.Send(entity.ErrorFrame{Error: internalMessage})
	return fmt.Errorf("loading order %s: %w", orderID, err)
}
