// Package redis provides a Redis Pub/Sub implementation of the StatusBus port.
//
// Each order has its own channel, "order:<id>" by default. Events are
// serialized as JSON frames exactly as they are sent to clients.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that StatusBus implements outbound.StatusBus
var _ outbound.StatusBus = (*StatusBus)(nil)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// ChannelPrefix is prepended to the order id to form the channel name.
	ChannelPrefix string
	// BufferSize is the per-subscription event buffer.
	BufferSize int
}

// ConfigDefaults returns sensible defaults for the Redis status bus.
func ConfigDefaults() Config {
	return Config{
		Addr:          "localhost:6379",
		ChannelPrefix: "order:",
		BufferSize:    16,
	}
}

// StatusBus is a Redis implementation of the outbound.StatusBus port.
type StatusBus struct {
	client *redis.Client
	config Config
	logger *slog.Logger
}

// NewStatusBus creates a new Redis status bus.
func NewStatusBus(cfg Config, logger *slog.Logger) (*StatusBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	defaults := ConfigDefaults()
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = defaults.ChannelPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &StatusBus{
		client: client,
		config: cfg,
		logger: logger.With("component", "redis-status-bus"),
	}, nil
}

// Ping checks the Redis connection.
func (b *StatusBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *StatusBus) Close() error {
	return b.client.Close()
}

func (b *StatusBus) channel(orderID string) string {
	return b.config.ChannelPrefix + orderID
}

// Publish sends the event on the order's channel.
func (b *StatusBus) Publish(ctx context.Context, event entity.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.OrderID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status event for %s: %w", event.OrderID, err)
	}
	return nil
}

// Subscribe opens a SUBSCRIBE on the order's channel and waits for Redis to
// confirm it, so no event published after Subscribe returns is missed.
func (b *StatusBus) Subscribe(ctx context.Context, orderID string) (outbound.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(orderID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel(orderID), err)
	}

	s := &subscription{
		pubsub:  pubsub,
		orderID: orderID,
		out:     make(chan entity.StatusEvent, b.config.BufferSize),
		done:    make(chan struct{}),
		logger:  b.logger.With("orderId", orderID),
	}
	go s.pump(pubsub.Channel())
	return s, nil
}

type subscription struct {
	pubsub  *redis.PubSub
	orderID string
	out     chan entity.StatusEvent
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (s *subscription) Events() <-chan entity.StatusEvent { return s.out }

// Unsubscribe closes the Redis subscription. The pump goroutine then drains
// and closes the events channel.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var ev entity.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed status event", "error", err)
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
