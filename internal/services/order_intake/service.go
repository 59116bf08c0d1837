// Package orderintake validates order submissions, persists them as pending
// and enqueues exactly one execution job per accepted order.
package orderintake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
	"github.com/tims-exe/dex-order-engine/internal/pkg/retry"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that Service implements inbound.OrderIntake
var _ inbound.OrderIntake = (*Service)(nil)

// Config holds configuration for the intake service.
type Config struct {
	// NewID generates order ids. Defaults to random UUIDs.
	NewID func() string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// EnqueueRetry controls how often a failed enqueue is retried before
	// the submission is reported as failed.
	EnqueueRetry retry.Config

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		NewID:  func() string { return uuid.NewString() },
		Now:          time.Now,
		EnqueueRetry: retry.DefaultConfig(),
		Logger:       slog.Default(),
	}
}

// Service accepts new orders.
type Service struct {
	repo         outbound.OrderRepository
	queue        outbound.JobQueue
	newID        func() string
	now          func() time.Time
	enqueueRetry retry.Config
	logger       *slog.Logger
}

// NewService creates a new intake service.
func NewService(config Config, repo outbound.OrderRepository, queue outbound.JobQueue) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("order repository is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}

	defaults := ConfigDefaults()
	if config.NewID == nil {
		config.NewID = defaults.NewID
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.EnqueueRetry == (retry.Config{}) {
		config.EnqueueRetry = defaults.EnqueueRetry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		repo:         repo,
		queue:        queue,
		newID:        config.NewID,
		now:          config.Now,
		enqueueRetry: config.EnqueueRetry,
		logger:       config.Logger.With("component", "order-intake"),
	}, nil
}

// Submit validates req, creates the pending order and enqueues its job.
// Validation failures return an *entity.ValidationError and leave no trace.
func (s *Service) Submit(ctx context.Context, req inbound.OrderRequest) (string, error) {
	order, err := s.Prepare(req)
	if err != nil {
		return "", err
	}
	if err := s.Place(ctx, order); err != nil {
		return "", err
	}
	return order.ID, nil
}

// Prepare validates req and builds a pending order with a fresh id.
func (s *Service) Prepare(req inbound.OrderRequest) (*entity.Order, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	orderType, err := entity.ParseOrderType(strings.TrimSpace(req.OrderType))
	if err != nil {
		return nil, err
	}
	return entity.NewOrder(s.newID(), req.TokenIn, req.TokenOut, amount, orderType, s.now())
}

// Place persists order and enqueues exactly one job for it.
func (s *Service) Place(ctx context.Context, order *entity.Order) error {
	if err := s.repo.Create(ctx, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	job := order.Job()
	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("enqueue failed, retrying",
			"orderId", order.ID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	}
	err := retry.DoVoid(ctx, s.enqueueRetry, nil, onRetry, func() error {
		return s.queue.Enqueue(ctx, job)
	})
	if err != nil {
		// Intake never rewrites a record it created; the order stays pending.
		s.logger.Error("order stored but not queued", "orderId", order.ID, "error", err)
		return fmt.Errorf("failed to enqueue order %s: %w", order.ID, err)
	}

	s.logger.Info("order accepted",
		"orderId", order.ID,
		"tokenIn", order.TokenIn,
		"tokenOut", order.TokenOut,
		"amount", order.Amount.String(),
		"orderType", order.OrderType,
	)
	return nil
}

// Get returns the stored order.
func (s *Service) Get(ctx context.Context, id string) (*entity.Order, error) {
	return s.repo.Get(ctx, id)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, &entity.ValidationError{Field: "amount", Reason: "must not be empty"}
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &entity.ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal number: %q", raw)}
	}
	return amount, nil
}
