// Package executionworker consumes order jobs from the queue and drives each
// order through the execution state machine:
//
//	pending → routing → building → submitted → confirmed
//
// A failed attempt restarts from routing after a fixed backoff; once the
// attempt budget is spent the order is marked failed and reported to the
// failure sink. Every transition is persisted before it is broadcast.
package executionworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/tims-exe/dex-order-engine/internal/services/execution_worker"
)

// Compile-time check that Service implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Service)(nil)

// Router selects a route for a swap and executes it on the chosen provider.
type Router interface {
	SelectRoute(ctx context.Context, params entity.SwapParams) (entity.Route, error)
	Execute(ctx context.Context, dex string, params entity.SwapParams) (entity.SwapResult, error)
	RoutingMessage() string
}

// Config holds configuration for the execution worker.
type Config struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int

	// BatchSize is how many messages to fetch per poll (max 10 on SQS).
	BatchSize int

	// RateLimitMax is the number of job starts allowed per RateLimitWindow.
	RateLimitMax int

	// RateLimitWindow is the window RateLimitMax applies to.
	RateLimitWindow time.Duration

	// MaxAttempts is the attempt budget per delivery of a job.
	MaxAttempts int

	// RetryBackoff is the fixed delay before each retry.
	RetryBackoff time.Duration

	// BuildDelay is the synthetic transaction build time.
	BuildDelay time.Duration

	// AttemptTimeout bounds the provider calls of one attempt.
	AttemptTimeout time.Duration

	// PollErrorBackoff is the pause after a failed poll.
	PollErrorBackoff time.Duration

	// FailureSink receives retry-exhausted orders (optional).
	FailureSink outbound.FailureSink

	// Archive stores terminal orders with their history (optional).
	Archive outbound.AuditArchive

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns the default worker configuration.
func ConfigDefaults() Config {
	return Config{
		Concurrency:      10,
		BatchSize:        10,
		RateLimitMax:     100,
		RateLimitWindow:  time.Minute,
		MaxAttempts:      3,
		RetryBackoff:     time.Second,
		BuildDelay:       500 * time.Millisecond,
		AttemptTimeout:   15 * time.Second,
		PollErrorBackoff: 5 * time.Second,
		Logger:           slog.Default(),
	}
}

// Service is the execution worker.
type Service struct {
	config   Config
	consumer outbound.JobConsumer
	repo     outbound.OrderRepository
	bus      outbound.StatusBus
	router   Router
	limiter  *rate.Limiter
	logger   *slog.Logger

	ready   atomic.Bool
	healthy atomic.Bool

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService creates a new execution worker.
func NewService(
	config Config,
	consumer outbound.JobConsumer,
	repo outbound.OrderRepository,
	bus outbound.StatusBus,
	router Router,
) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("order repository is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("status bus is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}

	defaults := ConfigDefaults()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaults.RateLimitWindow
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if config.BuildDelay < 0 {
		config.BuildDelay = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.PollErrorBackoff <= 0 {
		config.PollErrorBackoff = defaults.PollErrorBackoff
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		repo:     repo,
		bus:      bus,
		router:   router,
		limiter:  newLimiter(config.RateLimitMax, config.RateLimitWindow),
		logger:   config.Logger.With("component", "execution-worker"),
		stopCh:   make(chan struct{}),
	}, nil
}

// newLimiter allows max job starts per window, refilling evenly. A
// non-positive max disables limiting.
func newLimiter(max int, window time.Duration) *rate.Limiter {
	if max <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
}

// Run polls the queue and processes jobs until ctx is cancelled or Stop is
// called. Stop lets in-flight jobs finish; cancelling ctx aborts them and
// leaves their messages to be redelivered.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting execution worker",
		"concurrency", s.config.Concurrency,
		"maxAttempts", s.config.MaxAttempts,
		"rateLimitMax", s.config.RateLimitMax,
		"rateLimitWindow", s.config.RateLimitWindow,
	)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	go func() {
		select {
		case <-s.stopCh:
			cancelFetch()
		case <-fetchCtx.Done():
		}
	}()

	msgCh := make(chan outbound.QueueMessage)
	for i := 0; i < s.config.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, msgCh)
	}

	defer func() {
		close(msgCh)
		s.wg.Wait()
		s.ready.Store(false)
		s.logger.Info("execution worker stopped")
	}()

	s.ready.Store(true)
	s.healthy.Store(true)

	for {
		if fetchCtx.Err() != nil {
			return ctx.Err()
		}

		messages, err := s.consumer.ReceiveMessages(fetchCtx, s.config.BatchSize)
		if err != nil {
			if fetchCtx.Err() != nil {
				return ctx.Err()
			}
			s.healthy.Store(false)
			s.logger.Error("failed to receive messages", "error", err)
			select {
			case <-time.After(s.config.PollErrorBackoff):
			case <-fetchCtx.Done():
			}
			continue
		}
		s.healthy.Store(true)

		for _, msg := range messages {
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stop stops polling and waits for in-flight jobs through Run.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
}

// IsReady reports whether the poll loop is running.
func (s *Service) IsReady() bool { return s.ready.Load() }

// IsHealthy reports whether the last poll succeeded.
func (s *Service) IsHealthy() bool { return s.ready.Load() && s.healthy.Load() }

// worker processes messages from the channel, one job at a time.
func (s *Service) worker(ctx context.Context, id int, msgCh <-chan outbound.QueueMessage) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for msg := range msgCh {
		if err := s.limiter.Wait(ctx); err != nil {
			// Context cancelled: leave the message for redelivery.
			continue
		}

		ack, err := s.processMessage(ctx, msg)
		if err != nil {
			logger.Error("failed to process message",
				"messageId", msg.MessageID,
				"error", err,
			)
		}
		if !ack {
			// Not deleted: visible again after the visibility timeout.
			continue
		}

		if err := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
			logger.Error("failed to delete message",
				"messageId", msg.MessageID,
				"error", err,
			)
		}
	}
}

// processMessage runs one job and reports whether its message should be
// deleted.
func (s *Service) processMessage(ctx context.Context, msg outbound.QueueMessage) (ack bool, err error) {
	job, err := entity.DecodeOrderJob([]byte(msg.Body))
	if err != nil {
		s.reportFailure(ctx, outbound.OrderFailure{
			Attempts:  0,
			Error:     err.Error(),
			FailedAt:  time.Now().UTC(),
			MessageID: msg.MessageID,
		})
		return true, fmt.Errorf("dropping malformed job: %w", err)
	}

	ctx, span := startJobSpan(ctx, job.OrderID, msg)
	defer span.End()

	logger := s.logger.With("orderId", job.OrderID)

	order, err := s.repo.Get(ctx, job.OrderID)
	if err != nil {
		if errors.Is(err, entity.ErrOrderNotFound) {
			recordSpanError(span, err, "order not found")
			return true, fmt.Errorf("dropping job for unknown order: %w", err)
		}
		recordSpanError(span, err, "failed to load order")
		return false, fmt.Errorf("loading order %s: %w", job.OrderID, err)
	}

	if order.Status.IsTerminal() {
		logger.Info("order already terminal, acknowledging redelivered job",
			"status", order.Status,
			"receiveCount", msg.ReceiveCount,
		)
		return true, nil
	}
	if msg.ReceiveCount > 1 {
		logger.Warn("redelivered job, restarting attempts",
			"status", order.Status,
			"receiveCount", msg.ReceiveCount,
		)
	}

	if err := s.execute(ctx, job, msg); err != nil {
		recordSpanError(span, err, "job aborted")
		return false, err
	}
	return true, nil
}

// attemptOutcome is the result of one pass through the state machine.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable
	outcomeAborted
)

// execute runs the bounded attempt loop for one job. A nil return means the
// order reached a terminal status and the message can be acknowledged.
func (s *Service) execute(ctx context.Context, job entity.OrderJob, msg outbound.QueueMessage) error {
	start := time.Now()
	logger := s.logger.With("orderId", job.OrderID)

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Info("retrying order", "attempt", attempt, "backoff", s.config.RetryBackoff, "lastError", lastErr)
			if err := sleep(ctx, s.config.RetryBackoff); err != nil {
				return err
			}
		}

		outcome, err := s.attempt(ctx, job, attempt)
		switch outcome {
		case outcomeSuccess:
			s.recordCompleted(ctx, entity.StatusConfirmed, attempt, time.Since(start))
			logger.Info("order confirmed", "attempt", attempt, "duration", time.Since(start))
			return nil
		case outcomeAborted:
			return err
		case outcomeRetryable:
			lastErr = err
			logger.Warn("attempt failed", "attempt", attempt, "error", err)
		}
	}

	return s.fail(ctx, job, msg, &entity.RetryExhaustedError{
		OrderID:  job.OrderID,
		Attempts: s.config.MaxAttempts,
		Err:      lastErr,
	}, start)
}

// attempt performs routing, building, submission and confirmation once.
// Provider failures and timeouts are retryable; a failed status write or a
// cancelled job context aborts the job.
func (s *Service) attempt(ctx context.Context, job entity.OrderJob, attempt int) (attemptOutcome, error) {
	ctx, span := startAttemptSpan(ctx, job.OrderID, attempt)
	defer span.End()

	params := job.Params()

	if _, err := s.transition(ctx, job.OrderID, entity.StatusUpdate{
		Attempt: attempt,
		Status:  entity.StatusRouting,
		Message: s.router.RoutingMessage(),
	}); err != nil {
		recordSpanError(span, err, "failed to persist routing")
		return outcomeAborted, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	defer cancel()

	route, err := s.router.SelectRoute(attemptCtx, params)
	if err != nil {
		return s.attemptFailed(ctx, span, "", err)
	}
	span.SetAttributes(dexAttribute(route.Dex))

	if _, err := s.transition(ctx, job.OrderID, entity.StatusUpdate{
		Attempt:     attempt,
		Status:      entity.StatusBuilding,
		SelectedDex: route.Dex,
	}); err != nil {
		recordSpanError(span, err, "failed to persist building")
		return outcomeAborted, err
	}

	if err := sleep(attemptCtx, s.config.BuildDelay); err != nil {
		return s.attemptFailed(ctx, span, route.Dex, &entity.ExecutionError{Dex: route.Dex, Err: err})
	}

	if _, err := s.transition(ctx, job.OrderID, entity.StatusUpdate{
		Attempt: attempt,
		Status:  entity.StatusSubmitted,
	}); err != nil {
		recordSpanError(span, err, "failed to persist submitted")
		return outcomeAborted, err
	}

	result, err := s.router.Execute(attemptCtx, route.Dex, params)
	if err != nil {
		return s.attemptFailed(ctx, span, route.Dex, err)
	}

	price := result.ExecutedPrice
	order, err := s.transition(ctx, job.OrderID, entity.StatusUpdate{
		Attempt:       attempt,
		Status:        entity.StatusConfirmed,
		SelectedDex:   route.Dex,
		TxHash:        result.TxHash,
		ExecutedPrice: &price,
	})
	if err != nil {
		recordSpanError(span, err, "failed to persist confirmed")
		return outcomeAborted, err
	}

	s.recordAttempt(ctx, route.Dex, "success")
	s.archive(ctx, order)
	return outcomeSuccess, nil
}

func (s *Service) attemptFailed(ctx context.Context, span spanRecorder, dex string, err error) (attemptOutcome, error) {
	recordSpanError(span, err, "attempt failed")
	if ctx.Err() != nil {
		// The job itself was cancelled, not just the attempt.
		return outcomeAborted, ctx.Err()
	}
	if dex == "" {
		dex = "unrouted"
	}
	s.recordAttempt(ctx, dex, "failure")
	return outcomeRetryable, err
}

// fail persists and broadcasts the failed status and reports the order to
// the failure sink.
func (s *Service) fail(ctx context.Context, job entity.OrderJob, msg outbound.QueueMessage, exhausted *entity.RetryExhaustedError, start time.Time) error {
	errMsg := "unknown error"
	if exhausted.Err != nil {
		errMsg = exhausted.Err.Error()
	}

	order, err := s.transition(ctx, job.OrderID, entity.StatusUpdate{
		Attempt:      exhausted.Attempts,
		Status:       entity.StatusFailed,
		ErrorMessage: errMsg,
	})
	if err != nil {
		return fmt.Errorf("persisting failure of order %s: %w", job.OrderID, err)
	}

	s.logger.Error("order failed",
		"orderId", job.OrderID,
		"attempts", exhausted.Attempts,
		"error", exhausted,
	)

	s.reportFailure(ctx, outbound.OrderFailure{
		OrderID:   job.OrderID,
		Attempts:  exhausted.Attempts,
		Error:     errMsg,
		FailedAt:  time.Now().UTC(),
		MessageID: msg.MessageID,
	})
	s.recordCompleted(ctx, entity.StatusFailed, exhausted.Attempts, time.Since(start))
	s.archive(ctx, order)
	return nil
}

// transition persists u and then broadcasts it. The store is the source of
// truth; a failed broadcast is logged and does not fail the step.
func (s *Service) transition(ctx context.Context, orderID string, u entity.StatusUpdate) (*entity.Order, error) {
	if u.Message == "" {
		u.Message = entity.DefaultMessage(u.Status, u.SelectedDex)
	}

	order, err := s.repo.UpdateStatus(ctx, orderID, u)
	if err != nil {
		return nil, fmt.Errorf("persisting %s for order %s: %w", u.Status, orderID, err)
	}

	if err := s.bus.Publish(ctx, entity.NewStatusEvent(orderID, u)); err != nil {
		s.logger.Warn("failed to publish status event",
			"orderId", orderID,
			"status", u.Status,
			"error", err,
		)
	}

	s.logger.Debug("status updated",
		"orderId", orderID,
		"attempt", u.Attempt,
		"status", u.Status,
	)
	return order, nil
}

func (s *Service) reportFailure(ctx context.Context, failure outbound.OrderFailure) {
	if s.config.FailureSink == nil {
		return
	}
	if err := s.config.FailureSink.ReportFailure(ctx, failure); err != nil {
		s.logger.Error("failed to report order failure",
			"orderId", failure.OrderID,
			"error", err,
		)
	}
}

func (s *Service) archive(ctx context.Context, order *entity.Order) {
	if s.config.Archive == nil || order == nil {
		return
	}
	history, err := s.repo.History(ctx, order.ID)
	if err != nil {
		s.logger.Warn("failed to load status history for archive", "orderId", order.ID, "error", err)
		return
	}
	if err := s.config.Archive.Archive(ctx, order, history); err != nil {
		s.logger.Warn("failed to archive order", "orderId", order.ID, "error", err)
	}
}

func (s *Service) recordAttempt(ctx context.Context, dex, outcome string) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordAttempt(ctx, dex, outcome)
	}
}

func (s *Service) recordCompleted(ctx context.Context, status entity.OrderStatus, attempts int, d time.Duration) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordOrderCompleted(ctx, string(status), attempts, d)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
