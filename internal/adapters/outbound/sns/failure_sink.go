// Package sns implements the FailureSink port using AWS SNS.
//
// Orders that exhaust their execution attempts are published to a topic as
// JSON alerts so operators and downstream consumers can react. Messages carry
// an "orderId" attribute for subscription filtering.
//
// For testing, use the memory.FailureSink adapter instead.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/tims-exe/dex-order-engine/internal/pkg/retry"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that FailureSink implements outbound.FailureSink
var _ outbound.FailureSink = (*FailureSink)(nil)

// SNSPublisher defines the subset of SNS client methods used by FailureSink.
// This interface allows for easy mocking in tests.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS failure sink.
type Config struct {
	// TopicARN is the topic retry-exhausted orders are published to.
	TopicARN string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Logger:         slog.Default(),
	}
}

// FailureSink publishes order failures to AWS SNS.
type FailureSink struct {
	client    SNSPublisher
	config    Config
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewFailureSink creates a new SNS failure sink.
func NewFailureSink(client SNSPublisher, config Config) (*FailureSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &FailureSink{
		client: client,
		config: config,
		logger: config.Logger.With("component", "sns-failure-sink"),
	}, nil
}

// ReportFailure publishes the failure to the configured topic.
func (s *FailureSink) ReportFailure(ctx context.Context, failure outbound.OrderFailure) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("failure sink is closed")
	}
	s.mu.RUnlock()

	messageBytes, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to marshal failure: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(s.config.TopicARN),
		Message:  aws.String(string(messageBytes)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"orderId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(failure.OrderID),
			},
			"attempts": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(failure.Attempts)),
			},
		},
	}

	cfg := retry.Config{
		MaxRetries:     s.config.MaxRetries,
		InitialBackoff: s.config.InitialBackoff,
		MaxBackoff:     s.config.MaxBackoff,
		BackoffFactor:  2.0,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"maxRetries", s.config.MaxRetries,
			"backoff", backoff,
			"error", err,
			"orderId", failure.OrderID,
		)
	}

	err = retry.DoVoid(ctx, cfg, isRetryableError, onRetry, func() error {
		_, err := s.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		s.logger.Error("failed to publish order failure", "orderId", failure.OrderID, "error", err)
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return false
	}
	var authz *types.AuthorizationErrorException
	if errors.As(err, &authz) {
		return false
	}

	// Throttling, internal errors and network issues.
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *FailureSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS failure sink closed")
	})
	return nil
}
