package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that Producer implements outbound.JobQueue
var _ outbound.JobQueue = (*Producer)(nil)

// Producer enqueues order jobs on SQS.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *slog.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(cfg aws.Config, sqsConfig Config, logger *slog.Logger, optFns ...func(*sqs.Options)) (*Producer, error) {
	return newProducer(sqs.NewFromConfig(cfg, optFns...), sqsConfig, logger)
}

func newProducer(client sqsAPI, sqsConfig Config, logger *slog.Logger) (*Producer, error) {
	if sqsConfig.QueueURL == "" {
		return nil, fmt.Errorf("queue URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		client:   client,
		queueURL: sqsConfig.QueueURL,
		logger:   logger.With("component", "sqs-producer"),
	}, nil
}

// Enqueue sends one message whose body is the JSON-encoded job.
func (p *Producer) Enqueue(ctx context.Context, job entity.OrderJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"orderId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.OrderID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue order %s: %w", job.OrderID, err)
	}

	p.logger.Debug("enqueued order job", "orderId", job.OrderID, "messageId", aws.ToString(out.MessageId))
	return nil
}
