// Package s3 provides an S3 implementation of the AuditArchive port.
//
// Each terminal order is written once as a gzip-compressed JSON document under
// "<prefix>/<yyyy>/<mm>/<dd>/<orderId>.json.gz", keyed by the order's creation
// date. Writes are conditional, so a redelivered job never overwrites the
// first archived record.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/pkg/retry"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// s3WriterAPI defines the subset of S3 operations needed by the archive.
type s3WriterAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that AuditArchive implements outbound.AuditArchive
var _ outbound.AuditArchive = (*AuditArchive)(nil)

// Config holds configuration for the S3 audit archive.
type Config struct {
	// Bucket is the destination bucket.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Retry controls retries of transient PutObject failures.
	Retry retry.Config
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Prefix: "orders",
		Retry:  retry.DefaultConfig(),
	}
}

// AuditArchive writes terminal orders to S3.
type AuditArchive struct {
	client s3WriterAPI
	config Config
	logger *slog.Logger
}

// archivedOrder is the document stored per order.
type archivedOrder struct {
	OrderID       string                      `json:"orderId"`
	TokenIn       string                      `json:"tokenIn"`
	TokenOut      string                      `json:"tokenOut"`
	Amount        string                      `json:"amount"`
	OrderType     entity.OrderType            `json:"orderType"`
	Status        entity.OrderStatus          `json:"status"`
	SelectedDex   string                      `json:"selectedDex,omitempty"`
	TxHash        string                      `json:"txHash,omitempty"`
	ExecutedPrice string                      `json:"executedPrice,omitempty"`
	ErrorMessage  string                      `json:"errorMessage,omitempty"`
	CreatedAt     time.Time                   `json:"createdAt"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
	History       []outbound.StatusTransition `json:"history"`
}

// NewAuditArchive creates a new S3 audit archive with the given AWS config.
func NewAuditArchive(cfg aws.Config, config Config, logger *slog.Logger, optFns ...func(*s3.Options)) (*AuditArchive, error) {
	return newAuditArchive(s3.NewFromConfig(cfg, optFns...), config, logger)
}

func newAuditArchive(client s3WriterAPI, config Config, logger *slog.Logger) (*AuditArchive, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	defaults := ConfigDefaults()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditArchive{
		client: client,
		config: config,
		logger: logger.With("component", "s3-audit-archive"),
	}, nil
}

// Key returns the object key for an order.
func (a *AuditArchive) Key(order *entity.Order) string {
	d := order.CreatedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json.gz", a.config.Prefix, d.Year(), int(d.Month()), d.Day(), order.ID)
}

// Archive writes the order and its history. Only terminal orders are accepted.
func (a *AuditArchive) Archive(ctx context.Context, order *entity.Order, history []outbound.StatusTransition) error {
	if order == nil {
		return errors.New("order cannot be nil")
	}
	if !order.Status.IsTerminal() {
		return fmt.Errorf("order %s is not terminal (status %s)", order.ID, order.Status)
	}

	doc := archivedOrder{
		OrderID:      order.ID,
		TokenIn:      order.TokenIn,
		TokenOut:     order.TokenOut,
		Amount:       order.Amount.String(),
		OrderType:    order.OrderType,
		Status:       order.Status,
		SelectedDex:  order.SelectedDex,
		TxHash:       order.TxHash,
		ErrorMessage: order.ErrorMessage,
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
		History:      history,
	}
	if order.ExecutedPrice != nil {
		doc.ExecutedPrice = order.ExecutedPrice.String()
	}

	body, err := compress(doc)
	if err != nil {
		return err
	}

	key := a.Key(order)
	written := true
	err = retry.DoVoid(ctx, a.config.Retry, nil, func(attempt int, err error, backoff time.Duration) {
		a.logger.Warn("archive write failed, retrying", "orderId", order.ID, "attempt", attempt, "backoff", backoff, "error", err)
	}, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.config.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
			IfNoneMatch:     aws.String("*"),
		})
		if err == nil {
			return nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			written = false
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive order %s: %w", order.ID, err)
	}

	a.logger.Debug("archived order", "orderId", order.ID, "bucket", a.config.Bucket, "key", key, "new", written)
	return nil
}

func compress(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive document: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress content: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
