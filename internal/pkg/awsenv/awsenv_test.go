package awsenv

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

func TestLoad_LocalEndpointUsesStaticCredentials(t *testing.T) {
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_SQS_ENDPOINT", "http://localhost:4566")
	t.Setenv("AWS_ACCESS_KEY_ID", "")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("expected region us-east-1, got %s", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "test" {
		t.Errorf("expected static test credentials, got %q", creds.AccessKeyID)
	}
}

func TestServiceOptions(t *testing.T) {
	t.Setenv("AWS_ENDPOINT", "http://localstack:4566")
	t.Setenv("AWS_SQS_ENDPOINT", "http://sqs:9324")

	var sqsOpts sqs.Options
	for _, fn := range SQSOptions() {
		fn(&sqsOpts)
	}
	if sqsOpts.BaseEndpoint == nil || *sqsOpts.BaseEndpoint != "http://sqs:9324" {
		t.Errorf("expected per-service SQS endpoint, got %v", sqsOpts.BaseEndpoint)
	}

	var s3Opts s3.Options
	for _, fn := range S3Options() {
		fn(&s3Opts)
	}
	if s3Opts.BaseEndpoint == nil || *s3Opts.BaseEndpoint != "http://localstack:4566" || !s3Opts.UsePathStyle {
		t.Errorf("expected shared endpoint with path style, got %v %v", s3Opts.BaseEndpoint, s3Opts.UsePathStyle)
	}
}

func TestServiceOptions_NoOverride(t *testing.T) {
	t.Setenv("AWS_ENDPOINT", "")
	t.Setenv("AWS_SNS_ENDPOINT", "")
	if opts := SNSOptions(); opts != nil {
		t.Errorf("expected no options, got %d", len(opts))
	}
}
