// Package awsenv loads the AWS SDK configuration shared by the binaries and
// applies per-service endpoint overrides for local stacks such as
// LocalStack.
//
// Environment:
//   - AWS_REGION (default eu-west-1)
//   - AWS_ENDPOINT: override for every service
//   - AWS_SQS_ENDPOINT, AWS_SNS_ENDPOINT, AWS_S3_ENDPOINT: per-service overrides
//
// When any override is set and no access key is configured, static "test"
// credentials are used.
package awsenv

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/tims-exe/dex-order-engine/internal/pkg/env"
)

// DefaultRegion is used when AWS_REGION is unset.
const DefaultRegion = "eu-west-1"

// Load returns the AWS config for the current environment.
func Load(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(env.Get("AWS_REGION", DefaultRegion)),
	}
	if usesLocalEndpoint() && env.Get("AWS_ACCESS_KEY_ID", "") == "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

func usesLocalEndpoint() bool {
	for _, key := range []string{"AWS_ENDPOINT", "AWS_SQS_ENDPOINT", "AWS_SNS_ENDPOINT", "AWS_S3_ENDPOINT"} {
		if env.Get(key, "") != "" {
			return true
		}
	}
	return false
}

func endpoint(key string) string {
	return env.Get(key, env.Get("AWS_ENDPOINT", ""))
}

// SQSOptions returns the SQS client options for the environment.
func SQSOptions() []func(*sqs.Options) {
	if ep := endpoint("AWS_SQS_ENDPOINT"); ep != "" {
		return []func(*sqs.Options){func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(ep)
		}}
	}
	return nil
}

// SNSOptions returns the SNS client options for the environment.
func SNSOptions() []func(*sns.Options) {
	if ep := endpoint("AWS_SNS_ENDPOINT"); ep != "" {
		return []func(*sns.Options){func(o *sns.Options) {
			o.BaseEndpoint = aws.String(ep)
		}}
	}
	return nil
}

// S3Options returns the S3 client options for the environment. Local
// endpoints use path-style addressing.
func S3Options() []func(*s3.Options) {
	if ep := endpoint("AWS_S3_ENDPOINT"); ep != "" {
		return []func(*s3.Options){func(o *s3.Options) {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}}
	}
	return nil
}
