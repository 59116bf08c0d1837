// Package main runs the execution worker. It consumes order jobs from SQS,
// routes each order to the best simulated DEX, persists every status
// transition in PostgreSQL and broadcasts it on Redis for the order-api's
// websocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"

	httpadapter "github.com/tims-exe/dex-order-engine/internal/adapters/inbound/http"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/liquidity"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/postgres"
	redisadapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/redis"
	s3adapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/s3"
	snsadapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/sns"
	sqsadapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/sqs"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/telemetry"
	"github.com/tims-exe/dex-order-engine/internal/pkg/awsenv"
	"github.com/tims-exe/dex-order-engine/internal/pkg/env"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
	executionworker "github.com/tims-exe/dex-order-engine/internal/services/execution_worker"
	"github.com/tims-exe/dex-order-engine/internal/services/router"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	queueURL        string
	dbURL           string
	redisAddr       string
	healthAddr      string
	failureTopicARN string
	auditBucket     string

	// visibilityTimeout (seconds) must outlast a job's full attempt budget.
	visibilityTimeout int
	worker            executionworker.Config
}

func parseConfig(args []string) (cliConfig, error) {
	defaults := executionworker.ConfigDefaults()

	fs := flag.NewFlagSet("order-worker", flag.ContinueOnError)
	queueURL := fs.String("queue", "", "SQS Queue URL")
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	redisAddr := fs.String("redis", "", "Redis address")
	concurrency := fs.Int("concurrency", 0, "Jobs processed at once")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		queueURL:        *queueURL,
		dbURL:           *dbURL,
		redisAddr:       *redisAddr,
		healthAddr:      env.Get("HEALTH_ADDR", ":8080"),
		failureTopicARN: env.Get("AWS_SNS_FAILURE_TOPIC_ARN", ""),
		auditBucket:     env.Get("AUDIT_BUCKET", ""),
		worker:          defaults,
	}

	if cfg.queueURL == "" {
		cfg.queueURL = env.Get("AWS_SQS_QUEUE_URL", "")
	}
	if cfg.queueURL == "" {
		return cliConfig{}, fmt.Errorf("queue URL not provided (use -queue flag or AWS_SQS_QUEUE_URL env var)")
	}
	if cfg.dbURL == "" {
		cfg.dbURL = env.Get("DATABASE_URL", "")
	}
	if cfg.dbURL == "" {
		return cliConfig{}, fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}
	if cfg.redisAddr == "" {
		cfg.redisAddr = env.Get("REDIS_ADDR", "localhost:6379")
	}

	var err error
	w := &cfg.worker
	if *concurrency > 0 {
		w.Concurrency = *concurrency
	} else if w.Concurrency, err = env.GetInt("WORKER_CONCURRENCY", defaults.Concurrency); err != nil {
		return cliConfig{}, err
	}
	if w.RateLimitMax, err = env.GetInt("RATE_LIMIT_MAX", defaults.RateLimitMax); err != nil {
		return cliConfig{}, err
	}
	if w.RateLimitWindow, err = env.GetDuration("RATE_LIMIT_WINDOW", defaults.RateLimitWindow); err != nil {
		return cliConfig{}, err
	}
	if w.MaxAttempts, err = env.GetInt("MAX_ATTEMPTS", defaults.MaxAttempts); err != nil {
		return cliConfig{}, err
	}
	if w.RetryBackoff, err = env.GetDuration("RETRY_BACKOFF", defaults.RetryBackoff); err != nil {
		return cliConfig{}, err
	}
	if w.BuildDelay, err = env.GetDuration("BUILD_DELAY", defaults.BuildDelay); err != nil {
		return cliConfig{}, err
	}
	if w.AttemptTimeout, err = env.GetDuration("ATTEMPT_TIMEOUT", defaults.AttemptTimeout); err != nil {
		return cliConfig{}, err
	}
	if cfg.visibilityTimeout, err = env.GetInt("AWS_SQS_VISIBILITY_TIMEOUT", 120); err != nil {
		return cliConfig{}, err
	}

	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	if err := env.Load(); err != nil {
		return err
	}

	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("starting order worker",
		"queue", cfg.queueURL,
		"concurrency", cfg.worker.Concurrency,
		"rateLimit", fmt.Sprintf("%d/%s", cfg.worker.RateLimitMax, cfg.worker.RateLimitWindow))

	otlpEndpoint := env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	environment := env.Get("ENVIRONMENT", "development")

	tracerCfg := telemetry.TracerConfigDefaults()
	tracerCfg.ServiceName = "order-worker"
	tracerCfg.Environment = environment
	tracerCfg.OTLPEndpoint = otlpEndpoint
	shutdownTracer, err := telemetry.InitTracer(ctx, tracerCfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    "order-worker",
		ServiceVersion: tracerCfg.ServiceVersion,
		Environment:    environment,
		OTLPEndpoint:   otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics("github.com/tims-exe/dex-order-engine/worker")
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	pool, err := postgres.OpenPool(ctx, postgres.WorkerDBConfig(cfg.dbURL, cfg.worker.Concurrency))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	logger.Info("PostgreSQL connected")

	repo, err := postgres.NewOrderRepository(pool, logger)
	if err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}

	bus, err := redisadapter.NewStatusBus(redisadapter.Config{
		Addr:     cfg.redisAddr,
		Password: env.Get("REDIS_PASSWORD", ""),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating status bus: %w", err)
	}
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("Redis connected")

	awsCfg, err := awsenv.Load(ctx)
	if err != nil {
		return err
	}

	consumer, err := sqsadapter.NewConsumer(awsCfg, sqsadapter.Config{
		QueueURL:          cfg.queueURL,
		VisibilityTimeout: int32(cfg.visibilityTimeout),
	}, logger, awsenv.SQSOptions()...)
	if err != nil {
		return fmt.Errorf("creating SQS consumer: %w", err)
	}
	defer consumer.Close()

	workerCfg := cfg.worker
	workerCfg.Logger = logger
	workerCfg.Metrics = metrics

	if cfg.failureTopicARN != "" {
		sinkCfg := snsadapter.ConfigDefaults()
		sinkCfg.TopicARN = cfg.failureTopicARN
		sinkCfg.Logger = logger
		sink, err := snsadapter.NewFailureSink(sns.NewFromConfig(awsCfg, awsenv.SNSOptions()...), sinkCfg)
		if err != nil {
			return fmt.Errorf("creating failure sink: %w", err)
		}
		defer sink.Close()
		workerCfg.FailureSink = sink
		logger.Info("failure notifications enabled", "topic", cfg.failureTopicARN)
	}

	if cfg.auditBucket != "" {
		archiveCfg := s3adapter.ConfigDefaults()
		archiveCfg.Bucket = cfg.auditBucket
		archiveCfg.Prefix = env.Get("AUDIT_PREFIX", archiveCfg.Prefix)
		archive, err := s3adapter.NewAuditArchive(awsCfg, archiveCfg, logger, awsenv.S3Options()...)
		if err != nil {
			return fmt.Errorf("creating audit archive: %w", err)
		}
		workerCfg.Archive = archive
		logger.Info("audit archive enabled", "bucket", cfg.auditBucket)
	}

	providers, err := newProviders(logger)
	if err != nil {
		return err
	}
	rt, err := router.New(providers, logger)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	service, err := executionworker.NewService(workerCfg, consumer, repo, bus, rt)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	var shuttingDown atomic.Bool
	healthCfg := httpadapter.HealthServerConfigDefaults()
	healthCfg.Addr = cfg.healthAddr
	healthCfg.Logger = logger
	healthCfg.Dependencies = map[string]httpadapter.DependencyCheck{
		"postgres": pool.Ping,
		"redis":    bus.Ping,
	}
	health := httpadapter.NewHealthServer(healthCfg, service, &shuttingDown)
	health.Start()

	// Cancelling runCtx aborts in-flight jobs; Stop lets them finish.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- service.Run(runCtx)
	}()
	logger.Info("service started, waiting for messages...")

	select {
	case err := <-runDone:
		if err != nil {
			return fmt.Errorf("running service: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down...")
	shuttingDown.Store(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	service.Stop()
	select {
	case err := <-runDone:
		if err != nil {
			logger.Error("error stopping service", "error", err)
		}
	case <-shutdownCtx.Done():
		runCancel()
		<-runDone
		return fmt.Errorf("shutdown timed out")
	}

	if err := health.Shutdown(5 * time.Second); err != nil {
		logger.Warn("health server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newProviders builds the simulated Raydium and Meteora pools. Setting
// DEX_FAILURE_RATE makes both fail that share of executions.
func newProviders(logger *slog.Logger) ([]outbound.LiquidityProvider, error) {
	failureRate, err := env.GetFloat("DEX_FAILURE_RATE", 0)
	if err != nil {
		return nil, err
	}

	var providers []outbound.LiquidityProvider
	for _, cfg := range []liquidity.Config{liquidity.RaydiumConfig(), liquidity.MeteoraConfig()} {
		cfg.FailureRate = failureRate
		sim, err := liquidity.NewSimulator(cfg, liquidity.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("creating %s simulator: %w", cfg.Name, err)
		}
		providers = append(providers, sim)
	}
	return providers, nil
}
