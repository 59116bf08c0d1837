// Package main runs the order API: order submission over HTTP and live
// status streaming over websocket. Orders are persisted in PostgreSQL,
// queued on SQS for the order-worker, and status events arrive via Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpadapter "github.com/tims-exe/dex-order-engine/internal/adapters/inbound/http"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/postgres"
	redisadapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/redis"
	sqsadapter "github.com/tims-exe/dex-order-engine/internal/adapters/outbound/sqs"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/telemetry"
	"github.com/tims-exe/dex-order-engine/internal/pkg/awsenv"
	"github.com/tims-exe/dex-order-engine/internal/pkg/env"
	orderintake "github.com/tims-exe/dex-order-engine/internal/services/order_intake"
	statusrelay "github.com/tims-exe/dex-order-engine/internal/services/status_relay"
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
	addr           string
	dbURL          string
	redisAddr      string
	queueURL       string
	allowedOrigins []string
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("order-api", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	redisAddr := fs.String("redis", "", "Redis address")
	queueURL := fs.String("queue", "", "SQS Queue URL")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		addr:      *addr,
		dbURL:     *dbURL,
		redisAddr: *redisAddr,
		queueURL:  *queueURL,
	}

	if cfg.addr == "" {
		cfg.addr = env.Get("HTTP_ADDR", ":3000")
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
	if cfg.queueURL == "" {
		cfg.queueURL = env.Get("AWS_SQS_QUEUE_URL", "")
	}
	if cfg.queueURL == "" {
		return cliConfig{}, fmt.Errorf("queue URL not provided (use -queue flag or AWS_SQS_QUEUE_URL env var)")
	}
	if origins := env.Get("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.allowedOrigins = strings.Split(origins, ",")
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

	logger.Info("starting order api", "addr", cfg.addr, "queue", cfg.queueURL)

	tracerCfg := telemetry.TracerConfigDefaults()
	tracerCfg.ServiceName = "order-api"
	tracerCfg.Environment = env.Get("ENVIRONMENT", tracerCfg.Environment)
	tracerCfg.OTLPEndpoint = env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdownTracer, err := telemetry.InitTracer(ctx, tracerCfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.dbURL))
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
	producer, err := sqsadapter.NewProducer(awsCfg, sqsadapter.Config{
		QueueURL: cfg.queueURL,
	}, logger, awsenv.SQSOptions()...)
	if err != nil {
		return fmt.Errorf("creating SQS producer: %w", err)
	}

	intake, err := orderintake.NewService(orderintake.Config{Logger: logger}, repo, producer)
	if err != nil {
		return fmt.Errorf("creating intake service: %w", err)
	}
	relay, err := statusrelay.NewService(repo, bus, logger)
	if err != nil {
		return fmt.Errorf("creating status relay: %w", err)
	}

	handlerCfg := httpadapter.HandlerConfigDefaults()
	handlerCfg.AllowedOrigins = cfg.allowedOrigins
	handlerCfg.Logger = logger
	handler, err := httpadapter.NewHandler(handlerCfg, intake, relay)
	if err != nil {
		return fmt.Errorf("creating handler: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("order api listening", "addr", cfg.addr)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving HTTP: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when ctx, the base context of every request, is cancelled.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown timed out: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
