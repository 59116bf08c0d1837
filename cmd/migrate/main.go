package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/tims-exe/dex-order-engine/db/migrator"
	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/postgres"
	"github.com/tims-exe/dex-order-engine/internal/pkg/env"
)

func main() {
	dir := flag.String("dir", "./db/migrations", "migrations directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	if err := env.Load(); err != nil {
		logger.Error("loading env", "error", err)
		os.Exit(1)
	}
	connStr := requireEnv(logger, "DATABASE_URL")
	ctx := context.Background()

	// Migrations may rewrite whole tables; no statement or lock timeout.
	dbCfg := postgres.DefaultDBConfig(connStr)
	dbCfg.ApplicationName = "dex-order-engine-migrate"
	dbCfg.StatementTimeout = 0
	dbCfg.LockTimeout = 0

	pool, err := postgres.OpenPool(ctx, dbCfg)
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	applied, err := migrator.New(pool, *dir, logger).ApplyAll(ctx)
	if err != nil {
		logger.Error("migration failed", "error", err)
		pool.Close()
		os.Exit(1)
	}

	logger.Info("all migrations up to date", "applied", applied)
}

func requireEnv(logger *slog.Logger, key string) string {
	value := os.Getenv(key)
	if value == "" {
		logger.Error("required environment variable not set", "key", key)
		os.Exit(1)
	}
	return value
}
