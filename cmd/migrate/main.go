// Package main applies the embedded schema migrations to PostgreSQL and ClickHouse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lendfolio/internal/config"
	"lendfolio/internal/storage/migrations"
	pgstore "lendfolio/internal/storage/postgres"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	configPath := flag.String("config", os.Getenv("LENDFOLIO_CONFIG"), "YAML config file")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (overrides config and "+config.EnvPostgresDSN+")")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config and "+config.EnvClickhouseDSN+")")
	skipPostgres := flag.Bool("skip-postgres", false, "Do not migrate PostgreSQL")
	skipClickhouse := flag.Bool("skip-clickhouse", false, "Do not migrate ClickHouse")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.ClickhouseDSN = *clickhouseDSN
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*skipPostgres {
		if cfg.PostgresDSN == "" {
			logger.Fatal("postgres dsn is required", zap.String("env", config.EnvPostgresDSN))
		}
		if err := migratePostgres(ctx, cfg.PostgresDSN, logger); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
	}

	if !*skipClickhouse {
		if cfg.ClickhouseDSN == "" {
			logger.Fatal("clickhouse dsn is required", zap.String("env", config.EnvClickhouseDSN))
		}
		if err := migrateClickhouse(ctx, cfg.ClickhouseDSN, logger); err != nil {
			logger.Fatal("clickhouse migration failed", zap.Error(err))
		}
	}
}

func migratePostgres(ctx context.Context, dsn string, logger *zap.Logger) error {
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("postgres migrations applied", zap.Strings("files", applied))
	return nil
}

func migrateClickhouse(ctx context.Context, dsn string, logger *zap.Logger) error {
	conn, applied, err := migrations.RunClickhouseMigrations(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("clickhouse migrations applied", zap.Strings("files", applied))
	return nil
}
