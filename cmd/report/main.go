package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lendfolio/internal/balance"
	"lendfolio/internal/config"
	"lendfolio/internal/fixtures"
	"lendfolio/internal/lookup"
	"lendfolio/internal/observability"
	"lendfolio/internal/portfolio"
	"lendfolio/internal/protocol"
	"lendfolio/internal/protocol/stub"
	"lendfolio/internal/replay"
	"lendfolio/internal/snapshot"
	chstore "lendfolio/internal/storage/clickhouse"
	pgstore "lendfolio/internal/storage/postgres"
	"lendfolio/internal/storage/rediscache"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fatalf("Error loading .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("LENDFOLIO_CONFIG"), "YAML config file")
	wallet := flag.String("wallet", "", "Wallet address to report on")
	pools := flag.String("pools", "", "Comma-separated pool ids (default: tracked_pools from config, else the wallet's backstop pools)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (overrides config and "+config.EnvPostgresDSN+")")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config and "+config.EnvClickhouseDSN+")")
	redisURL := flag.String("redis-url", "", "Redis URL for the historical price cache (optional)")
	rpcEndpoint := flag.String("rpc-endpoint", "", "Protocol JSON-RPC endpoint")
	days := flag.Int("days", 0, "History window in days (default: history_days from config)")
	timezone := flag.String("timezone", "", "Reporting timezone (default: timezone from config)")
	output := flag.String("output", "", "Write JSON to this file instead of stdout")
	useFixtures := flag.Bool("use-fixtures", false, "Use in-memory fixtures instead of databases and the live protocol")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	override(&cfg.PostgresDSN, *postgresDSN)
	override(&cfg.ClickhouseDSN, *clickhouseDSN)
	override(&cfg.RedisURL, *redisURL)
	override(&cfg.RPC.Endpoint, *rpcEndpoint)
	override(&cfg.Timezone, *timezone)
	if *days > 0 {
		cfg.HistoryDays = *days
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Error: %v", err)
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fatalf("Error building logger: %v", err)
	}
	defer logger.Sync()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		src     *sources
		cleanup func()
	)
	if *useFixtures {
		src, err = fixtureSources(ctx)
		cleanup = func() {}
		if *wallet == "" {
			*wallet = fixtures.Wallet
		}
		if *pools == "" && len(cfg.TrackedPools) == 0 {
			cfg.TrackedPools = []string{fixtures.Pool}
		}
	} else {
		if err := cfg.ValidateLive(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintln(os.Stderr, "Use --use-fixtures to run with demo data instead")
			os.Exit(1)
		}
		src, cleanup, err = liveSources(ctx, cfg, logger)
	}
	if err != nil {
		logger.Fatal("failed to create sources", zap.Error(err))
	}
	defer cleanup()

	if *wallet == "" {
		fatalf("Error: --wallet is required")
	}
	poolIDs := cfg.TrackedPools
	if *pools != "" {
		poolIDs = splitList(*pools)
	}
	if len(poolIDs) == 0 {
		logger.Info("no pools given, using the wallet's backstop pools", zap.String("wallet", *wallet))
	}

	svc, err := newService(cfg, src, poolIDs, logger)
	if err != nil {
		logger.Fatal("failed to create report service", zap.Error(err))
	}

	started := time.Now()
	report, err := svc.Report(ctx, *wallet, poolIDs)
	if err != nil {
		logger.Fatal("report failed", zap.String("wallet", *wallet), zap.Error(err))
	}
	logger.Info("report built",
		zap.String("wallet", *wallet),
		zap.Int("pools", len(report.Snapshot.PoolIDs)),
		zap.Int("excluded", len(report.Snapshot.Excluded)),
		zap.Duration("elapsed", time.Since(started)))

	if err := writeReport(*output, report); err != nil {
		logger.Fatal("failed to write report", zap.Error(err))
	}
}

// sources are the stores and live client a report reads from.
type sources struct {
	stores fixtures.Stores
	client protocol.Client
}

// fixtureSources returns memory stores and a stub client seeded with the demo wallet.
func fixtureSources(ctx context.Context) (*sources, error) {
	stores := fixtures.MemoryStores()
	client := stub.NewClient()
	if err := fixtures.Load(ctx, stores, client, time.Now()); err != nil {
		return nil, fmt.Errorf("load fixtures: %w", err)
	}
	return &sources{stores: stores, client: client}, nil
}

// liveSources connects to PostgreSQL, ClickHouse, optional Redis and the protocol RPC.
func liveSources(ctx context.Context, cfg config.Config, logger *zap.Logger) (*sources, func(), error) {
	pgPool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	chConn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pgPool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	src := &sources{
		stores: fixtures.Stores{
			Pools:     pgstore.NewPoolEventStore(pgPool),
			Backstops: pgstore.NewBackstopEventStore(pgPool),
			Rates:     chstore.NewRateStore(chConn),
			Prices:    chstore.NewPriceStore(chConn),
		},
		client: protocol.NewHTTPClient(cfg.RPC.Endpoint, cfg.RPCOptions()...),
	}
	closers := []func(){pgPool.Close, func() { chConn.Close() }}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pgPool.Close()
			chConn.Close()
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache is optional; run uncached.
			logger.Warn("redis unavailable, price cache disabled", zap.Error(err))
			rdb.Close()
		} else {
			src.stores.Prices = rediscache.NewCachedPriceStore(src.stores.Prices, rdb, rediscache.WithTTL(cfg.Cache.PriceTTL))
			closers = append(closers, func() { rdb.Close() })
		}
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return src, cleanup, nil
}

func newService(cfg config.Config, src *sources, poolIDs []string, logger *zap.Logger) (*portfolio.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	agg := snapshot.NewAggregator(src.client,
		snapshot.WithCaches(snapshot.NewCaches(cfg.Cache.PoolTTL, cfg.Cache.MetadataTTL, time.Now)),
		snapshot.WithTrackedPools(poolIDs...),
		snapshot.WithConcurrency(cfg.Concurrency),
		snapshot.WithLogger(logger),
	)
	resolver := lookup.NewResolver(src.stores.Rates, src.stores.Prices,
		lookup.WithLivePrices(agg),
		lookup.WithFallbackPrices(cfg.FallbackPrices),
		lookup.WithLogger(logger),
	)
	engine := balance.NewEngine(src.stores.Pools, src.stores.Backstops, resolver, balance.WithLogger(logger))
	runner := replay.NewRunner(src.stores.Pools, src.stores.Backstops)

	return portfolio.NewService(engine, agg, resolver, runner,
		portfolio.WithLocation(loc),
		portfolio.WithHistoryDays(cfg.HistoryDays),
		portfolio.WithBackstopPriceToken(cfg.BackstopPriceToken),
		portfolio.WithLogger(logger),
	), nil
}

func writeReport(path string, report *portfolio.Report) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	logger.Info("starting metrics server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server error", zap.Error(err))
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
