// Order lifecycle core for a multi-tenant trading backend.
//
// Architecture:
//
//	main.go               - entry point: loads config, wires everything, waits for SIGINT/SIGTERM
//	intake/               - order operations: place, close, cancel, modify, SL/TP triggers
//	execution/client.go   - RPC client for the pricing/liquidation engine (dual-path verdicts)
//	reconcile/            - write-behind workers applying provider confirmations off the bus
//	bus/                  - AMQP topology: partitioned work queues keyed by a stable user-id hash
//	pending/worker.go     - trigger worker scanning the resting-order indices on every tick
//	risk/autocutoff.go    - margin-level liquidation sweep driven by the same ticks
//	payout/               - double-entry wallet settlement for confirmed closes
//	cache/                - Redis canonical store: orders, holdings, trigger indices, quotes
//	dbstore/              - Postgres durable store: orders, users, wallet ledger, rejections
//	marketdata/           - WebSocket tick feed with auto-reconnect plus the in-memory quote mirror
//	events/               - per-user event fan-out, bridged across processes over Redis pub/sub
//	api/                  - operator surface: health, portfolio snapshots, cache repairs, event stream
//
// Execution is dual-path: the engine either fills locally (authoritative
// verdict, committed inline) or forwards to the provider, in which case the
// order stays staged until its confirmation arrives on the partitioned bus
// and the reconcile worker commits it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecore/internal/api"
	"tradecore/internal/audit"
	"tradecore/internal/bus"
	"tradecore/internal/cache"
	"tradecore/internal/config"
	"tradecore/internal/dbstore"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/ids"
	"tradecore/internal/intake"
	"tradecore/internal/lock"
	"tradecore/internal/marketdata"
	"tradecore/internal/payout"
	"tradecore/internal/pending"
	"tradecore/internal/reconcile"
	"tradecore/internal/risk"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ORDER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Stores.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	cacheStore := cache.NewStore(rdb)
	{
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := cacheStore.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
	}

	db, err := dbstore.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	busConn, err := bus.Dial(cfg.Bus.URL, cfg.Bus.Partitions, logger)
	if err != nil {
		logger.Error("message bus unreachable", "error", err)
		os.Exit(1)
	}
	defer busConn.Close()

	auditLog, err := audit.Open(cfg.Audit)
	if err != nil {
		logger.Error("audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	// Core services.
	locks := lock.NewManager(rdb)
	idGen := ids.New(rdb, nil)
	evBus := events.NewBus(logger)
	bridge := events.NewBridge(evBus, rdb, logger)
	execClient := execution.NewClient(cfg.Engine.BaseURL, cfg.Engine.Secret, cfg.Engine.Timeout, logger)
	payouts := payout.NewService(db, idGen, logger)
	intakeSvc := intake.NewService(cacheStore, db, execClient, payouts, locks, idGen, evBus,
		cfg.Locks.UserTTL, cfg.MarketData.StaleAfter, cfg.MarketData.CryptoSymbols, logger)
	intakeSvc.SetAudit(auditLog)

	reconWorker := reconcile.NewWorker(cacheStore, db, payouts, locks, evBus, logger)
	reconPool := reconcile.NewPool(busConn, reconWorker, cfg.Bus.Prefetch, cfg.Bus.ConsumerInstances, logger)

	// Market data pipeline: one feed, fanned out to the pending trigger
	// worker and the autocutoff monitor through the price mirror.
	feed := marketdata.NewFeed(cfg.MarketData.WSURL, logger)
	prices := marketdata.NewPrices(cacheStore, logger)
	pendingTicks := make(chan marketdata.Tick, 1024)
	prices.OnTick(func(t marketdata.Tick) {
		select {
		case pendingTicks <- t:
		default:
		}
	})
	monitor := risk.NewMonitor(cfg.Autocutoff, cacheStore, prices, intakeSvc, logger)
	prices.OnTick(monitor.Notify)
	pendingWorker := pending.NewWorker(cacheStore, intakeSvc, logger)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("component stopped", "component", name, "error", err)
				cancel()
			}
		}()
	}
	run("event_bridge", bridge.Run)
	run("market_feed", feed.Run)
	run("price_mirror", func(ctx context.Context) error { return prices.Run(ctx, feed.Ticks()) })
	run("pending_worker", func(ctx context.Context) error { return pendingWorker.Run(ctx, pendingTicks) })
	run("autocutoff", monitor.Run)
	run("reconcile_pool", reconPool.Run)

	subscribeSymbols(ctx, feed, cacheStore, cfg.MarketData.Symbols, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		hub := api.NewHub(logger)
		maintenance := api.NewMaintenance(cacheStore, db, logger)
		handlers := api.NewHandlers(cacheStore, prices, maintenance, evBus, hub, auditLog, logger)
		apiServer = api.NewServer(cfg.API, handlers, hub, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("operator api failed", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("order lifecycle core started",
		"partitions", cfg.Bus.Partitions,
		"prefetch", cfg.Bus.Prefetch,
		"autocutoff", cfg.Autocutoff.Enabled,
		"api", cfg.API.Enabled)

	<-ctx.Done()
	logger.Info("shutting down")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("stop operator api", "error", err)
		}
	}
	feed.Close()
	wg.Wait()
}

// subscribeSymbols subscribes the feed to the configured symbols plus every
// symbol with active cached orders, so triggers re-arm after a restart.
func subscribeSymbols(ctx context.Context, feed *marketdata.Feed, cacheStore *cache.Store,
	configured []string, logger *slog.Logger) {

	seen := make(map[string]bool, len(configured))
	symbols := make([]string, 0, len(configured))
	for _, s := range configured {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	active, err := cacheStore.ActiveSymbols(ctx)
	if err != nil {
		logger.Warn("list active symbols", "error", err)
	}
	for _, s := range active {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return
	}
	if err := feed.Subscribe(symbols); err != nil {
		logger.Warn("subscribe symbols", "count", len(symbols), "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
