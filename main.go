package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cex-order-core/internal/api"
	"cex-order-core/internal/balance"
	"cex-order-core/internal/events"
	"cex-order-core/internal/market"
	"cex-order-core/internal/monitor"
	"cex-order-core/internal/order"
	"cex-order-core/internal/persistence"
	"cex-order-core/internal/reconciliation"
	"cex-order-core/internal/trades"
	"cex-order-core/pkg/config"
	"cex-order-core/pkg/db"
	exspot "cex-order-core/pkg/exchanges/binance/spot"
	"cex-order-core/pkg/logger"
)

func main() {
	issueToken := flag.Int64("issue-token", 0, "print a signed API token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken > 0 {
		tok, err := api.GenerateToken(*issueToken, cfg.JWTSecret, time.Now().Add(*tokenTTL))
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	log, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("order core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting order core",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("exchange", cfg.BinanceBaseURL),
		zap.String("fee_rate", cfg.FeeRate.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pairs, err := market.LoadPairs(cfg.MarketsFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("markets file not found; using pairs already stored", zap.String("path", cfg.MarketsFile))
	case err != nil:
		return fmt.Errorf("load markets: %w", err)
	default:
		if err := market.SeedPairs(ctx, database, pairs); err != nil {
			return fmt.Errorf("seed markets: %w", err)
		}
		log.Info("market pairs loaded", zap.Int("count", len(pairs)))
	}

	// Exchange
	client := exspot.New(exspot.Config{
		APIKey:     cfg.BinanceAPIKey,
		APISecret:  cfg.BinanceAPISecret,
		Testnet:    cfg.BinanceTestnet,
		BaseURL:    cfg.BinanceBaseURL,
		RecvWindow: cfg.BinanceRecvWindow,
	}, log)
	client.TimeSync().Start(ctx)
	if cfg.BinanceAPIKey == "" {
		log.Warn("BINANCE_API_KEY not set; order submission will fail until credentials are configured")
	}

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	ledger := balance.NewLedger(database, log)
	recorder := trades.NewRecorder(database, log)
	provider := market.NewProvider(database, client, cfg.RulesCacheTTL, cfg.PriceCacheTTL, log)

	orders := order.NewManager(order.Deps{
		DB:       database,
		Ledger:   ledger,
		Trades:   recorder,
		Market:   provider,
		Exchange: client,
		Bus:      bus,
		Metrics:  metrics,
		FeeRate:  cfg.FeeRate,
		Log:      log,
	})

	audit := persistence.NewBatchWriter(database, 100, cfg.AuditFlushInterval, log)
	defer audit.Close()
	audit.RecordTransitions(ctx, bus)

	recon := reconciliation.NewService(reconciliation.Deps{
		Orders:  orders,
		Ledger:  ledger,
		Account: client,
		Audit:   audit,
		Bus:     bus,
		Metrics: metrics,
		Log:     log,
	}, reconciliation.Config{
		Interval:     cfg.ReconcileInterval,
		Workers:      cfg.ReconcileWorkers,
		PendingGrace: cfg.PendingGrace,
	})

	// Resolve whatever the previous process left in flight before serving.
	if report, err := recon.SyncOrderStatuses(ctx); err != nil {
		log.Error("startup reconciliation failed", zap.Error(err))
	} else {
		log.Info("startup reconciliation done",
			zap.Int("checked", report.Checked),
			zap.Int("updated", report.Updated),
			zap.Int("failed", report.Failed),
		)
	}
	recon.Start(ctx)

	(&monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: log}, Log: log}).Start(ctx)
	(&market.Feed{Provider: provider, Bus: bus, Interval: cfg.PriceFeedInterval, Log: log}).Start(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(bus, events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), log)
		go sink.Run(ctx)
		log.Info("kafka order event sink enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
		)
	}

	// API
	server := api.NewServer(api.Options{
		Orders:        orders,
		Syncer:        recon,
		Balances:      ledger,
		Markets:       provider,
		Bus:           bus,
		Metrics:       metrics,
		Audit:         audit,
		JWTSecret:     cfg.JWTSecret,
		AllowDeposits: cfg.AllowDeposits,
		Development:   cfg.IsDevelopment(),
		Log:           log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
