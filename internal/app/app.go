package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/api"
	"github.com/ghaph/auto-middleman/internal/api/middleware"
	"github.com/ghaph/auto-middleman/internal/chain"
	"github.com/ghaph/auto-middleman/internal/chat"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/config"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/observability"
	"github.com/ghaph/auto-middleman/internal/pricefeed"
	"github.com/ghaph/auto-middleman/internal/profile"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/ticket"
	"github.com/ghaph/auto-middleman/internal/wallet"
	"github.com/ghaph/auto-middleman/internal/worker"
)

// Run bootstraps the escrow daemon: store, price feed, ledger, negotiation
// engine, workers and the operator HTTP server. Blocks until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStore(ctx, cfg)
	if err != nil {
		// Give the log sink a moment to flush before the process dies.
		logger.Error("store unreachable", zap.Error(err))
		time.Sleep(2 * time.Second)
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	feed := pricefeed.NewCoinGecko(60*time.Second, redisClient, logger)
	go feed.Run(ctx)

	registry := wallet.NewRegistry(cfg.Accounts)
	deriver := wallet.NewDeriver(registry)
	networks := buildNetworks(cfg, logger)

	writes := coalesce.NewScheduler(time.Second, logger)
	profiles := profile.NewRegistry(st, logger)

	lg := ledger.New(st, feed, registry, deriver, networks, writes, profiles,
		ledgerConfig(cfg), logger)

	engine := ticket.New(st, lg, chat.NewLog(logger), writes, ticket.Config{
		CreationCooldown: cfg.CreationCooldown,
		MaxUnpaid:        cfg.MaxUnpaid,
	}, logger)
	lg.Subscribe(engine.OnLedgerEvent)

	if err := engine.LoadOpen(ctx); err != nil {
		return fmt.Errorf("load open tickets: %w", err)
	}

	balanceWorker := worker.NewBalanceWorker(lg).WithInterval(cfg.BalanceInterval)
	closerWorker := worker.NewCloserWorker(engine).WithInterval(cfg.CloserInterval)
	stopBalance := balanceWorker.Run(ctx)
	stopCloser := closerWorker.Run(ctx)
	logger.Info("workers started",
		zap.Duration("balance_interval", cfg.BalanceInterval),
		zap.Duration("closer_interval", cfg.CloserInterval))

	router := api.NewRouter(st, redisClient, lg, engine, logger)
	router.PublicRPS = cfg.PublicRateLimitRPS
	router.AuthRPS = cfg.AuthRateLimitRPS

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopBalance()
	stopCloser()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	// Drain in-flight events and coalesced writes before the store closes.
	lg.Close()
	writes.Close()

	logger.Info("shutdown complete")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreKind == "memory" {
		return store.NewMemory(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return store.ConnectPostgres(connectCtx, cfg.DatabaseURL)
}

func buildNetworks(cfg *config.Config, logger *zap.Logger) map[domain.CryptoType]chain.Network {
	networks := make(map[domain.CryptoType]chain.Network, len(domain.All()))
	for _, crypto := range domain.All() {
		if crypto == domain.ETH {
			networks[crypto] = chain.NewEthereum(cfg.EthEndpoints, cfg.EthChainID, logger)
			continue
		}
		networks[crypto] = chain.NewUTXONetwork(
			crypto,
			chain.NewInsightAPI(cfg.ExplorerURL(crypto)),
			cfg.Fee(crypto),
			cfg.Crypto(crypto).OperatorAddress,
			logger,
		)
	}
	return networks
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	overrides := make(map[domain.CryptoType]ledger.CryptoSettings, len(cfg.Cryptos))
	for crypto, cc := range cfg.Cryptos {
		s := ledger.CryptoSettings{
			Disabled:      cc.Disabled,
			Confirmations: cc.Confirmations,
		}
		if cc.MinUsd != "" {
			if minUsd, err := decimal.NewFromString(cc.MinUsd); err == nil {
				s.MinUsd = minUsd
			}
		}
		overrides[crypto] = s
	}
	return ledger.Config{
		MinUsd:         cfg.MinUsd,
		Confirmations:  cfg.Confirmations,
		PendingTimeout: cfg.PendingTimeout,
		Overrides:      overrides,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
