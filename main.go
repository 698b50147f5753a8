package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/andrewreder/paygate/go-api/config"
	httpapi "github.com/andrewreder/paygate/go-api/http-api"
	"github.com/andrewreder/paygate/go-api/logging"
	mcpserver "github.com/andrewreder/paygate/go-api/mcp"
	"github.com/andrewreder/paygate/go-api/store"
	"github.com/andrewreder/paygate/go-api/wallet"
	"github.com/andrewreder/paygate/go-api/x402"
)

const (
	shutdownTimeout    = 15 * time.Second
	facilitatorTimeout = 20 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lifecycle closes what run opened, in reverse order.
type lifecycle struct {
	closers []func() error
	logger  *zap.Logger
}

func (l *lifecycle) onClose(name string, fn func() error) {
	l.closers = append(l.closers, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		l.logger.Info("closed", zap.String("resource", name))
		return nil
	})
}

func (l *lifecycle) close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			l.logger.Warn("shutdown", zap.Error(err))
		}
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if strings.EqualFold(cfg.Env, "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	// Closed after stop so the sweeper is gone before its store is.
	lc := &lifecycle{logger: logger}
	defer lc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := x402.NewMetrics(registry)

	var checks []httpapi.HealthCheck

	var (
		nonces x402.NonceStore
		cache  x402.ValidationCache
	)
	if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		lc.onClose("redis", rdb.Close)
		nonces = store.NewRedisNonceStore(rdb)
		cache = store.NewRedisValidationCache(rdb)
		checks = append(checks, httpapi.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		nonces = store.NewMemoryNonceStore()
		cache = store.NewMemoryValidationCache()
	}

	ledger, sweeper, err := openLedger(ctx, cfg, lc)
	if err != nil {
		return err
	}
	if p, ok := ledger.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, httpapi.HealthCheck{Name: "ledger", Check: p.Ping})
	}

	strategy, err := newStrategy(ctx, cfg, lc, logger)
	if err != nil {
		return err
	}

	engine, err := x402.NewEngine(x402.EngineDeps{
		Strategy: strategy,
		Nonces:   nonces,
		Cache:    cache,
		Ledger:   ledger,
		Metrics:  metrics,
		Logger:   logger,
	}, x402.EngineConfig{
		PayTo:           cfg.PayTo,
		Network:         cfg.Network,
		Currency:        cfg.Currency,
		ChallengeTTL:    cfg.ChallengeTTL,
		CacheTTL:        cfg.ValidationCacheTTL,
		ValidateTimeout: cfg.ValidateTimeout,
		LedgerRetention: cfg.LedgerRetention,
	})
	if err != nil {
		return fmt.Errorf("payment engine: %w", err)
	}

	gate := x402.NewGate(engine, cfg.Pricing, logger)
	toolGate := x402.NewToolGate(engine, cfg.PublicURL, logger)
	for _, path := range cfg.Pricing.Paths() {
		if name, ok := strings.CutPrefix(path, "/tools/"); ok {
			price, _ := cfg.Pricing.Price(path)
			toolGate.SetToolPrice(name, price)
		}
	}

	reader := wallet.NewSolanaReader(cfg.SolanaRPCURL)
	discovery, err := mcpserver.NewServer(toolGate, reader)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Dependencies{
		Engine:   engine,
		Gate:     gate,
		Wallet:   reader,
		MCP:      discovery.Handler(),
		Health:   checks,
		Gatherer: registry,
		Logger:   logger,
		BaseURL:  cfg.PublicURL,
	})
	if err != nil {
		return err
	}

	go store.RunSweeper(ctx, sweeper, cfg.LedgerSweepInterval, metrics, logger.Named("sweeper"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("mode", string(engine.Mode())),
			zap.String("network", string(cfg.Network)),
			zap.String("ledger", cfg.LedgerDriver),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ledgerStore is what run needs from a settlement ledger.
type ledgerStore interface {
	x402.Ledger
	x402.Sweeper
}

func openLedger(ctx context.Context, cfg *config.Config, lc *lifecycle) (ledgerStore, x402.Sweeper, error) {
	switch cfg.LedgerDriver {
	case config.LedgerPostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		lc.onClose("postgres", db.Close)
		ledger := store.NewPostgresLedger(db)
		if err := ledger.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return ledger, ledger, nil
	case config.LedgerBolt:
		ledger, err := store.OpenBoltLedger(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		lc.onClose("bolt", ledger.Close)
		return ledger, ledger, nil
	default:
		ledger := store.NewMemoryLedger()
		return ledger, ledger, nil
	}
}

func newStrategy(ctx context.Context, cfg *config.Config, lc *lifecycle, logger *zap.Logger) (x402.Strategy, error) {
	switch cfg.Mode {
	case x402.ModeFacilitator:
		client := x402.NewFacilitatorClientFromCredentials(
			cfg.FacilitatorURL,
			cfg.CDPAPIKeyID,
			cfg.CDPAPIKeySecret,
			&http.Client{Timeout: facilitatorTimeout},
		)
		return x402.NewFacilitatorStrategy(client, x402.FacilitatorOptions{
			PayTo:      cfg.PayTo,
			Network:    cfg.Network,
			Currency:   cfg.Currency,
			CacheTTL:   cfg.ValidationCacheTTL,
			MaxTimeout: cfg.ChallengeTTL,
		}, logger.Named("facilitator"))

	case x402.ModeOnChain:
		var fetcher x402.TransactionFetcher
		switch cfg.Network.Family() {
		case x402.FamilyEVM:
			client, err := x402.NewEVMClient(ctx, cfg.EVMRPCURL)
			if err != nil {
				return nil, fmt.Errorf("dial evm rpc: %w", err)
			}
			if c, ok := client.(interface{ Close() }); ok {
				lc.onClose("evm rpc", func() error { c.Close(); return nil })
			}
			fetcher = x402.NewEVMFetcher(client)
		default:
			fetcher = x402.NewSolanaFetcher(cfg.SolanaRPCURL)
		}
		return x402.NewOnChainStrategy(fetcher, x402.OnChainOptions{
			PayTo:         cfg.PayTo,
			Network:       cfg.Network,
			Currency:      cfg.Currency,
			Freshness:     cfg.ProofFreshness,
			CacheTTL:      cfg.ValidationCacheTTL,
			Attempts:      cfg.OnChainAttempts,
			RetryInterval: cfg.OnChainRetryInterval,
		}, logger.Named("onchain"))

	default:
		return x402.NewSimulatedStrategy(cfg.ProofFreshness, cfg.ValidationCacheTTL), nil
	}
}
