package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pharmapos/internal/cache"
	"pharmapos/internal/config"
	"pharmapos/internal/httpapi"
	"pharmapos/internal/logging"
	"pharmapos/internal/loyalty"
	"pharmapos/internal/metrics"
	"pharmapos/internal/sale"
	"pharmapos/internal/seed"
	"pharmapos/internal/service"
	"pharmapos/internal/store"
	"pharmapos/internal/store/memory"
	pgstore "pharmapos/internal/store/postgres"
	sqlitestore "pharmapos/internal/store/sqlite"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type app struct {
	handler  http.Handler
	sessions *service.Sessions
	tokenTTL time.Duration
	closers  []func() error
}

func (a *app) close(logger *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	application, err := build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer application.close(logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           application.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopJanitor := make(chan struct{})
	go sweepIdleSessions(application.sessions, application.tokenTTL, stopJanitor, logger)
	defer close(stopJanitor)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("pharmacy POS listening", zap.String("addr", cfg.Address()), zap.String("driver", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("listen: %w", err)
	case <-sig:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// build wires the store, the tier cache, the engines and the HTTP API.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	application := &app{}
	repo, err := openRepository(ctx, cfg, logger, application)
	if err != nil {
		application.close(logger)
		return nil, err
	}

	tierCache := cache.TierCache(cache.NoopTierCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisTierCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop tier cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			tierCache = redisCache
			application.closers = append(application.closers, redisCache.Close)
			logger.Info("tier cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}
	tiers := cache.NewCachedTierSource(repo, tierCache, time.Duration(cfg.TierCacheTTLSeconds)*time.Second, logger)

	m := metrics.New()
	loyaltyEngine := loyalty.NewEngine(loyalty.Config{
		PointsPerUnit: cfg.LoyaltyPointsPerUnit,
		PointValue:    cfg.LoyaltyPointValue,
	}, tiers)
	sales := sale.NewEngine(repo, sale.Config{
		NumberPrefix:   cfg.SaleNumberPrefix,
		ReceiptTitle:   cfg.ReceiptTitle,
		CurrencySymbol: cfg.CurrencySymbol,
	}, sale.WithLogger(logger), sale.WithMetrics(m))
	svc := service.New(repo, loyaltyEngine, sales, service.Config{
		StockDefaultThreshold: cfg.StockDefaultThreshold,
		ExpiryAlertDays:       cfg.StockExpiryAlertDays,
	}, service.WithLogger(logger), service.WithMetrics(m))

	tokenTTL := time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, tokenTTL, repo, logger)
	api, err := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(m),
		httpapi.WithLoginRate(cfg.LoginRate))
	if err != nil {
		application.close(logger)
		return nil, err
	}

	application.handler = api.Handler()
	application.sessions = svc.Sessions()
	application.tokenTTL = auth.TokenTTL()
	return application, nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger, application *app) (store.Repository, error) {
	var repo store.Repository
	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem, err := memory.NewSeeded(logger)
		if err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		logger.Info("repository: in-memory")
		return mem, nil
	case config.DriverSQLite:
		lite, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		application.closers = append(application.closers, lite.Close)
		logger.Info("repository: sqlite", zap.String("path", cfg.SQLitePath))
		repo = lite
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to fall back to memory: %w", err)
		}
		application.closers = append(application.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("repository: postgres")
		repo = pg
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.SeedDemoData {
		if err := seed.Apply(ctx, repo, logger); err != nil {
			return nil, fmt.Errorf("seed demo data: %w", err)
		}
	}
	return repo, nil
}

// sweepIdleSessions drops carts whose session token has certainly expired.
func sweepIdleSessions(sessions *service.Sessions, maxIdle time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := sessions.DropIdle(maxIdle); removed > 0 {
				logger.Debug("dropped idle sessions", zap.Int("count", removed))
			}
		}
	}
}
