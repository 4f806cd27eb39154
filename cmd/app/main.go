package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/davefmurray/tm-fastapi-backend/internal/aggregate"
	"github.com/davefmurray/tm-fastapi-backend/internal/audit"
	"github.com/davefmurray/tm-fastapi-backend/internal/cache"
	"github.com/davefmurray/tm-fastapi-backend/internal/config"
	"github.com/davefmurray/tm-fastapi-backend/internal/httpserver"
	"github.com/davefmurray/tm-fastapi-backend/internal/logging"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/snapshot"
	"github.com/davefmurray/tm-fastapi-backend/internal/syncer"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
	"github.com/davefmurray/tm-fastapi-backend/internal/variance"
	"github.com/davefmurray/tm-fastapi-backend/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tm sync service", "env", cfg.AppEnv, "shops", len(cfg.ShopIDs))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := repo.Open(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, cfg.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	opts := syncer.Options{
		Workers:              cfg.SyncWorkers,
		Boards:               cfg.SyncBoards,
		LookbackDays:         cfg.LookbackDays,
		LockTTL:              cfg.RunLockTTL,
		RateBookTTL:          cfg.ShopConfigTTL,
		DefaultTechRateCents: cfg.DefaultTechRateCents,
		Timezone:             cfg.ShopTimezone,
	}

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		opts.Locker = redisClient
		opts.Cache = redisClient
	} else {
		logger.Info("redis not configured, runs are serialised in-process")
	}

	api := tekmetric.New(tekmetric.Config{
		BaseURL:           cfg.TMBaseURL,
		AuthToken:         cfg.TMAuthToken,
		Timeout:           cfg.TMTimeout,
		RequestsPerSecond: cfg.TMRateLimitRPS,
		Burst:             cfg.TMRateBurst,
		MaxRetries:        cfg.TMMaxRetries,
		ShopTTL:           cfg.ShopConfigTTL,
	}, logger, metricRegistry, redisClient)

	svc := syncer.New(api, store,
		snapshot.New(store, variance.New(cfg.VarianceThreshold), metricRegistry, logger),
		aggregate.New(store, logger),
		audit.New(store, metricRegistry, logger),
		opts, metricRegistry, logger)

	errCh := make(chan error, 2)

	if cfg.SyncEnabled {
		scheduler := syncer.NewScheduler(svc, syncer.ScheduleConfig{
			ShopIDs:       cfg.ShopIDs,
			OrderInterval: cfg.ROInterval,
			EmployeeHour:  cfg.EmployeeHour,
			Timezone:      cfg.ShopTimezone,
		})
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	} else {
		logger.Info("scheduled sync disabled")
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Syncer: svc,
		Store:  store,
	}, cfg.PublicBasePath)

	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("service error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
