// Package main runs the cluster master: HTTP API, coordinator and sweeps.
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

	"github.com/localgrid/scraper-cluster/internal/api"
	"github.com/localgrid/scraper-cluster/internal/cache"
	"github.com/localgrid/scraper-cluster/internal/clock/system"
	"github.com/localgrid/scraper-cluster/internal/config"
	"github.com/localgrid/scraper-cluster/internal/coordinator"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/id/uuid"
	"github.com/localgrid/scraper-cluster/internal/logging"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/monitor"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
	"github.com/localgrid/scraper-cluster/internal/store"
	memorystore "github.com/localgrid/scraper-cluster/internal/store/memory"
	redisstore "github.com/localgrid/scraper-cluster/internal/store/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(cfg.Store)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	metrics.Init()
	clock := system.New()
	idGen := uuid.New()

	taskQueue := queue.New(st, clock, queue.Config{
		MaxBacklog:  cfg.Queue.MaxBacklog,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay(),
		MaxTaskAge:  cfg.Queue.MaxTaskAge(),
		ResultTTL:   cfg.Queue.ResultTTL(),
	})
	workerRegistry := registry.New(st, clock, registry.Config{
		ActiveWithin: cfg.Registry.ActiveWithin(),
		StaleWithin:  cfg.Registry.StaleWithin(),
		Retention:    cfg.Registry.Retention(),
	})
	pool := credentials.New(st, clock, credentials.Config{
		FailureThreshold: cfg.Credentials.FailureThreshold,
		CooldownBase:     cfg.Credentials.CooldownBase(),
		CooldownMax:      cfg.Credentials.CooldownMax(),
	})
	if len(cfg.Credentials.Keys) > 0 {
		if err := pool.Seed(ctx, cfg.Credentials.Keys); err != nil {
			logger.Fatal("seed credentials failed", zap.Error(err))
		}
		logger.Info("credential pool seeded", zap.Int("keys", len(cfg.Credentials.Keys)))
	}
	resultCache := cache.New(st, cfg.Search.CacheTTL())

	coord := coordinator.New(taskQueue, workerRegistry, pool, resultCache, clock, idGen, coordinator.Config{
		SegmentSize:     cfg.Search.SegmentSize,
		MaxLimit:        cfg.Search.MaxLimit,
		DefaultDeadline: cfg.Search.DefaultDeadline(),
		TickInterval:    cfg.Queue.TickInterval(),
	}, logger.Named("coordinator"))
	mon := monitor.New(workerRegistry, taskQueue, pool, clock)

	apiServer := api.NewServer(coord, mon, resultCache, st, cfg.Search.DefaultDeadline(), logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator started")
		coord.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}), nil
	default:
		return memorystore.New(), nil
	}
}
