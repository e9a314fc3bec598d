// Package main runs the read-only cluster dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/clock/system"
	"github.com/localgrid/scraper-cluster/internal/config"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/logging"
	"github.com/localgrid/scraper-cluster/internal/monitor"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
	"github.com/localgrid/scraper-cluster/internal/store"
	memorystore "github.com/localgrid/scraper-cluster/internal/store/memory"
	redisstore "github.com/localgrid/scraper-cluster/internal/store/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	refresh := flag.Duration("refresh", 5*time.Second, "Refresh interval")
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
		_ = logger.Sync()
	}()

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

	clock := system.New()
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

	mon := monitor.New(workerRegistry, taskQueue, pool, clock)
	if err := mon.Watch(ctx, os.Stdout, *refresh); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("monitor failed", zap.Error(err))
	}
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
