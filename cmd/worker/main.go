// Package main runs one scraper worker process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/automation"
	"github.com/localgrid/scraper-cluster/internal/clock/system"
	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/config"
	"github.com/localgrid/scraper-cluster/internal/credentials"
	"github.com/localgrid/scraper-cluster/internal/id/uuid"
	"github.com/localgrid/scraper-cluster/internal/logging"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/queue"
	"github.com/localgrid/scraper-cluster/internal/registry"
	"github.com/localgrid/scraper-cluster/internal/runtime"
	"github.com/localgrid/scraper-cluster/internal/solver"
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

	workerID := cfg.Worker.ID
	if workerID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			logger.Fatal("generate worker id failed", zap.Error(err))
		}
		workerID = fmt.Sprintf("worker-%s@%s", id[:8], cfg.Worker.Node)
	}

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

	var browser cluster.Browser = automation.NewNoopBrowser()
	if cfg.Browser.Enabled {
		driver, err := automation.NewChromedp(automation.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			UserAgent:         cfg.Browser.UserAgent,
			Language:          cfg.Browser.Language,
			NavigationTimeout: cfg.Browser.NavTimeout(),
			ScrollPause:       cfg.Browser.ScrollPause(),
			MaxScrolls:        cfg.Browser.MaxScrolls,
		})
		if err != nil {
			logger.Fatal("browser init failed", zap.Error(err))
		}
		defer driver.Close()
		browser = driver
	}

	var prober cluster.Prober
	if cfg.Worker.PreflightEnabled {
		prober = automation.NewProber(automation.ProberConfig{
			UserAgent: cfg.Browser.UserAgent,
			Language:  cfg.Browser.Language,
		})
	}
	captchaSolver := solver.New(solver.Config{
		BaseURL:      cfg.Solver.BaseURL,
		PollInterval: cfg.Solver.PollInterval(),
		HTTPTimeout:  cfg.Solver.HTTPTimeout(),
	}, logger.Named("solver"))

	rt := runtime.New(
		taskQueue,
		workerRegistry,
		pool,
		browser,
		captchaSolver,
		prober,
		clock,
		runtime.Config{
			WorkerID:          workerID,
			Node:              cfg.Worker.Node,
			Capacity:          cfg.Worker.Capacity,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
			PollInterval:      cfg.Worker.PollInterval(),
			CaptchaAttempts:   cfg.Worker.CaptchaAttempts,
			SolveTimeout:      cfg.Worker.SolveTimeout(),
		},
		logger.Named("worker"),
	)

	logger.Info("worker starting", zap.String("worker_id", workerID))
	if err := rt.Run(ctx); err != nil {
		logger.Fatal("worker run failed", zap.Error(err))
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
