package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/config"
	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/health"
	"github.com/flightctl/calcifer/internal/housekeeping"
	"github.com/flightctl/calcifer/internal/metrics"
	"github.com/flightctl/calcifer/internal/store"
	"github.com/flightctl/calcifer/internal/sweeper"
	"github.com/flightctl/calcifer/internal/tracing"
	"github.com/flightctl/calcifer/pkg/log"
	"github.com/flightctl/calcifer/pkg/shutdown"
)

func main() {
	logger := log.InitLogs()

	if err := runCmd(logger); err != nil {
		logger.WithError(err).Fatal("periodic service error")
	}
}

func runCmd(logger *logrus.Logger) error {
	logger.Info("Starting periodic service")
	defer logger.Info("periodic service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	logger.Infof("Using config: %s", cfg)

	tracing.InitTracer("calcifer-periodic")

	shutdownStatus := shutdown.NewShutdownManager(logger)
	shutdownStatus.SetServiceName("calcifer-periodic")
	shutdownStatus.Register("tracer", shutdown.PriorityLow, shutdown.TimeoutQuick, tracing.Shutdown)

	manager := shutdown.NewManager(logger)
	manager.AddCleanup("drain-components", func() error {
		return shutdownStatus.Shutdown(context.Background())
	})

	db, err := store.InitDB(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	shutdownStatus.Register("database", shutdown.PriorityLowest, shutdown.TimeoutQuick, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	redisClient, err := store.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	shutdownStatus.Register("redis", shutdown.PriorityLowest, shutdown.TimeoutQuick, func(context.Context) error {
		return redisClient.Close()
	})

	overrideStore, err := store.NewOverrideStore(context.Background(), db, redisClient, logger.WithField("pkg", "store"))
	if err != nil {
		return fmt.Errorf("initializing override store: %w", err)
	}
	systemStore := store.NewFunctionalSystemStore(db)
	manager.AddCleanup("functional-system-cache", func() error {
		systemStore.Close()
		return nil
	})
	twinStore := store.NewTwinStore(redisClient, logger.WithField("pkg", "store"), cfg.CAS.MaxRetries)

	bus := events.NewInProcessBus(logger.WithField("pkg", "events"))

	healthMonitor := health.NewMonitor(logger.WithField("pkg", "health"), bus, cfg.HealthCheckInterval(), map[health.Component]health.Checker{
		health.ComponentStoragePrimary: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		health.ComponentStorageCache: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})
	manager.AddServer("health-monitor", shutdown.NewServerFunc(func(ctx context.Context) error {
		healthMonitor.Run(ctx)
		return nil
	}))

	schedule, err := cfg.SweepSchedule()
	if err != nil {
		return fmt.Errorf("parsing override expiration schedule: %w", err)
	}
	expirationSweeper := sweeper.New(logger.WithField("pkg", "sweeper"), overrideStore, systemStore, bus, schedule)
	manager.AddServer("override-sweeper", shutdown.NewServerFunc(func(ctx context.Context) error {
		expirationSweeper.Run(ctx)
		return nil
	}))

	twinHousekeeper := housekeeping.New(logger.WithField("pkg", "housekeeping"), twinStore, bus,
		cfg.StaleAfter(), cfg.OrphanSweepInterval(), cfg.StaleCheckInterval())
	manager.AddServer("twin-housekeeper", shutdown.NewServerFunc(func(ctx context.Context) error {
		twinHousekeeper.Run(ctx)
		return nil
	}))

	metricsServer := metrics.NewMetricsServer(logger.WithField("pkg", "metrics"), prometheus.DefaultGatherer)
	manager.AddServer("metrics", shutdown.NewServerFunc(func(ctx context.Context) error {
		return metricsServer.Run(ctx, metrics.WithListenAddr(cfg.Metrics.Address))
	}))
	manager.AddServer("resource-collector", shutdown.NewServerFunc(func(ctx context.Context) error {
		metrics.RunResourceCollector(ctx, logger.WithField("pkg", "metrics"), 30*time.Second)
		return nil
	}))

	logger.Info("periodic service started, waiting for shutdown signal...")
	return manager.Run(context.Background())
}
