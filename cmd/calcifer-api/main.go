package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/api"
	"github.com/flightctl/calcifer/internal/calculator"
	"github.com/flightctl/calcifer/internal/config"
	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/health"
	"github.com/flightctl/calcifer/internal/metrics"
	"github.com/flightctl/calcifer/internal/overrideresolver"
	"github.com/flightctl/calcifer/internal/reconcile"
	"github.com/flightctl/calcifer/internal/safety"
	"github.com/flightctl/calcifer/internal/store"
	"github.com/flightctl/calcifer/internal/tracing"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/pkg/log"
	"github.com/flightctl/calcifer/pkg/shutdown"
)

func main() {
	logger := log.InitLogs()

	if err := runCmd(logger); err != nil {
		logger.WithError(err).Fatal("API service error")
	}
}

func runCmd(logger *logrus.Logger) error {
	logger.Info("Starting API service")
	defer logger.Info("API service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	logger.Infof("Using config: %s", cfg)

	tracing.InitTracer("calcifer-api")

	shutdownStatus := shutdown.NewShutdownManager(logger)
	shutdownStatus.SetServiceName("calcifer-api")
	shutdownStatus.Register("tracer", shutdown.PriorityLow, shutdown.TimeoutQuick, tracing.Shutdown)

	manager := shutdown.NewManager(logger)
	manager.AddCleanup("drain-components", func() error {
		return shutdownStatus.Shutdown(context.Background())
	})

	logger.Info("Initializing data store")
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

	twinStore := store.NewTwinStore(redisClient, logger.WithField("pkg", "store"), cfg.CAS.MaxRetries)

	overrideStore, err := store.NewOverrideStore(context.Background(), db, redisClient, logger.WithField("pkg", "store"))
	if err != nil {
		return fmt.Errorf("initializing override store: %w", err)
	}
	systemStore := store.NewFunctionalSystemStore(db)
	manager.AddCleanup("functional-system-cache", func() error {
		systemStore.Close()
		return nil
	})
	auditStore := store.NewAuditStore(db, logger.WithField("pkg", "store"))

	bus := events.NewInProcessBus(logger.WithField("pkg", "events"))
	overrideResolver := overrideresolver.NewResolver(overrideStore, nil)

	var safetyRules []twin.SafetyRule
	if cfg.Rule.DeclarativeRulesPath != "" {
		loaded, err := safety.LoadRules(cfg.Rule.DeclarativeRulesPath)
		if err != nil {
			return fmt.Errorf("loading declarative safety rules: %w", err)
		}
		safetyRules = loaded
	}
	safetyEngine := safety.NewEngine(
		logger.WithField("pkg", "safety"),
		cfg.RuleEvaluationTimeout(),
		[]twin.SafetyRule{safety.NewFanMaxSpeedClamp()},
		safetyRules...,
	)

	calc := calculator.NewCalculator(overrideResolver, safetyEngine, twinStore)

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

	coordinator := reconcile.NewCoordinator(
		logger.WithField("pkg", "reconcile"),
		healthMonitor,
		twinStore,
		twinStore,
		systemStore,
		calc,
		auditStore,
		bus,
	)
	instrumented := reconcile.NewInstrumented(coordinator, metrics.NewReconcileRecorder())

	handlers := api.NewHandlers(logger.WithField("pkg", "api"), twinStore, overrideStore, overrideResolver, instrumented, auditStore, bus)

	apiServer := api.NewServer(logger.WithField("pkg", "api"), cfg.Service.Address, handlers, shutdownStatus, healthMonitor, api.RateLimitOptions{})
	manager.AddServer("api", apiServer)

	metricsServer := metrics.NewMetricsServer(logger.WithField("pkg", "metrics"), prometheus.DefaultGatherer)
	manager.AddServer("metrics", shutdown.NewServerFunc(func(ctx context.Context) error {
		return metricsServer.Run(ctx, metrics.WithListenAddr(cfg.Metrics.Address))
	}))

	logger.Info("API service started, waiting for shutdown signal...")
	return manager.Run(context.Background())
}
