package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/calculator"
	"github.com/flightctl/calcifer/internal/config"
	"github.com/flightctl/calcifer/internal/dispatch"
	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/health"
	"github.com/flightctl/calcifer/internal/idempotency"
	"github.com/flightctl/calcifer/internal/logic"
	"github.com/flightctl/calcifer/internal/messaging"
	"github.com/flightctl/calcifer/internal/metrics"
	"github.com/flightctl/calcifer/internal/overrideresolver"
	"github.com/flightctl/calcifer/internal/reconcile"
	"github.com/flightctl/calcifer/internal/safety"
	"github.com/flightctl/calcifer/internal/store"
	"github.com/flightctl/calcifer/internal/tracing"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/pkg/log"
	"github.com/flightctl/calcifer/pkg/queues"
	"github.com/flightctl/calcifer/pkg/shutdown"
	"github.com/google/uuid"
)

// stringOutcomeReconciler adapts *reconcile.InstrumentedCoordinator to
// internal/logic.Reconciler, whose Reconcile signature returns a literal
// string rather than the named reconcile.Outcome type.
type stringOutcomeReconciler struct {
	inner *reconcile.InstrumentedCoordinator
}

func (r stringOutcomeReconciler) Reconcile(ctx context.Context, deviceId twin.DeviceId) (string, error) {
	outcome, err := r.inner.Reconcile(ctx, deviceId)
	return string(outcome), err
}

func main() {
	logger := log.InitLogs()

	if err := runCmd(logger); err != nil {
		logger.WithError(err).Fatal("worker service error")
	}
}

func runCmd(logger *logrus.Logger) error {
	logger.Info("Starting worker service")
	defer logger.Info("worker service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	logger.Infof("Using config: %s", cfg)

	tracing.InitTracer("calcifer-worker")

	shutdownStatus := shutdown.NewShutdownManager(logger)
	shutdownStatus.SetServiceName("calcifer-worker")
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

	processID := fmt.Sprintf("worker-%s", uuid.New().String())
	provider, err := queues.NewRedisProvider(context.Background(), logger, processID, cfg.KV.Hostname, cfg.KV.Port, cfg.KV.Password.Reveal(), queues.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("connecting to queue provider: %w", err)
	}
	shutdownStatus.Register("queue-provider", shutdown.PriorityLow, shutdown.TimeoutQuick, func(context.Context) error {
		provider.Stop()
		provider.Wait()
		return nil
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
		health.ComponentMessagingBus: func(ctx context.Context) error {
			return provider.CheckHealth(ctx)
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

	logicService := logic.NewService(logger.WithField("pkg", "logic"), bus, stringOutcomeReconciler{inner: instrumented}, systemStore, 0)
	shutdownStatus.Register("logic-service", shutdown.PriorityHigh, shutdown.TimeoutCompletion, func(context.Context) error {
		logicService.Wait()
		return nil
	})

	publisher, err := messaging.NewPublisher(context.Background(), provider)
	if err != nil {
		return fmt.Errorf("creating command publisher: %w", err)
	}
	shutdownStatus.Register("publisher", shutdown.PriorityLow, shutdown.TimeoutQuick, func(context.Context) error {
		publisher.Close()
		return nil
	})

	dispatcher := dispatch.New(logger.WithField("pkg", "dispatch"), bus, healthMonitor, twinStore, publisher, cfg.DebounceWindow(), metrics.NewRecorder())
	shutdownStatus.Register("dispatcher", shutdown.PriorityHigh, shutdown.TimeoutCompletion, func(context.Context) error {
		dispatcher.Flush(shutdown.TimeoutCompletion)
		return nil
	})

	idempotencyFilter := idempotency.New(redisClient, cfg.IdempotencyTTL())
	feedbackConsumer := messaging.NewConsumer(logger.WithField("pkg", "messaging"), messaging.NewParser(), twinStore, idempotencyFilter, bus, metrics.NewIdempotencyRecorder())

	queueConsumer, err := provider.NewQueueConsumer(context.Background(), messaging.InboundQueueName)
	if err != nil {
		return fmt.Errorf("creating feedback consumer: %w", err)
	}
	manager.AddServer("feedback-consumer", shutdown.NewServerFunc(func(ctx context.Context) error {
		return queueConsumer.Consume(ctx, feedbackConsumer.Handle)
	}))

	metricsServer := metrics.NewMetricsServer(logger.WithField("pkg", "metrics"), prometheus.DefaultGatherer)
	manager.AddServer("metrics", shutdown.NewServerFunc(func(ctx context.Context) error {
		return metricsServer.Run(ctx, metrics.WithListenAddr(cfg.Metrics.Address))
	}))

	logger.Info("worker service started, waiting for shutdown signal...")
	return manager.Run(context.Background())
}
