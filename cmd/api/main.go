package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/sla-service/internal/api/http"
	"github.com/spec-kit/sla-service/internal/api/http/handlers"
	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/events"
	"github.com/spec-kit/sla-service/internal/observability"
	"github.com/spec-kit/sla-service/internal/persistence"
	"github.com/spec-kit/sla-service/internal/repository"
	"github.com/spec-kit/sla-service/internal/scheduler"
	"github.com/spec-kit/sla-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	pool := pg.PoolHandle()
	ticketRepo := repository.NewTicketRepository(pool)
	ruleRepo := repository.NewRuleRepository(pool)
	firingRepo := repository.NewFiringRepository(pool)
	agentRepo := repository.NewAgentRepository(pool)

	dispatcher := events.NewInMemoryDispatcher()
	engineMetrics := observability.NewMetrics()
	metricsCache := persistence.NewMetricsCache(redis, cfg.Sla.MetricsCacheTTL())

	resolver := service.NewPolicyResolver(cfg.Sla)
	notifier := service.NewNotificationService(dispatcher, logger, cfg.Notification)
	notifier.RegisterHandlers()

	monitor := service.NewSlaMonitor(service.MonitorDependencies{
		TicketRepo: ticketRepo,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, cfg.Sla.WarningFraction)

	escalations := service.NewEscalationService(service.EscalationDependencies{
		TicketRepo: ticketRepo,
		RuleRepo:   ruleRepo,
		FiringRepo: firingRepo,
		AgentRepo:  agentRepo,
		Notifier:   notifier,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    engineMetrics,
	}, cfg.Sla.WorkerCount, cfg.Notification.FallbackEmail)

	slaScheduler := scheduler.NewSlaScheduler(scheduler.SchedulerDependencies{
		Monitor:     monitor,
		Escalations: escalations,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Metrics:     engineMetrics,
	}, cfg.Sla)
	if err := slaScheduler.Start(); err != nil {
		logger.Fatal("failed to start SLA scheduler", zap.Error(err))
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, engineMetrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, engineMetrics)
	slaHandler := handlers.NewSlaHandler(monitor, ruleRepo, metricsCache, engineMetrics, logger)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: healthHandler,
		Sla:    slaHandler,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	slaScheduler.Stop()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
