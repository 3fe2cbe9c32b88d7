package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/notification-hub/internal/config"
	"github.com/jwalitptl/notification-hub/internal/consumer"
	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/internal/worker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging/redis"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	appLogger := logger.NewLogger(cfg.Log.ToLoggerConfig()).With("service", "notification-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal(err, "Notification worker stopped")
	}
	appLogger.Info("Notification worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := postgres.NewDB(ctx, cfg.Database.ToDBConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	base := postgres.NewBaseRepository(db)

	redisClient, err := redis.NewClient(ctx, cfg.Redis.ToBrokerConfig())
	if err != nil {
		return err
	}
	defer redisClient.Close()
	broker := redis.NewRedisBroker(redisClient, log.Zerolog())

	m := metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	deliveries := postgres.NewDeliveryQueue(base, cfg.Dispatcher.Lease)
	notifications := postgres.NewNotificationRepository(base)
	directory := postgres.NewDirectoryRepository(base)
	prefs := preference.NewCachedRepository(postgres.NewPreferenceRepository(base), cfg.Preferences.ToCacheConfig())
	evaluator := preference.NewEvaluator(prefs)

	// The worker holds no sessions: in-app pushes always go through the relay to
	// whichever API node the user is connected to.
	dispatcherCfg := cfg.Dispatcher.ToDispatcherConfig()
	relay := presence.NewRelay(
		dispatcherCfg.NodeID,
		cfg.Presence.DirectoryTTL,
		presence.NewRegistry(cfg.Presence.ToRegistryConfig(), log, m),
		presence.NewRedisDirectory(redisClient),
		broker,
		nil,
		log,
		m,
	)
	dispatcher := worker.NewDispatcher(deliveries, notifications, directory, evaluator,
		cfg.ChannelRouter(nil, relay), nil, dispatcherCfg, log, m)

	scheduler, err := worker.NewScheduler(cfg.Maintenance.ToSchedulerConfig(), log)
	if err != nil {
		return err
	}
	if err := worker.NewMaintenance(deliveries, cfg.Maintenance.ToMaintenanceConfig(), log, m).Register(scheduler); err != nil {
		return err
	}

	// Health and metrics
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()
	engine.Use(middleware.Recovery())
	h := handler.NewHandler(map[string]handler.Pinger{"postgres": db}, prometheus.DefaultGatherer)
	engine.GET("/metrics", h.MetricsHandler)
	h.RegisterRoutes(engine.Group(""))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if cfg.Kafka.Enabled {
		notifySvc := notificationService.NewService(notifications, deliveries, directory, evaluator, log, m)
		consumerCfg := cfg.Kafka.ToConsumerConfig()
		events := consumer.NewConsumer(consumer.NewReader(consumerCfg), notifySvc, consumerCfg, log, m)
		g.Go(func() error {
			return events.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("Starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
