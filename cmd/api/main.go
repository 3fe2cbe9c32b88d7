package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/notification-hub/internal/config"
	"github.com/jwalitptl/notification-hub/internal/handler"
	notificationHandler "github.com/jwalitptl/notification-hub/internal/handler/notification"
	preferenceHandler "github.com/jwalitptl/notification-hub/internal/handler/preference"
	"github.com/jwalitptl/notification-hub/internal/handler/ws"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	"github.com/jwalitptl/notification-hub/internal/router"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/internal/worker"
	"github.com/jwalitptl/notification-hub/pkg/auth"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging/redis"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	appLogger := logger.NewLogger(cfg.Log.ToLoggerConfig()).With("service", "notification-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal(err, "Notification API stopped")
	}
	appLogger.Info("Notification API stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Initialize database
	db, err := postgres.NewDB(ctx, cfg.Database.ToDBConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	base := postgres.NewBaseRepository(db)
	if cfg.Database.Migrate {
		if err := base.Migrate(ctx); err != nil {
			return err
		}
	}

	// Initialize Redis for presence and the cross-node relay
	redisClient, err := redis.NewClient(ctx, cfg.Redis.ToBrokerConfig())
	if err != nil {
		return err
	}
	defer redisClient.Close()
	broker := redis.NewRedisBroker(redisClient, log.Zerolog())

	m := metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	// Initialize repositories
	deliveries := postgres.NewDeliveryQueue(base, cfg.Dispatcher.Lease)
	notifications := postgres.NewNotificationRepository(base)
	directory := postgres.NewDirectoryRepository(base)
	prefs := preference.NewCachedRepository(postgres.NewPreferenceRepository(base), cfg.Preferences.ToCacheConfig())
	evaluator := preference.NewEvaluator(prefs)

	// Initialize services
	notifySvc := notificationService.NewService(notifications, deliveries, directory, evaluator, log, m)
	prefSvc := preference.NewService(prefs)

	// Sessions live here; replay on connect runs through a local dispatcher
	dispatcherCfg := cfg.Dispatcher.ToDispatcherConfig()
	registry := presence.NewRegistry(cfg.Presence.ToRegistryConfig(), log, m)
	relay := presence.NewRelay(dispatcherCfg.NodeID, cfg.Presence.DirectoryTTL, registry,
		presence.NewRedisDirectory(redisClient), broker, deliveries, log, m)
	dispatcher := worker.NewDispatcher(deliveries, notifications, directory, evaluator,
		cfg.ChannelRouter(registry, relay), registry, dispatcherCfg, log, m)
	registry.SetReplay(dispatcher.Replay)

	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	scheduler, err := worker.NewScheduler(cfg.Maintenance.ToSchedulerConfig(), log)
	if err != nil {
		return err
	}
	if err := scheduler.Every("session-sweep", cfg.Presence.SweepInterval, func(ctx context.Context) error {
		now := time.Now()
		registry.Sweep(ctx, now)
		registry.PruneDebounce(now)
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.Every("presence-refresh", cfg.Presence.DirectoryTTL/3, func(ctx context.Context) error {
		relay.Refresh(ctx)
		return nil
	}); err != nil {
		return err
	}
	// Records parked by a relay that raced a reconnect missed that connect's replay.
	if err := scheduler.Every("parked-replay", cfg.Presence.SweepInterval, func(ctx context.Context) error {
		for _, userID := range registry.Users() {
			dispatcher.Replay(ctx, userID)
		}
		return nil
	}); err != nil {
		return err
	}

	// Initialize middleware and handlers
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)
	authMiddleware := middleware.NewAuthMiddleware(jwtService)
	h := handler.NewHandler(map[string]handler.Pinger{
		"postgres": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	}, prometheus.DefaultGatherer)

	// Setup router
	r := router.NewRouter(
		authMiddleware,
		h,
		m,
		cfg.ToRouterConfig(),
		notificationHandler.NewHandler(notifySvc, authMiddleware),
		preferenceHandler.NewHandler(prefSvc),
		ws.NewHandler(registry, notifySvc, cfg.WebSocket.ToHandlerConfig(cfg.Server.AllowedOrigins), log),
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting HTTP server", "addr", srv.Addr, "node_id", relay.NodeID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// websocket connections are hijacked, so Shutdown does not wait for them
		registry.Close(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
