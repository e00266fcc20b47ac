package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/api"
	"github.com/animo/animo-mediator/internal/config"
	"github.com/animo/animo-mediator/internal/notify"
	"github.com/animo/animo-mediator/internal/pickup"
	"github.com/animo/animo-mediator/internal/push"
	"github.com/animo/animo-mediator/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store: Postgres shares one logical queue across instances,
	// SQLite runs single-instance.
	var st store.Store
	var pgStore *store.PostgresStore
	if cfg.DatabaseURL != "" {
		var err error
		pgStore, err = store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		st = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteStore.Close()
		st = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	}

	// Sessions registered by a previous run of this instance are dead.
	type instanceCleaner interface {
		CleanupInstance(ctx context.Context, instanceID string) (int, error)
	}
	if cleaner, ok := st.(instanceCleaner); ok {
		if removed, err := cleaner.CleanupInstance(ctx, cfg.InstanceID); err != nil {
			logger.Error().Err(err).Msg("stale session cleanup failed")
		} else if removed > 0 {
			logger.Info().Int("count", removed).Msg("removed stale session rows from previous run")
		}
	}

	// Cross-instance notifier: Redis pub/sub when configured, Postgres
	// LISTEN/NOTIFY when the queue lives in Postgres, in-process otherwise.
	var notifier notify.Notifier
	switch {
	case cfg.RedisURL != "":
		redisNotifier, err := notify.NewRedisNotifier(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
		logger.Info().Msg("using Redis pub/sub notifier")
	case pgStore != nil:
		notifier = notify.NewPostgresNotifier(pgStore.Pool(), logger)
		logger.Info().Msg("using Postgres LISTEN/NOTIFY notifier")
	default:
		notifier = notify.NewMemoryNotifier()
		logger.Info().Msg("using in-process notifier (single instance)")
	}

	// Push notifications wake recipients with no session anywhere.
	var pushNotifier pickup.PushNotifier = push.Nop{}
	if cfg.PushWebhookURL != "" {
		tokens := func(ctx context.Context, connectionID string) (*push.DeviceInfo, error) {
			device, err := st.FindDevice(ctx, connectionID)
			if err != nil || device == nil {
				return nil, err
			}
			return &push.DeviceInfo{Token: device.DeviceToken, ClientCode: device.ClientCode}, nil
		}
		pushNotifier = push.NewWebhook(cfg.PushWebhookURL, cfg.PushMessageType, tokens, logger)
		logger.Info().Str("url", cfg.PushWebhookURL).Msg("push notifications enabled")
	}

	registry := pickup.NewSessionRegistry()
	repository := pickup.NewRepository(pickup.Config{
		Queue:      st,
		Sessions:   st,
		Registry:   registry,
		Notifier:   notifier,
		Push:       pushNotifier,
		InstanceID: cfg.InstanceID,
		Logger:     logger,
	})

	// The DIDComm engine embedding this relay attaches its delivery
	// callback here and feeds OnSessionSaved / OnSessionRemoved from its
	// transport layer.
	repository.Start(ctx)

	// Create ops router
	router := api.NewRouter(logger, st, registry, cfg.InstanceID)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("instance_id", cfg.InstanceID).
			Msg("starting mediator relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	cancel()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
