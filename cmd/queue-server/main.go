package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/allegro-price-monitor/internal/api"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/database"
	"github.com/maltedev/allegro-price-monitor/internal/events"
	"github.com/maltedev/allegro-price-monitor/internal/queue"
	"github.com/maltedev/allegro-price-monitor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	}

	var (
		store     queue.Store
		publisher events.Publisher
		outbox    api.OutboxStats
	)

	switch cfg.Queue.Backend {
	case "postgres":
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}

		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}

		repo := database.NewOutboxRepository(db)
		store = queue.NewPostgresStore(db, events.NewOutboxPublisher(repo, cfg.Redis.Stream, logger))
		outbox = repo

		if redisClient != nil {
			relay := database.NewRelay(repo, redisClient, logger, database.RelayConfig{
				PollInterval: 5 * time.Second,
				BatchSize:    100,
			})
			go func() {
				if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("relay stopped with error", "error", err)
				}
			}()
		} else {
			logger.Warn("REDIS_ADDR not set, price check events stay in the outbox")
		}

	default:
		memory, err := queue.NewMemoryStore(cfg.Queue.SnapshotFile)
		if err != nil {
			logger.Error("failed to open memory store", "error", err)
			os.Exit(1)
		}
		store = memory

		if redisClient != nil {
			publisher = events.NewStreamPublisher(redisClient, cfg.Redis.Stream, logger)
		}
	}
	defer store.Close()

	svc := queue.NewService(store, cfg.Queue, publisher, logger)
	go svc.StartSweeper(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(api.NewHandlers(svc, outbox, logger)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("queue server starting",
		"addr", server.Addr,
		"backend", cfg.Queue.Backend,
		"claim_timeout", cfg.Queue.ClaimTimeout)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
