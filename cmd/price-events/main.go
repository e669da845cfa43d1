package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/events"
	"github.com/maltedev/allegro-price-monitor/pkg/logger"
)

func main() {
	var (
		group   = flag.String("group", "price-events", "Consumer group name")
		name    = flag.String("name", "", "Consumer name (default: hostname)")
		minDiff = flag.Float64("min-diff", 0.01, "Smallest price difference reported as an undercut")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Redis.Addr == "" {
		logger.Error("REDIS_ADDR is required")
		os.Exit(1)
	}

	consumerName := *name
	if consumerName == "" {
		consumerName, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis", "addr", cfg.Redis.Addr)

	consumer := events.NewConsumer(rdb, events.ConsumerConfig{
		Stream: cfg.Redis.Stream,
		Group:  *group,
		Name:   consumerName,
	}, events.UndercutLogger(logger, *minDiff), logger)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer failed", "error", err)
		os.Exit(1)
	}
}
