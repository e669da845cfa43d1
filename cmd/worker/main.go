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

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/cache"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/metrics"
	"github.com/maltedev/allegro-price-monitor/internal/monitor"
	"github.com/maltedev/allegro-price-monitor/internal/parser"
	"github.com/maltedev/allegro-price-monitor/internal/scheduler"
	"github.com/maltedev/allegro-price-monitor/internal/worker"
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

	manager, err := browser.New(cfg.Browser, cfg.Monitor.Domain, logger)
	if err != nil {
		logger.Error("no browser engine available", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.ProviderFor(cfg.Scheduler.Proxies), logger)
	checker := monitor.NewChecker(cfg.Monitor, sched, parser.NewDeliveryParser(nil), cfg.Worker.ID, logger)
	client := worker.NewClient(cfg.Worker.QueueURL, cfg.Worker.ID, cfg.Worker.HTTPTimeout)

	var results *cache.ResultCache
	if cfg.Cache.MemcacheAddr != "" {
		mc := cache.NewMemcacheService(cfg.Cache.MemcacheAddr)
		if err := mc.Ping(); err != nil {
			logger.Warn("memcache unreachable, running without result cache", "addr", cfg.Cache.MemcacheAddr, "error", err)
		} else {
			results = cache.NewResultCache(mc, cfg.Cache.ResultTTL, logger)
		}
	}

	w := worker.New(client, manager, sched, checker, results, cfg.Worker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("worker starting",
		"worker_id", cfg.Worker.ID,
		"queue_url", cfg.Worker.QueueURL,
		"engines", manager.Names())

	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("worker stopped")
}
